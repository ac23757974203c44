package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/permission"
)

// HistoryStore 三张追加表：协作历史、权限审计、评论。
// 只追加，不更新；重复主键视为已写入过（sink 重试会带来重放）。
type HistoryStore struct{ db *sql.DB }

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) AppendHistory(ctx context.Context, rec collab.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collaboration_history (event_id, user_id, event_type, model_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EventID,
		rec.UserID,
		rec.EventType,
		rec.ModelID,
		[]byte(rec.Payload),
		rec.Timestamp,
	)
	return ignoreDuplicate(err)
}

func (s *HistoryStore) AppendAudit(ctx context.Context, entry permission.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_audit (user_id, model_id, action, granted, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.UserID,
		entry.ModelID,
		entry.Action,
		entry.Granted,
		entry.Timestamp,
	)
	return err
}

func (s *HistoryStore) AppendComment(ctx context.Context, rec collab.CommentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_comments (id, model_id, element_id, user_id, text, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CommentID,
		rec.ModelID,
		rec.ElementID,
		rec.UserID,
		rec.Text,
		[]byte(rec.Position),
		rec.Timestamp,
	)
	return ignoreDuplicate(err)
}

// 1062: duplicate entry，重放时当成功处理
func ignoreDuplicate(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return nil
	}
	return err
}
