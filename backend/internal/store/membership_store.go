package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"tmcollab/backend/internal/permission"
)

// ThreatModelMember 外部项目/角色存储里的成员行（协作服务只读）
type ThreatModelMember struct {
	ID      uint64 `gorm:"primaryKey"`
	ModelID string `gorm:"column:model_id;index;size:64;not null"`
	UserID  uint64 `gorm:"column:user_id;index;not null"`
	Role    string `gorm:"column:role;size:32;not null"`
}

func (ThreatModelMember) TableName() string { return "threat_model_members" }

type MembershipStore struct{ db *gorm.DB }

func NewMembershipStore(db *gorm.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

// GetRole 实现 permission.MembershipStore
func (s *MembershipStore) GetRole(ctx context.Context, userID uint64, modelID string) (string, error) {
	var member ThreatModelMember
	err := s.db.WithContext(ctx).
		Where("model_id = ? AND user_id = ?", modelID, userID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", permission.ErrNoMembership
	}
	if err != nil {
		return "", err
	}
	return member.Role, nil
}
