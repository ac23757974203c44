package permission

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

// 能力集合：每个角色档位对应一组固定能力
type Capability string

const (
	CapRead        Capability = "read"
	CapCreate      Capability = "create"
	CapEdit        Capability = "edit"
	CapDelete      Capability = "delete"
	CapComment     Capability = "comment"
	CapAnalyze     Capability = "analyze"
	CapShare       Capability = "share"
	CapManageUsers Capability = "manage-users"
	CapExport      Capability = "export"
	CapImport      Capability = "import"
)

// 角色档位（从高到低）
const (
	RoleOwner       = "owner"
	RoleAdmin       = "admin"
	RoleEditor      = "editor"
	RoleContributor = "contributor"
	RoleReviewer    = "reviewer"
	RoleViewer      = "viewer"
)

var roleCapabilities = map[string][]Capability{
	RoleOwner: {CapRead, CapCreate, CapEdit, CapDelete, CapComment, CapAnalyze,
		CapShare, CapManageUsers, CapExport, CapImport},
	RoleAdmin: {CapRead, CapCreate, CapEdit, CapDelete, CapComment, CapAnalyze,
		CapShare, CapManageUsers, CapExport, CapImport},
	RoleEditor: {CapRead, CapCreate, CapEdit, CapDelete, CapComment, CapAnalyze,
		CapExport, CapImport},
	RoleContributor: {CapRead, CapCreate, CapEdit, CapComment, CapAnalyze},
	RoleReviewer:    {CapRead, CapComment, CapAnalyze},
	RoleViewer:      {CapRead},
}

var ErrNoMembership = errors.New("NO_MEMBERSHIP")

// MembershipStore 角色查询，由外部的项目/成员存储实现
type MembershipStore interface {
	GetRole(ctx context.Context, userID uint64, modelID string) (string, error)
}

// AuditSink 审计落地，由 History Sink 实现（异步、尽力而为）
type AuditSink interface {
	EnqueueAudit(entry AuditEntry)
}

type AuditEntry struct {
	UserID    uint64    `json:"userId"`
	ModelID   string    `json:"modelId"`
	Action    string    `json:"action"`
	Granted   bool      `json:"granted"`
	Timestamp time.Time `json:"timestamp"`
}

// Gate 权限闸门：所有实时操作进入处理器之前的前置过滤。
// 查询是只读的，不持有本地可变状态。
type Gate struct {
	store MembershipStore
	audit AuditSink
}

func NewGate(store MembershipStore, audit AuditSink) *Gate {
	return &Gate{store: store, audit: audit}
}

// RoleCapabilities 返回角色的能力快照（副本）
func RoleCapabilities(role string) []Capability {
	caps := roleCapabilities[role]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

func roleHas(role string, cap Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == cap {
			return true
		}
	}
	return false
}

// CapabilityForOp 把操作类型映射到所需能力。
// 操作类型形如 create_component / update_connection / delete_comment。
func CapabilityForOp(opType string) (Capability, bool) {
	action, _, ok := strings.Cut(opType, "_")
	if !ok {
		return "", false
	}
	switch action {
	case "create":
		return CapCreate, true
	case "update":
		return CapEdit, true
	case "delete":
		return CapDelete, true
	default:
		return "", false
	}
}

// CanAccessModel 判断用户是否能进入模型房间（任何角色档位即可读）
func (g *Gate) CanAccessModel(ctx context.Context, userID uint64, modelID string) bool {
	role, err := g.store.GetRole(ctx, userID, modelID)
	granted := err == nil && roleHas(role, CapRead)
	if err != nil && !errors.Is(err, ErrNoMembership) {
		log.Printf("permission: role lookup failed (user=%d, model=%s): %v", userID, modelID, err)
	}
	g.record(userID, modelID, "access", granted)
	return granted
}

// CanPerform 判断用户是否能执行该操作类型；拒绝时操作不会到达处理器
func (g *Gate) CanPerform(ctx context.Context, userID uint64, modelID string, opType string) bool {
	cap, ok := CapabilityForOp(opType)
	if !ok {
		g.record(userID, modelID, opType, false)
		return false
	}
	return g.CanPerformCapability(ctx, userID, modelID, cap, opType)
}

// CanPerformCapability 按能力判断（评论等不走操作类型映射的入口）
func (g *Gate) CanPerformCapability(ctx context.Context, userID uint64, modelID string, cap Capability, action string) bool {
	role, err := g.store.GetRole(ctx, userID, modelID)
	granted := err == nil && roleHas(role, cap)
	if err != nil && !errors.Is(err, ErrNoMembership) {
		log.Printf("permission: role lookup failed (user=%d, model=%s): %v", userID, modelID, err)
	}
	g.record(userID, modelID, action, granted)
	return granted
}

// PermissionSnapshot 返回用户在该模型下的能力快照，加入房间时写进 presence
func (g *Gate) PermissionSnapshot(ctx context.Context, userID uint64, modelID string) []Capability {
	role, err := g.store.GetRole(ctx, userID, modelID)
	if err != nil {
		return nil
	}
	return RoleCapabilities(role)
}

// 每次判定（允许或拒绝）都写一条审计，便于追踪
func (g *Gate) record(userID uint64, modelID string, action string, granted bool) {
	if g.audit == nil {
		return
	}
	g.audit.EnqueueAudit(AuditEntry{
		UserID:    userID,
		ModelID:   modelID,
		Action:    action,
		Granted:   granted,
		Timestamp: time.Now(),
	})
}
