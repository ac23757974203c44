package presence

import (
	"encoding/json"
	"sync"
	"time"
)

// RoomID 模型对应的广播房间标识
func RoomID(modelID string) string { return "room:" + modelID }

const (
	StatusOnline = "online"
	StatusAway   = "away"
)

// UserPresence 在线用户的会话状态：房间归属、光标、权限快照。
// 加入房间时创建，断连或显式离开时销毁。
type UserPresence struct {
	UserID     uint64          `json:"userId"`
	Username   string          `json:"displayName"`
	AvatarRef  string          `json:"avatarRef,omitempty"`
	Status     string          `json:"status"`
	LastSeenAt time.Time       `json:"lastSeenAt"`
	RoomID     string          `json:"currentRoomId,omitempty"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	// 加入房间时的能力快照
	Permissions []string `json:"permissionSet,omitempty"`
}

// Registry 连接用户的权威内存注册表。
// 原始实现里的全局 map（activeUsers/roomUsers）在这里收拢成一个
// 有明确并发边界的对象：所有读写都经过同一把读写锁。
type Registry struct {
	mu    sync.RWMutex
	users map[uint64]*UserPresence
	// roomID -> set<userId>；首次加入时创建，成员归零时销毁
	rooms map[string]map[uint64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[uint64]*UserPresence),
		rooms: make(map[string]map[uint64]struct{}),
	}
}

// Join 把用户放进房间并返回 presence 快照。
// 用户已在别的房间时先离开旧房间（单房间归属）。
func (r *Registry) Join(userID uint64, username string, avatarRef string, roomID string, perms []string) UserPresence {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.users[userID]; ok && p.RoomID != "" && p.RoomID != roomID {
		r.removeFromRoomLocked(p.RoomID, userID)
	}

	p := &UserPresence{
		UserID:      userID,
		Username:    username,
		AvatarRef:   avatarRef,
		Status:      StatusOnline,
		LastSeenAt:  time.Now(),
		RoomID:      roomID,
		Permissions: perms,
	}
	r.users[userID] = p
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[uint64]struct{})
	}
	r.rooms[roomID][userID] = struct{}{}
	return *p
}

// Leave 幂等：重复调用或对不存在的用户调用都是 no-op。
// 返回用户此前所在的房间，便于调用方广播 user-left。
func (r *Registry) Leave(userID uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.users[userID]
	if !ok {
		return "", false
	}
	roomID := p.RoomID
	delete(r.users, userID)
	if roomID != "" {
		r.removeFromRoomLocked(roomID, userID)
	}
	return roomID, true
}

func (r *Registry) removeFromRoomLocked(roomID string, userID uint64) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// UpdateCursor 更新光标并刷新活跃时间；返回所在房间
func (r *Registry) UpdateCursor(userID uint64, cursor json.RawMessage) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.users[userID]
	if !ok {
		return "", false
	}
	p.Cursor = cursor
	p.Status = StatusOnline
	p.LastSeenAt = time.Now()
	return p.RoomID, true
}

func (r *Registry) SetStatus(userID uint64, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.users[userID]; ok {
		p.Status = status
		p.LastSeenAt = time.Now()
	}
}

// Get 返回 presence 副本
func (r *Registry) Get(userID uint64) (UserPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// RoomOf 返回用户当前所在的房间
func (r *Registry) RoomOf(userID uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[userID]
	if !ok || p.RoomID == "" {
		return "", false
	}
	return p.RoomID, true
}

// ListRoomMembers 返回房间成员的 presence 副本
func (r *Registry) ListRoomMembers(roomID string) []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]UserPresence, 0, len(members))
	for uid := range members {
		if p, ok := r.users[uid]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Counts 聚合统计：在线用户数与活跃房间数
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.rooms)
}
