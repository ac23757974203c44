package ws

import (
	"encoding/json"
	"sync"

	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/presence"
)

// Hub 单进程内的房间扇入扇出。
// 房间里存的是连接而不是 userID：同一用户可开多个标签页/设备（多连接），
// 广播要逐连接发。投递是尽力而为、每连接至多一次；正确性由处理器的
// 版本检查保证，不依赖投递保证。
type Hub struct {
	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// userID -> set of connections（多端在线）
	userConns map[uint64]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[string]map[*Conn]struct{}),
		userConns: make(map[uint64]map[*Conn]struct{}),
	}
}

// Register 在连接完成认证后登记 user↔conn 绑定
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userConns[c.userID] == nil {
		h.userConns[c.userID] = make(map[*Conn]struct{})
	}
	h.userConns[c.userID][c] = struct{}{}
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.userConns[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userConns, c.userID)
		}
	}
}

// Join 将连接加入指定房间
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

// Leave 将连接从指定房间移除；房间清空即销毁
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// UserInRoom 该用户在此房间是否还有别的连接（多端场景下判断最后离开）
func (h *Hub) UserInRoom(roomID string, userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) BroadcastToRoom(roomID string, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// SendToUser 给某个用户的所有连接发（多端各收一份）
func (h *Hub) SendToUser(userID uint64, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.userConns[userID]))
	for c := range h.userConns[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// Kick 踢出用户：先发 kicked 再关闭其全部连接
func (h *Hub) Kick(userID uint64, reason string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.userConns[userID]))
	for c := range h.userConns[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(ServerMessage{Type: "kicked", Reason: reason})
		c.Close()
	}
}

// ConnCount 当前进程内的连接总数
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.userConns {
		n += len(conns)
	}
	return n
}

// BroadcastEvent 实现 relay.Broadcaster：把事件信封翻译成出站消息后
// 广播到事件所属模型的房间（本地转发收到的事件也走这里）
func (h *Hub) BroadcastEvent(evt collab.CollaborationEvent) {
	h.BroadcastToRoom(presence.RoomID(evt.ModelID), serverMessageFor(evt))
}

// serverMessageFor 事件信封 → 出站消息：
// operation 事件包一层 collaboration-event；其余事件类型与出站消息
// 类型同名，载荷字段直接展开到顶层。
func serverMessageFor(evt collab.CollaborationEvent) ServerMessage {
	if evt.Type == "operation" {
		return ServerMessage{Type: "collaboration-event", Event: &evt}
	}
	var msg ServerMessage
	if len(evt.Payload) > 0 {
		_ = json.Unmarshal(evt.Payload, &msg)
	}
	msg.Type = evt.Type
	if msg.UserID == 0 {
		msg.UserID = evt.UserID
	}
	msg.ModelID = evt.ModelID
	return msg
}
