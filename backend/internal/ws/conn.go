package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tmcollab/backend/internal/auth"
	"tmcollab/backend/internal/cache"
	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/permission"
	"tmcollab/backend/internal/presence"
)

const (
	// 心跳：25s 一次 ping，60s 收不到 pong 即断开；
	// 超时断开走与显式断开完全相同的清理路径
	pingPeriod = 25 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second

	// 共享在线视图里的心跳 TTL
	presenceTTL = 90 * time.Second

	// 操作提交获取信号量的时限
	submitTimeout = 200 * time.Millisecond
)

// CommentSink 评论与历史的异步落地入口
type CommentSink interface {
	EnqueueComment(rec collab.CommentRecord)
	EnqueueHistory(evt collab.CollaborationEvent)
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	registry *presence.Registry
	gate     *permission.Gate
	svc      collab.Service
	fanout   *Fanout
	sink     CommentSink
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl

	userID        uint64
	username      string
	avatarRef     string
	authenticated bool
	// 当前加入的模型；只在读循环的 goroutine 里读写
	modelID string

	// 广播方持有清理前的连接快照时也可能入队：
	// 入队和关闭必须在同一把锁下互斥
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, registry *presence.Registry, gate *permission.Gate,
	svc collab.Service, fanout *Fanout, sink CommentSink, pc cache.PresenceCache,
	sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		registry: registry,
		gate:     gate,
		svc:      svc,
		fanout:   fanout,
		sink:     sink,
		presence: pc,
		sem:      sem,
		send:     make(chan OutboundMessage, 32),
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢弃：只影响这个连接，不影响房间里其他成员
	}
}

// closeSend 关闭发送通道，之后的入队静默丢弃（可重复调用）
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) sendError(code string, message string) {
	c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: code, Error: message})
}

func (c *Conn) Close() {
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.cleanup(ctx)
		c.closeSend()
	}()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (user=%d, model=%s): %v", c.userID, c.modelID, err)
			}
			return
		}
		c.handleMessage(ctx, clientMessage)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				// 发送失败只放弃该连接的后续发送
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup 断连清理：与显式 leave-room 共用同一条路径，可重复执行
func (c *Conn) cleanup(ctx context.Context) {
	c.leaveRoom(ctx)
	if c.authenticated {
		c.hub.Unregister(c)
	}
}

// handleMessage 入站分派表：状态机 connected → authenticated → in-room。
// 认证和权限失败只终止当前请求，不终止连接。
func (c *Conn) handleMessage(ctx context.Context, m ClientMessage) {
	if m.Type == "authenticate" {
		c.handleAuthenticate(m)
		return
	}
	if !c.authenticated {
		// 未认证连接不能提交任何事件
		c.sendError("UNAUTHENTICATED", "authenticate first")
		return
	}

	switch m.Type {
	case "join-room":
		c.handleJoinRoom(ctx, m)
	case "leave-room":
		c.leaveRoom(ctx)
	case "cursor-move":
		c.handleCursorMove(ctx, m)
	case "typing-start":
		c.handleTyping(m, true)
	case "typing-stop":
		c.handleTyping(m, false)
	case "selection-change":
		c.handleSelectionChange(m)
	case "status-change":
		c.handleStatusChange(m)
	case "threat-model-operation":
		c.handleOperation(ctx, m)
	case "resolve-conflict":
		c.handleResolveConflict(ctx, m)
	case "add-comment":
		c.handleAddComment(ctx, m)
	case "ops-since":
		c.handleOpsSince(ctx, m)
	default:
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+m.Type)
	}
}

func (c *Conn) handleAuthenticate(m ClientMessage) {
	// 已认证的连接不允许换身份：Hub 里的 user↔conn 绑定会泄漏
	if c.authenticated {
		c.sendError("ALREADY_AUTHENTICATED", "connection is already authenticated")
		return
	}
	claims, err := auth.ParseToken(m.Credential)
	if err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "authenticated", Error: "AUTHENTICATION_FAILED"})
		return
	}
	if claims.Type != "" && claims.Type != "access" {
		c.SendMessage_Enqueue(ServerMessage{Type: "authenticated", Error: "AUTHENTICATION_FAILED"})
		return
	}
	c.userID = claims.UserID
	c.username = claims.Username
	c.avatarRef = claims.AvatarRef
	c.authenticated = true
	c.hub.Register(c)
	c.SendMessage_Enqueue(ServerMessage{Type: "authenticated", Success: true, UserID: c.userID})
}

func (c *Conn) handleJoinRoom(ctx context.Context, m ClientMessage) {
	if m.ModelID == "" {
		c.sendError("INVALID_REQUEST", "missing modelId")
		return
	}
	if !c.gate.CanAccessModel(ctx, c.userID, m.ModelID) {
		c.sendError("PERMISSION_DENIED", "no access to model "+m.ModelID)
		return
	}
	// 换房间先离开旧房间
	if c.modelID != "" && c.modelID != m.ModelID {
		c.leaveRoom(ctx)
	}
	c.modelID = m.ModelID
	roomID := presence.RoomID(m.ModelID)

	caps := c.gate.PermissionSnapshot(ctx, c.userID, m.ModelID)
	perms := make([]string, len(caps))
	for i, cap := range caps {
		perms[i] = string(cap)
	}
	p := c.registry.Join(c.userID, c.username, c.avatarRef, roomID, perms)
	c.hub.Join(roomID, c)
	if err := c.presence.AddMember(ctx, m.ModelID, c.userID, c.username, presenceTTL); err != nil {
		log.Printf("presence cache: add member failed (user=%d, model=%s): %v", c.userID, m.ModelID, err)
	}

	c.emit("user-joined", m.ModelID, struct {
		User presence.UserPresence `json:"user"`
	}{User: p})

	// 别的实例上的成员本进程看不见：从共享镜像补齐，连同其最后的光标
	users := c.registry.ListRoomMembers(roomID)
	local := make(map[uint64]struct{}, len(users))
	for _, u := range users {
		local[u.UserID] = struct{}{}
	}
	if members, err := c.presence.GetAliveMembersWithNames(ctx, m.ModelID); err == nil {
		for _, mem := range members {
			if _, ok := local[mem.UserID]; ok {
				continue
			}
			up := presence.UserPresence{
				UserID:   mem.UserID,
				Username: mem.DisplayName,
				Status:   presence.StatusOnline,
				RoomID:   roomID,
			}
			if cur, err := c.presence.GetCursor(ctx, m.ModelID, mem.UserID); err == nil {
				up.Cursor = cur
			}
			users = append(users, up)
		}
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:    "room-users",
		ModelID: m.ModelID,
		Users:   users,
	})
}

// leaveRoom 幂等：显式 leave-room、断连、换房间都走这里
func (c *Conn) leaveRoom(ctx context.Context) {
	if c.modelID == "" {
		return
	}
	modelID := c.modelID
	c.modelID = ""
	roomID := presence.RoomID(modelID)
	c.hub.Leave(roomID, c)

	// 多端在线：同用户还有别的连接在房间里就不算离开
	if c.hub.UserInRoom(roomID, c.userID) {
		return
	}
	if _, ok := c.registry.Leave(c.userID); !ok {
		return
	}
	if err := c.presence.RemoveMember(ctx, modelID, c.userID); err != nil {
		log.Printf("presence cache: remove member failed (user=%d, model=%s): %v", c.userID, modelID, err)
	}
	c.emit("user-left", modelID, struct {
		UserID uint64 `json:"userId"`
	}{UserID: c.userID})
}

func (c *Conn) handleCursorMove(ctx context.Context, m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	if _, ok := c.registry.UpdateCursor(c.userID, m.Position); !ok {
		return
	}
	if err := c.presence.SetCursor(ctx, c.modelID, c.userID, m.Position, presenceTTL); err != nil {
		log.Printf("presence cache: set cursor failed (user=%d): %v", c.userID, err)
	}
	c.emit("cursor-updated", c.modelID, struct {
		Position json.RawMessage `json:"position"`
	}{Position: m.Position})
}

func (c *Conn) handleTyping(m ClientMessage, start bool) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	eventType := "user-stopped-typing"
	if start {
		eventType = "user-typing"
	}
	c.emit(eventType, c.modelID, struct {
		ElementID   string `json:"elementId"`
		ElementType string `json:"elementType,omitempty"`
	}{ElementID: m.ElementID, ElementType: m.ElementType})
}

func (c *Conn) handleSelectionChange(m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	c.emit("selection-updated", c.modelID, struct {
		ElementIDs []string `json:"elementIds"`
		Action     string   `json:"action"`
	}{ElementIDs: m.ElementIDs, Action: m.Action})
}

// handleStatusChange 用户主动切换在线/离开状态
func (c *Conn) handleStatusChange(m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	if m.Status != presence.StatusOnline && m.Status != presence.StatusAway {
		c.sendError("INVALID_REQUEST", "unknown status: "+m.Status)
		return
	}
	c.registry.SetStatus(c.userID, m.Status)
	c.emit("status-changed", c.modelID, struct {
		Status string `json:"status"`
	}{Status: m.Status})
}

// handleOperation 操作提交：权限闸门 → 信号量 → 处理器。
// 被拒绝的操作到不了处理器；冲突只回给提交者。
func (c *Conn) handleOperation(ctx context.Context, m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	if m.Operation == nil {
		c.sendError("INVALID_OPERATION", "missing operation")
		return
	}
	op := *m.Operation
	op.ModelID = c.modelID
	op.ActorID = c.userID

	if !c.gate.CanPerform(ctx, c.userID, op.ModelID, op.OpType) {
		c.sendError("PERMISSION_DENIED", "not allowed: "+op.OpType)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError("BUSY", err.Error())
		return
	}
	defer c.sem.Release()

	result, err := c.svc.Process(ctx, op)
	if err != nil {
		c.sendError("INVALID_OPERATION", err.Error())
		return
	}
	if result.Conflict != nil {
		c.SendMessage_Enqueue(ServerMessage{
			Type:        "conflict-detected",
			ConflictID:  result.Conflict.ConflictID,
			Conflict:    result.Conflict,
			Suggestions: result.Conflict.Suggestions,
		})
		return
	}
	// 房间广播是尽力而为的，提交者单独拿一个明确回执
	c.SendMessage_Enqueue(ServerMessage{Type: "operation-applied", Success: true, Result: &result})
}

func (c *Conn) handleResolveConflict(ctx context.Context, m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	rec, ok := c.svc.Conflict(m.ConflictID)
	if !ok {
		c.sendError("UNKNOWN_CONFLICT", "no such conflict: "+m.ConflictID)
		return
	}
	// 解决冲突需要与原操作同样的权限
	if !c.gate.CanPerform(ctx, c.userID, rec.Operation.ModelID, rec.Operation.OpType) {
		c.sendError("PERMISSION_DENIED", "not allowed: "+rec.Operation.OpType)
		return
	}
	result, err := c.svc.ResolveConflict(ctx, m.ConflictID, m.Resolution, m.MergeData)
	if err != nil {
		c.sendError("RESOLVE_FAILED", err.Error())
		return
	}
	resolved := ServerMessage{
		Type:       "conflict-resolved",
		ConflictID: m.ConflictID,
		Resolution: m.Resolution,
		Result:     &result,
	}
	c.SendMessage_Enqueue(resolved)
	// reject 要通知原提交者
	if m.Resolution == collab.ResolutionReject && rec.Operation.ActorID != c.userID {
		c.hub.SendToUser(rec.Operation.ActorID, resolved)
	}
}

func (c *Conn) handleAddComment(ctx context.Context, m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	if !c.gate.CanPerformCapability(ctx, c.userID, c.modelID, permission.CapComment, "comment") {
		c.sendError("PERMISSION_DENIED", "not allowed: comment")
		return
	}
	rec := collab.CommentRecord{
		CommentID: uuid.NewString(),
		ModelID:   c.modelID,
		ElementID: m.ElementID,
		UserID:    c.userID,
		Text:      m.Text,
		Position:  m.Position,
		Timestamp: time.Now(),
	}
	if c.sink != nil {
		c.sink.EnqueueComment(rec)
	}
	c.emit("comment-added", c.modelID, rec)
}

func (c *Conn) handleOpsSince(ctx context.Context, m ClientMessage) {
	if c.modelID == "" {
		c.sendError("NOT_IN_ROOM", "join a room first")
		return
	}
	ops, err := c.svc.OpsSince(ctx, c.modelID, m.FromSeq, 256)
	if err != nil {
		c.sendError("INTERNAL", err.Error())
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "ops-since", ModelID: c.modelID, Ops: ops})
}

// emit 组装事件信封并扇出（本地房间 + 跨实例）
func (c *Conn) emit(eventType string, modelID string, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.fanout.FanoutEvent(collab.CollaborationEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    c.userID,
		ModelID:   modelID,
		Timestamp: time.Now(),
		Payload:   b,
	})
}
