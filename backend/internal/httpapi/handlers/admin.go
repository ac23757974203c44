package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tmcollab/backend/internal/cache"
	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/presence"
	"tmcollab/backend/internal/ws"
)

// Admin 管理面（实时路径之外的 REST）：聚合统计、房间成员、管理广播、踢人
type Admin struct {
	registry *presence.Registry
	hub      *ws.Hub
	cache    cache.PresenceCache
	fanout   *ws.Fanout
}

func NewAdmin(registry *presence.Registry, hub *ws.Hub, pc cache.PresenceCache, fanout *ws.Fanout) *Admin {
	return &Admin{registry: registry, hub: hub, cache: pc, fanout: fanout}
}

func (a *Admin) Stats(c *gin.Context) {
	users, rooms := a.registry.Counts()
	c.JSON(http.StatusOK, gin.H{
		"activeUsers":      users,
		"activeRooms":      rooms,
		"totalConnections": a.hub.ConnCount(),
	})
}

// RoomUsers 列出某模型房间的在线成员。
// local=本进程权威视图；cluster=Redis 心跳镜像（跨实例）。
func (a *Admin) RoomUsers(c *gin.Context) {
	modelID := c.Param("modelId")
	local := a.registry.ListRoomMembers(presence.RoomID(modelID))

	members, err := a.cache.GetAliveMembersWithNames(c.Request.Context(), modelID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"local": local, "cluster": nil})
		return
	}
	type member struct {
		UserID      uint64 `json:"userId"`
		DisplayName string `json:"displayName"`
	}
	cluster := make([]member, len(members))
	for i, m := range members {
		cluster[i] = member{UserID: m.UserID, DisplayName: m.DisplayName}
	}
	c.JSON(http.StatusOK, gin.H{"local": local, "cluster": cluster})
}

type broadcastReq struct {
	ModelID string `json:"modelId" binding:"required"`
	Text    string `json:"text" binding:"required"`
}

// Broadcast 管理员向房间广播公告（经扇出，跨实例可见）
func (a *Admin) Broadcast(c *gin.Context) {
	var req broadcastReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	userID := c.GetUint64("userId")
	a.fanout.FanoutEvent(collab.CollaborationEvent{
		ID:        uuid.NewString(),
		Type:      "announcement",
		UserID:    userID,
		ModelID:   req.ModelID,
		Timestamp: time.Now(),
		Payload:   mustJSON(gin.H{"text": req.Text}),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type kickReq struct {
	UserID uint64 `json:"userId" binding:"required"`
	Reason string `json:"reason"`
}

func (a *Admin) Kick(c *gin.Context) {
	var req kickReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	a.hub.Kick(req.UserID, req.Reason)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
