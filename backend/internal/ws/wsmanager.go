package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tmcollab/backend/internal/cache"
	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/permission"
	"tmcollab/backend/internal/presence"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager 连接网关：升级、绑定依赖、驱动读写循环
type Manager struct {
	hub      *Hub
	registry *presence.Registry
	gate     *permission.Gate
	svc      collab.Service
	fanout   *Fanout
	sink     CommentSink
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
}

func NewManager(hub *Hub, registry *presence.Registry, gate *permission.Gate,
	svc collab.Service, fanout *Fanout, sink CommentSink, pc cache.PresenceCache,
	sem *collab.SemaphoreControl) *Manager {
	return &Manager{
		hub:      hub,
		registry: registry,
		gate:     gate,
		svc:      svc,
		fanout:   fanout,
		sink:     sink,
		presence: pc,
		sem:      sem,
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.registry, m.gate, m.svc, m.fanout, m.sink, m.presence, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: "connected"})

	// 浏览器 WebSocket 无法带自定义 Header：允许 ?token= 直接完成认证
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		wsConn.handleMessage(c.Request.Context(), ClientMessage{Type: "authenticate", Credential: token})
	}

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
