package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"tmcollab/backend/internal/collab"
)

// Broadcaster 本地房间广播（由 ws.Hub 实现）
type Broadcaster interface {
	BroadcastEvent(evt collab.CollaborationEvent)
}

// envelope 跨实例消息信封：带来源实例标识做回环保护
type envelope struct {
	Origin string                    `json:"origin"`
	Event  collab.CollaborationEvent `json:"event"`
}

// Relay 跨实例事件转发。
// 房间成员关系是单进程的，事件投递是全局的：
// 本实例广播过的事件发布到共享频道，别的实例收到后在本地再广播一次。
// 回环保护：从频道收到的事件只广播、绝不回发；
// 另外用一个有界的已见事件窗口去掉重复发布的事件 id。
type Relay struct {
	rdb      *redis.Client
	channel  string
	instance string
	b        Broadcaster

	mu       sync.Mutex
	seen     map[string]struct{}
	seenRing []string
	seenCap  int
}

func NewRelay(rdb *redis.Client, channel string, instanceID string, b Broadcaster) *Relay {
	return &Relay{
		rdb:      rdb,
		channel:  channel,
		instance: instanceID,
		b:        b,
		seen:     make(map[string]struct{}),
		seenCap:  4096,
	}
}

// Start 启动订阅循环（启动时订阅一次，进程存续期间常驻）
func (r *Relay) Start(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	go func() {
		defer pubsub.Close()
		for msg := range pubsub.Channel() {
			r.handlePayload([]byte(msg.Payload))
		}
	}()
}

// Publish 把本实例广播过的事件发布到共享频道
func (r *Relay) Publish(ctx context.Context, evt collab.CollaborationEvent) error {
	r.markSeen(evt.ID)
	env := envelope{Origin: r.instance, Event: evt}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

func (r *Relay) handlePayload(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("relay: bad payload: %v", err)
		return
	}
	// 自己发布的事件本地已经广播过了
	if env.Origin == r.instance {
		return
	}
	// 同一事件 id 只投递一次
	if r.markSeen(env.Event.ID) {
		return
	}
	r.b.BroadcastEvent(env.Event)
}

// markSeen 记录事件 id，返回是否已经见过
func (r *Relay) markSeen(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	r.seenRing = append(r.seenRing, id)
	if len(r.seenRing) > r.seenCap {
		delete(r.seen, r.seenRing[0])
		r.seenRing = r.seenRing[1:]
	}
	return false
}
