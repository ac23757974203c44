package ws

import (
	"context"
	"log"
	"time"

	"tmcollab/backend/internal/collab"
)

// EventPublisher 跨实例发布（由 relay.Relay 实现）
type EventPublisher interface {
	Publish(ctx context.Context, evt collab.CollaborationEvent) error
}

// Fanout 实现 collab.EventFanout：本地广播一次，同时发布到共享频道。
// 发布是异步的，不阻塞实时链路；发布失败只记日志（跨实例投递本就
// 不保证有序与必达，正确性靠版本检查兜底）。
type Fanout struct {
	hub *Hub
	pub EventPublisher
}

func NewFanout(hub *Hub, pub EventPublisher) *Fanout {
	return &Fanout{hub: hub, pub: pub}
}

func (f *Fanout) FanoutEvent(evt collab.CollaborationEvent) {
	f.hub.BroadcastEvent(evt)
	if f.pub == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.pub.Publish(ctx, evt); err != nil {
			log.Printf("fanout: publish failed (event=%s, type=%s): %v", evt.ID, evt.Type, err)
		}
	}()
}
