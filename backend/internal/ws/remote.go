package ws

import (
	"encoding/json"
	"log"

	"tmcollab/backend/internal/collab"
)

// RemoteEvents 实现 relay.Broadcaster：来自别的实例的事件先喂给
// 本地处理器（operation 事件快进版本表），再广播到本地房间。
type RemoteEvents struct {
	hub *Hub
	svc collab.Service
}

func NewRemoteEvents(hub *Hub) *RemoteEvents {
	return &RemoteEvents{hub: hub}
}

// BindService 后绑定处理器：处理器的扇出依赖转发器，构造顺序上有环，
// 必须在订阅循环启动之前完成绑定
func (r *RemoteEvents) BindService(svc collab.Service) {
	r.svc = svc
}

func (r *RemoteEvents) BroadcastEvent(evt collab.CollaborationEvent) {
	if evt.Type == "operation" && r.svc != nil {
		var applied collab.AppliedOperation
		if err := json.Unmarshal(evt.Payload, &applied); err != nil {
			log.Printf("remote events: bad operation payload (event=%s): %v", evt.ID, err)
		} else {
			r.svc.ApplyRemote(applied)
		}
	}
	r.hub.BroadcastEvent(evt)
}
