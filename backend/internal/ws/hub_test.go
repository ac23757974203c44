package ws

import (
	"testing"

	"tmcollab/backend/internal/collab"
)

func newTestConn(userID uint64) *Conn {
	c := &Conn{
		userID:        userID,
		authenticated: true,
		send:          make(chan OutboundMessage, 32),
	}
	return c
}

func drain(c *Conn) []ServerMessage {
	var out []ServerMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m.(ServerMessage))
		default:
			return out
		}
	}
}

func TestBroadcastToRoomDeliversOncePerConn(t *testing.T) {
	h := NewHub()
	a, b := newTestConn(1), newTestConn(2)
	h.Join("room:m1", a)
	h.Join("room:m1", b)
	outsider := newTestConn(3)
	h.Join("room:m2", outsider)

	h.BroadcastToRoom("room:m1", ServerMessage{Type: "user-typing"})

	if msgs := drain(a); len(msgs) != 1 {
		t.Fatalf("conn a: expected 1 message, got %d", len(msgs))
	}
	if msgs := drain(b); len(msgs) != 1 {
		t.Fatalf("conn b: expected 1 message, got %d", len(msgs))
	}
	if msgs := drain(outsider); len(msgs) != 0 {
		t.Fatalf("outsider must not receive room broadcast, got %d", len(msgs))
	}
}

func TestSendToUserReachesAllDevices(t *testing.T) {
	h := NewHub()
	tab1, tab2 := newTestConn(1), newTestConn(1)
	h.Register(tab1)
	h.Register(tab2)

	h.SendToUser(1, ServerMessage{Type: "conflict-resolved"})

	if msgs := drain(tab1); len(msgs) != 1 {
		t.Fatalf("tab1: expected 1 message, got %d", len(msgs))
	}
	if msgs := drain(tab2); len(msgs) != 1 {
		t.Fatalf("tab2: expected 1 message, got %d", len(msgs))
	}
}

func TestUserInRoomTracksRemainingDevices(t *testing.T) {
	h := NewHub()
	tab1, tab2 := newTestConn(1), newTestConn(1)
	h.Join("room:m1", tab1)
	h.Join("room:m1", tab2)

	h.Leave("room:m1", tab1)
	if !h.UserInRoom("room:m1", 1) {
		t.Fatalf("user still has a device in the room")
	}
	h.Leave("room:m1", tab2)
	if h.UserInRoom("room:m1", 1) {
		t.Fatalf("user left with last device")
	}
}

func TestConnCount(t *testing.T) {
	h := NewHub()
	a, b := newTestConn(1), newTestConn(2)
	h.Register(a)
	h.Register(b)
	if n := h.ConnCount(); n != 2 {
		t.Fatalf("expected 2 connections, got %d", n)
	}
	h.Unregister(a)
	if n := h.ConnCount(); n != 1 {
		t.Fatalf("expected 1 connection after unregister, got %d", n)
	}
}

func TestBroadcastEventTranslatesOperation(t *testing.T) {
	h := NewHub()
	a := newTestConn(1)
	h.Join("room:m1", a)

	h.BroadcastEvent(collab.CollaborationEvent{ID: "e1", Type: "operation", UserID: 1, ModelID: "m1"})

	msgs := drain(a)
	if len(msgs) != 1 || msgs[0].Type != "collaboration-event" {
		t.Fatalf("expected collaboration-event wrapper, got %+v", msgs)
	}
	if msgs[0].Event == nil || msgs[0].Event.ID != "e1" {
		t.Fatalf("event envelope missing: %+v", msgs[0])
	}
}

func TestBroadcastEventExpandsPresencePayload(t *testing.T) {
	h := NewHub()
	a := newTestConn(1)
	h.Join("room:m1", a)

	h.BroadcastEvent(collab.CollaborationEvent{
		ID:      "e2",
		Type:    "user-typing",
		UserID:  7,
		ModelID: "m1",
		Payload: []byte(`{"elementId":"comp-1"}`),
	})

	msgs := drain(a)
	if len(msgs) != 1 || msgs[0].Type != "user-typing" {
		t.Fatalf("expected user-typing, got %+v", msgs)
	}
	if msgs[0].UserID != 7 || msgs[0].ElementID != "comp-1" {
		t.Fatalf("payload fields not expanded: %+v", msgs[0])
	}
}
