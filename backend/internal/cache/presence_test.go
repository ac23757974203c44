package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 依赖本地 Redis；若 Redis 未启动则跳过
func newTestPresence(t *testing.T) (PresenceCache, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis 未启动，跳过: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return NewRedisPresence(rdb), rdb
}

func TestPresenceAddListRemove(t *testing.T) {
	p, rdb := newTestPresence(t)
	defer rdb.Close()
	ctx := context.Background()

	if err := p.AddMember(ctx, "m1", 1, "alice", time.Minute); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := p.AddMember(ctx, "m1", 2, "bob", time.Minute); err != nil {
		t.Fatalf("add: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, "m1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("want 2 alive members, got %d", len(members))
	}
	names := map[uint64]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	if names[1] != "alice" || names[2] != "bob" {
		t.Fatalf("names wrong: %v", names)
	}

	models, err := p.GetModels(ctx)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 1 || models[0] != "m1" {
		t.Fatalf("want [m1], got %v", models)
	}

	if err := p.RemoveMember(ctx, "m1", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ids, err := p.GetMembers(ctx, "m1")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("want [2], got %v", ids)
	}
}

func TestPresenceHeartbeatExpiry(t *testing.T) {
	p, rdb := newTestPresence(t)
	defer rdb.Close()
	ctx := context.Background()

	// TTL 很短的心跳：过期后成员集合里还有，但不再算在线
	if err := p.AddMember(ctx, "m1", 1, "alice", 50*time.Millisecond); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	members, err := p.GetAliveMembersWithNames(ctx, "m1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expired member still listed alive: %v", members)
	}
}

func TestPresenceCursor(t *testing.T) {
	p, rdb := newTestPresence(t)
	defer rdb.Close()
	ctx := context.Background()

	if err := p.SetCursor(ctx, "m1", 1, []byte(`{"x":10,"y":20}`), time.Minute); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	b, err := p.GetCursor(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if string(b) != `{"x":10,"y":20}` {
		t.Fatalf("cursor round trip wrong: %s", b)
	}
}
