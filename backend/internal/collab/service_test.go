package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type fakeFanout struct {
	mu     sync.Mutex
	events []CollaborationEvent
}

func (f *fakeFanout) FanoutEvent(evt CollaborationEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeFanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeSink struct {
	mu     sync.Mutex
	events []CollaborationEvent
}

func (f *fakeSink) EnqueueHistory(evt CollaborationEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func newOp(modelID, elementID, opType string, base uint64) Operation {
	return Operation{
		ModelID:     modelID,
		ElementID:   elementID,
		OpType:      opType,
		Payload:     json.RawMessage(`{"name":"Web Server"}`),
		BaseVersion: base,
		ActorID:     1,
	}
}

func TestCreateThenConflictThenAccept(t *testing.T) {
	ctx := context.Background()
	fanout := &fakeFanout{}
	svc := NewInMemoryService(fanout, &fakeSink{})

	// A 以 baseVersion=0 创建 comp-1：成功，版本变 1
	res, err := svc.Process(ctx, newOp("threat-model-42", "comp-1", "create_component", 0))
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if !res.Applied || res.AppliedVersion != 1 {
		t.Fatalf("expected applied at version 1, got %+v", res)
	}

	// B 仍然拿着 baseVersion=0 提交 update：0 != 1，冲突
	bOp := newOp("threat-model-42", "comp-1", "update_component", 0)
	bOp.ActorID = 2
	res2, err := svc.Process(ctx, bOp)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res2.Applied || res2.Conflict == nil {
		t.Fatalf("expected conflict, got %+v", res2)
	}
	if res2.Conflict.CurrentVersion != 1 {
		t.Fatalf("expected currentVersion 1, got %d", res2.Conflict.CurrentVersion)
	}
	if res2.Conflict.ConflictingOperation.OpType != "create_component" {
		t.Fatalf("conflict should reference A's create, got %q", res2.Conflict.ConflictingOperation.OpType)
	}

	// B accept：按当前版本重提交，成功，版本变 2
	res3, err := svc.ResolveConflict(ctx, res2.Conflict.ConflictID, ResolutionAccept, nil)
	if err != nil {
		t.Fatalf("ResolveConflict error: %v", err)
	}
	if !res3.Applied || res3.AppliedVersion != 2 {
		t.Fatalf("expected applied at version 2, got %+v", res3)
	}

	// 冲突解决后记录销毁
	if _, ok := svc.Conflict(res2.Conflict.ConflictID); ok {
		t.Fatalf("conflict record should be destroyed after resolution")
	}

	v, _ := svc.CurrentVersion(ctx, "threat-model-42", "comp-1")
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
	// 成功的操作各广播一次
	if fanout.count() != 2 {
		t.Fatalf("expected 2 fanout events, got %d", fanout.count())
	}
}

func TestSameBaseVersionExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil)

	const n = 50
	start := make(chan struct{})
	results := make(chan ProcessResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := svc.Process(ctx, newOp("m1", "comp-1", "create_component", 0))
			if err != nil {
				t.Errorf("Process error: %v", err)
				return
			}
			results <- res
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	applied, conflicts := 0, 0
	for res := range results {
		if res.Applied {
			applied++
		} else if res.Conflict != nil {
			conflicts++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one winner, got %d", applied)
	}
	if conflicts != n-1 {
		t.Fatalf("expected %d conflicts, got %d", n-1, conflicts)
	}
	v, _ := svc.CurrentVersion(ctx, "m1", "comp-1")
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
}

func TestDifferentElementsProceedIndependently(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			elementID := "comp-" + string(rune('a'+i%26))
			res, err := svc.Process(ctx, newOp("m1", elementID, "create_component", 0))
			if err != nil || !res.Applied {
				t.Errorf("element %s: expected success, got %+v err=%v", elementID, res, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestSuggestions(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil)

	cases := []struct {
		holder  string
		pending string
		want    string
	}{
		{"update_component", "update_component", SuggestionManualMerge},
		{"delete_component", "delete_component", SuggestionAcceptTheirs},
		{"delete_component", "update_component", SuggestionManualMerge},
	}
	for i, tc := range cases {
		modelID := "sugg-" + tc.holder + tc.pending + string(rune('0'+i))
		// 先占位到版本 2，让 holder 成为当前持有者
		if _, err := svc.Process(ctx, newOp(modelID, "e1", "create_component", 0)); err != nil {
			t.Fatalf("setup create: %v", err)
		}
		if _, err := svc.Process(ctx, newOp(modelID, "e1", tc.holder, 1)); err != nil {
			t.Fatalf("setup holder: %v", err)
		}
		res, err := svc.Process(ctx, newOp(modelID, "e1", tc.pending, 1))
		if err != nil {
			t.Fatalf("Process error: %v", err)
		}
		if res.Conflict == nil {
			t.Fatalf("expected conflict for stale base")
		}
		found := false
		for _, s := range res.Conflict.Suggestions {
			if s == tc.want {
				found = true
			}
		}
		if !found {
			t.Fatalf("holder=%s pending=%s: want suggestion %q in %v",
				tc.holder, tc.pending, tc.want, res.Conflict.Suggestions)
		}
	}
}

func TestResolveMergeAppliesMergedPayload(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil)

	if _, err := svc.Process(ctx, newOp("m1", "e1", "create_component", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, _ := svc.Process(ctx, newOp("m1", "e1", "update_component", 0))
	if res.Conflict == nil {
		t.Fatalf("expected conflict")
	}

	merged := json.RawMessage(`{"name":"Web Server","port":8443}`)
	res2, err := svc.ResolveConflict(ctx, res.Conflict.ConflictID, ResolutionMerge, merged)
	if err != nil {
		t.Fatalf("ResolveConflict error: %v", err)
	}
	if !res2.Applied || res2.AppliedVersion != 2 {
		t.Fatalf("expected merge applied at version 2, got %+v", res2)
	}

	ops, _ := svc.OpsSince(ctx, "m1", 0, 0)
	last := ops[len(ops)-1]
	if string(last.Payload) != string(merged) {
		t.Fatalf("expected merged payload, got %s", last.Payload)
	}
}

func TestResolveRejectDiscardsWithoutApplying(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil)

	if _, err := svc.Process(ctx, newOp("m1", "e1", "create_component", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, _ := svc.Process(ctx, newOp("m1", "e1", "update_component", 0))
	if res.Conflict == nil {
		t.Fatalf("expected conflict")
	}

	res2, err := svc.ResolveConflict(ctx, res.Conflict.ConflictID, ResolutionReject, nil)
	if err != nil {
		t.Fatalf("ResolveConflict error: %v", err)
	}
	if res2.Applied {
		t.Fatalf("reject must not apply anything")
	}
	v, _ := svc.CurrentVersion(ctx, "m1", "e1")
	if v != 1 {
		t.Fatalf("expected version still 1, got %d", v)
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	svc := NewInMemoryService(nil, nil)
	if _, err := svc.ResolveConflict(context.Background(), "nope", ResolutionAccept, nil); err != ErrUnknownConflict {
		t.Fatalf("expected ErrUnknownConflict, got %v", err)
	}
}

func TestOpsSince(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil)

	for i := uint64(0); i < 5; i++ {
		if _, err := svc.Process(ctx, newOp("m1", "e1", "update_component", i)); err != nil {
			t.Fatalf("Process error: %v", err)
		}
	}
	ops, err := svc.OpsSince(ctx, "m1", 2, 0)
	if err != nil {
		t.Fatalf("OpsSince error: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops after seq 2, got %d", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].ModelSeq <= ops[i-1].ModelSeq {
			t.Fatalf("ops not ordered by seq: %d then %d", ops[i-1].ModelSeq, ops[i].ModelSeq)
		}
	}
}

func TestRemoteApplyKeepsInstancesConverged(t *testing.T) {
	ctx := context.Background()
	s1 := NewInMemoryService(nil, nil)
	s2 := NewInMemoryService(nil, nil)

	// 实例 1 上创建 comp-1：版本变 1
	res, err := s1.Process(ctx, newOp("m1", "comp-1", "create_component", 0))
	if err != nil || !res.Applied {
		t.Fatalf("create on instance 1: %+v err=%v", res, err)
	}

	// 转发到实例 2：版本槽快进
	winner, _ := s1.OpsSince(ctx, "m1", 0, 1)
	s2.ApplyRemote(winner[0])
	if v, _ := s2.CurrentVersion(ctx, "m1", "comp-1"); v != 1 {
		t.Fatalf("instance 2 should fast-forward to 1, got %d", v)
	}

	// 两个用户各拿 baseVersion=0 在不同实例提交：只能有一个赢
	stale := newOp("m1", "comp-1", "update_component", 0)
	stale.ActorID = 2
	res2, err := s2.Process(ctx, stale)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res2.Applied || res2.Conflict == nil {
		t.Fatalf("stale submit on instance 2 must conflict, got %+v", res2)
	}
	if res2.Conflict.CurrentVersion != 1 {
		t.Fatalf("expected currentVersion 1, got %d", res2.Conflict.CurrentVersion)
	}
	if res2.Conflict.ConflictingOperation.OpType != "create_component" {
		t.Fatalf("conflict should reference the remote create, got %q",
			res2.Conflict.ConflictingOperation.OpType)
	}

	// 重复和乱序的远端事件不回退版本
	s2.ApplyRemote(winner[0])
	if v, _ := s2.CurrentVersion(ctx, "m1", "comp-1"); v != 1 {
		t.Fatalf("duplicate remote apply must not change version, got %d", v)
	}

	// 追平环里包含远端操作
	ops, _ := s2.OpsSince(ctx, "m1", 0, 0)
	if len(ops) != 1 || ops[0].AppliedVersion != 1 {
		t.Fatalf("remote op should be in the catch-up ring, got %+v", ops)
	}
}

func TestHistoryWrittenOnSuccessOnly(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	svc := NewInMemoryService(nil, sink)

	if _, err := svc.Process(ctx, newOp("m1", "e1", "create_component", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	// 过期提交：不落历史
	if _, err := svc.Process(ctx, newOp("m1", "e1", "update_component", 0)); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 history event, got %d", len(sink.events))
	}
	if sink.events[0].Type != "operation" {
		t.Fatalf("expected operation event, got %q", sink.events[0].Type)
	}
}
