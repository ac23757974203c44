package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 协作处理引擎接口（乐观并发冲突检测的唯一入口）
type Service interface {
	// Process 校验并应用一次操作；版本过期时返回冲突描述（冲突不是 error）
	Process(ctx context.Context, op Operation) (ProcessResult, error)

	// Conflict 查询未解决的冲突（权限校验等需要先拿到原操作）
	Conflict(conflictID string) (ConflictRecord, bool)

	// ResolveConflict 解决冲突：accept 按当前版本重提交；reject 丢弃；merge 以合并后的载荷重提交
	ResolveConflict(ctx context.Context, conflictID string, resolution string, mergeData json.RawMessage) (ProcessResult, error)

	// CurrentVersion 返回某元素当前版本（未见过的元素为 0）
	CurrentVersion(ctx context.Context, modelID string, elementID string) (uint64, error)

	// OpsSince 用于迟到客户端追平：返回模型内序号大于 fromSeq 的已应用操作
	OpsSince(ctx context.Context, modelID string, fromSeq uint64, limit int) ([]AppliedOperation, error)

	// ApplyRemote 吸收别的实例已经应用过的操作（跨实例转发的入口）
	ApplyRemote(applied AppliedOperation)
}

// EventFanout 成功事件的出口：本地房间广播 + 跨实例转发
type EventFanout interface {
	FanoutEvent(evt CollaborationEvent)
}

// HistorySink 持久化出口：异步、尽力而为，失败由 sink 自己重试
type HistorySink interface {
	EnqueueHistory(evt CollaborationEvent)
}

var (
	ErrUnknownConflict   = errors.New("UNKNOWN_CONFLICT")
	ErrUnknownResolution = errors.New("UNKNOWN_RESOLUTION")
	ErrInvalidOperation  = errors.New("INVALID_OPERATION")
)

// 每个 (model, element) 的版本槽。
// 锁内只做内存读写，持锁期间不做任何 I/O。
type elementState struct {
	mu      sync.Mutex
	version uint64
	// 占有当前版本的操作
	holder AppliedOperation
}

type modelState struct {
	mu       sync.Mutex
	elements map[string]*elementState
	// 模型内已应用操作的递增序号
	seq uint64
	// 近期操作环形缓冲（追平用）
	opsRing []AppliedOperation
}

// 内存实现：本处理器是其负责模型的 ElementVersion 唯一写者
type InMemoryService struct {
	mu      sync.RWMutex
	models  map[string]*modelState
	ringCap int

	cmu       sync.Mutex
	conflicts map[string]ConflictRecord

	fanout EventFanout
	sink   HistorySink
}

func NewInMemoryService(fanout EventFanout, sink HistorySink) *InMemoryService {
	return &InMemoryService{
		models:    make(map[string]*modelState),
		ringCap:   1024,
		conflicts: make(map[string]ConflictRecord),
		fanout:    fanout,
		sink:      sink,
	}
}

func (s *InMemoryService) getOrCreateModel(modelID string) *modelState {
	s.mu.RLock()
	ms := s.models[modelID]
	s.mu.RUnlock()
	if ms != nil {
		return ms
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms = s.models[modelID]; ms == nil {
		ms = &modelState{elements: make(map[string]*elementState)}
		s.models[modelID] = ms
	}
	return ms
}

func (ms *modelState) getOrCreateElement(elementID string) *elementState {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	es := ms.elements[elementID]
	if es == nil {
		es = &elementState{}
		ms.elements[elementID] = es
	}
	return es
}

// Process 实现乐观并发：同一元素上的操作串行比较版本，不同元素互不影响。
// baseVersion=0 且元素未见过时即元素创建，总是成功；
// 同一 elementID 的并发创建会在这里撞出冲突（ID 应由客户端生成且唯一）。
func (s *InMemoryService) Process(ctx context.Context, op Operation) (ProcessResult, error) {
	if op.ModelID == "" || op.ElementID == "" || op.OpType == "" {
		return ProcessResult{}, ErrInvalidOperation
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now()
	}

	ms := s.getOrCreateModel(op.ModelID)
	es := ms.getOrCreateElement(op.ElementID)

	es.mu.Lock()
	if op.BaseVersion != es.version {
		holder := es.holder
		current := es.version
		es.mu.Unlock()

		rec := ConflictRecord{
			ConflictID:           uuid.NewString(),
			Operation:            op,
			ConflictingOperation: holder,
			CurrentVersion:       current,
			Suggestions:          suggestionsFor(op.OpType, holder.OpType),
			DetectedAt:           time.Now(),
		}
		s.cmu.Lock()
		s.conflicts[rec.ConflictID] = rec
		s.cmu.Unlock()
		// 冲突只回给提交者，不广播
		return ProcessResult{OperationID: op.ID, Conflict: &rec}, nil
	}

	// 版本检查通过：检查与递增是同一个原子单元（元素锁内，无 I/O）
	es.version++
	applied := AppliedOperation{Operation: op, AppliedVersion: es.version, AppliedAt: time.Now()}
	es.holder = applied
	es.mu.Unlock()

	ms.mu.Lock()
	ms.seq++
	applied.ModelSeq = ms.seq
	if s.ringCap > 0 && len(ms.opsRing) >= s.ringCap {
		copy(ms.opsRing[0:], ms.opsRing[1:])
		ms.opsRing = ms.opsRing[:len(ms.opsRing)-1]
	}
	ms.opsRing = append(ms.opsRing, applied)
	ms.mu.Unlock()

	s.emitOperation(applied)
	return ProcessResult{Applied: true, OperationID: op.ID, AppliedVersion: applied.AppliedVersion}, nil
}

// 成功的操作对外发事件：房间广播 + 跨实例转发 + 历史落地。
// 历史写失败不影响已经推进的内存版本（内存状态是权威）。
func (s *InMemoryService) emitOperation(applied AppliedOperation) {
	payload, err := json.Marshal(applied)
	if err != nil {
		return
	}
	evt := CollaborationEvent{
		ID:        uuid.NewString(),
		Type:      "operation",
		UserID:    applied.ActorID,
		ModelID:   applied.ModelID,
		Timestamp: applied.AppliedAt,
		Payload:   payload,
	}
	if s.fanout != nil {
		s.fanout.FanoutEvent(evt)
	}
	if s.sink != nil {
		s.sink.EnqueueHistory(evt)
	}
}

// ApplyRemote 把本地版本槽快进到远端已应用的版本。
// 不这样做的话各实例的版本表各自为政，拿着同一个 baseVersion 的
// 两个提交会在两边同时成功。远端事件可能重复或乱序，只有更新的
// 版本才推进；快进后本地的过期提交会正常撞出冲突。
// 不广播也不落历史：这些在来源实例已经做过了。
func (s *InMemoryService) ApplyRemote(applied AppliedOperation) {
	if applied.ModelID == "" || applied.ElementID == "" {
		return
	}
	ms := s.getOrCreateModel(applied.ModelID)
	es := ms.getOrCreateElement(applied.ElementID)

	es.mu.Lock()
	if applied.AppliedVersion <= es.version {
		es.mu.Unlock()
		return
	}
	es.version = applied.AppliedVersion
	es.holder = applied
	es.mu.Unlock()

	ms.mu.Lock()
	ms.seq++
	applied.ModelSeq = ms.seq
	if s.ringCap > 0 && len(ms.opsRing) >= s.ringCap {
		copy(ms.opsRing[0:], ms.opsRing[1:])
		ms.opsRing = ms.opsRing[:len(ms.opsRing)-1]
	}
	ms.opsRing = append(ms.opsRing, applied)
	ms.mu.Unlock()
}

func (s *InMemoryService) Conflict(conflictID string) (ConflictRecord, bool) {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	rec, ok := s.conflicts[conflictID]
	return rec, ok
}

func (s *InMemoryService) ResolveConflict(ctx context.Context, conflictID string, resolution string, mergeData json.RawMessage) (ProcessResult, error) {
	s.cmu.Lock()
	rec, ok := s.conflicts[conflictID]
	if ok {
		// 无论哪种解决方式，冲突记录都在此销毁
		delete(s.conflicts, conflictID)
	}
	s.cmu.Unlock()
	if !ok {
		return ProcessResult{}, ErrUnknownConflict
	}

	switch resolution {
	case ResolutionAccept:
		op := rec.Operation
		current, _ := s.CurrentVersion(ctx, op.ModelID, op.ElementID)
		op.BaseVersion = current
		return s.Process(ctx, op)
	case ResolutionMerge:
		op := rec.Operation
		op.ID = uuid.NewString()
		op.Payload = mergeData
		current, _ := s.CurrentVersion(ctx, op.ModelID, op.ElementID)
		op.BaseVersion = current
		return s.Process(ctx, op)
	case ResolutionReject:
		return ProcessResult{OperationID: rec.Operation.ID}, nil
	default:
		return ProcessResult{}, ErrUnknownResolution
	}
}

func (s *InMemoryService) CurrentVersion(ctx context.Context, modelID string, elementID string) (uint64, error) {
	s.mu.RLock()
	ms := s.models[modelID]
	s.mu.RUnlock()
	if ms == nil {
		return 0, nil
	}
	ms.mu.Lock()
	es := ms.elements[elementID]
	ms.mu.Unlock()
	if es == nil {
		return 0, nil
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.version, nil
}

func (s *InMemoryService) OpsSince(ctx context.Context, modelID string, fromSeq uint64, limit int) ([]AppliedOperation, error) {
	s.mu.RLock()
	ms := s.models[modelID]
	s.mu.RUnlock()
	if ms == nil {
		return nil, nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []AppliedOperation
	for _, op := range ms.opsRing {
		if op.ModelSeq > fromSeq {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
