package collab

import (
	"encoding/json"
	"time"
)

// Operation 客户端提交的模型元素变更（create/update/delete × component/connection/comment）
type Operation struct {
	ID        string          `json:"id"`
	ModelID   string          `json:"modelId"`
	ElementID string          `json:"targetElementId"`
	OpType    string          `json:"opType"`
	Payload   json.RawMessage `json:"payload"`
	// 客户端最后观察到的该元素版本；与服务端当前版本一致才能干净应用
	BaseVersion uint64    `json:"baseVersion"`
	ActorID     uint64    `json:"actorUserId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// AppliedOperation 已应用的操作：持有某个 (model, element) 版本的记录
type AppliedOperation struct {
	Operation
	AppliedVersion uint64 `json:"appliedVersion"`
	// 模型内递增序号，仅用于追平排序
	ModelSeq  uint64    `json:"modelSeq"`
	AppliedAt time.Time `json:"appliedAt"`
}

// ConflictRecord 版本过期时生成，只发给提交者；被房间内任一用户解决后销毁
type ConflictRecord struct {
	ConflictID string `json:"conflictId"`
	// 过期的提交
	Operation Operation `json:"operation"`
	// 已经占有当前版本的那次操作
	ConflictingOperation AppliedOperation `json:"conflictingOperation"`
	CurrentVersion       uint64           `json:"currentVersion"`
	Suggestions          []string         `json:"suggestions"`
	DetectedAt           time.Time        `json:"detectedAt"`
}

// 解决建议
const (
	SuggestionAcceptMine   = "accept-mine"
	SuggestionAcceptTheirs = "accept-theirs"
	SuggestionManualMerge  = "manual-merge"
)

// 解决方式
const (
	ResolutionAccept = "accept"
	ResolutionReject = "reject"
	ResolutionMerge  = "merge"
)

// ProcessResult 处理结果：要么应用成功，要么携带冲突描述（冲突不是错误）
type ProcessResult struct {
	Applied        bool            `json:"applied"`
	OperationID    string          `json:"operationId,omitempty"`
	AppliedVersion uint64          `json:"appliedVersion,omitempty"`
	Conflict       *ConflictRecord `json:"conflict,omitempty"`
}

// CollaborationEvent 广播与跨实例转发共用的事件信封；追加写入 History Sink
type CollaborationEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserID    uint64          `json:"userId"`
	ModelID   string          `json:"modelId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// opAction 取操作类型的动作部分（create/update/delete）
func opAction(opType string) string {
	for i := 0; i < len(opType); i++ {
		if opType[i] == '_' {
			return opType[:i]
		}
	}
	return opType
}

// suggestionsFor 按双方操作类型推导解决建议：
// - 两个 update 并发：可能只改了不相交字段，建议合并
// - 两个 delete：删除是幂等的，建议直接接受对方
// - update 与 delete 竞争：需要人工裁决
func suggestionsFor(pending string, holder string) []string {
	p, h := opAction(pending), opAction(holder)
	switch {
	case p == "update" && h == "update":
		return []string{SuggestionAcceptMine, SuggestionAcceptTheirs, SuggestionManualMerge}
	case p == "delete" && h == "delete":
		return []string{SuggestionAcceptTheirs}
	case p == "update" && h == "delete", p == "delete" && h == "update":
		return []string{SuggestionManualMerge}
	default:
		return []string{SuggestionAcceptMine, SuggestionAcceptTheirs}
	}
}
