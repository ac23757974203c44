package ws

import (
	"encoding/json"
	"time"

	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/presence"
)

// 入站消息：按 type 分派（connected → authenticated → in-room → operating）
type ClientMessage struct {
	Type string `json:"type"`
	// authenticate
	Credential string `json:"credential,omitempty"`
	// join-room / add-comment
	ModelID string `json:"modelId,omitempty"`
	// typing-start / typing-stop / add-comment
	ElementID   string `json:"elementId,omitempty"`
	ElementType string `json:"elementType,omitempty"`
	// selection-change
	ElementIDs []string `json:"elementIds,omitempty"`
	Action     string   `json:"action,omitempty"`
	// cursor-move / add-comment
	Position json.RawMessage `json:"position,omitempty"`
	// status-change
	Status string `json:"status,omitempty"`
	// add-comment
	Text string `json:"text,omitempty"`
	// threat-model-operation
	Operation *collab.Operation `json:"operation,omitempty"`
	// resolve-conflict
	ConflictID string          `json:"conflictId,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
	MergeData  json.RawMessage `json:"mergeData,omitempty"`
	// 追平
	FromSeq uint64 `json:"fromSeq,omitempty"`
}

// 出站消息：一个宽结构体按 type 取用字段（字段都带 omitempty）
type ServerMessage struct {
	Type        string                     `json:"type"`
	Success     bool                       `json:"success,omitempty"`
	UserID      uint64                     `json:"userId,omitempty"`
	ModelID     string                     `json:"modelId,omitempty"`
	ElementID   string                     `json:"elementId,omitempty"`
	ElementType string                     `json:"elementType,omitempty"`
	ElementIDs  []string                   `json:"elementIds,omitempty"`
	Action      string                     `json:"action,omitempty"`
	Status      string                     `json:"status,omitempty"`
	Position    json.RawMessage            `json:"position,omitempty"`
	User        *presence.UserPresence     `json:"user,omitempty"`
	Users       []presence.UserPresence    `json:"users,omitempty"`
	Event       *collab.CollaborationEvent `json:"event,omitempty"`
	Ops         []collab.AppliedOperation  `json:"ops,omitempty"`
	ConflictID  string                     `json:"conflictId,omitempty"`
	Conflict    *collab.ConflictRecord     `json:"conflict,omitempty"`
	Suggestions []string                   `json:"suggestions,omitempty"`
	Resolution  string                     `json:"resolution,omitempty"`
	Result      *collab.ProcessResult      `json:"result,omitempty"`
	CommentID   string                     `json:"commentId,omitempty"`
	Text        string                     `json:"text,omitempty"`
	Timestamp   time.Time                  `json:"timestamp,omitzero"`
	Code        string                     `json:"code,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }
