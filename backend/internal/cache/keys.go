package cache

import "fmt"

// 键语义：
// - roomKey(modelID):            房间候选成员集合（Set<userId>）
// - memberKey(modelID,userID):   成员心跳键（String，占位"1"，带 TTL）
// - namesKey(modelID):           房间内 userId→displayName 映射（Hash）
// - cursorKey(modelID,userID):   成员光标/选区 JSON（String，带 TTL）

const (
	keyRoomFmt   = "presence:room:%s"       // Set<userId>
	keyMemberFmt = "presence:member:%s:%d"  // String "1" with TTL
	keyNamesFmt  = "presence:room:names:%s" // Hash<userId -> displayName>
	keyCursorFmt = "presence:cursor:%s:%d"  // String JSON with TTL
)

func roomKey(modelID string) string                  { return fmt.Sprintf(keyRoomFmt, modelID) }
func memberKey(modelID string, userID uint64) string { return fmt.Sprintf(keyMemberFmt, modelID, userID) }
func namesKey(modelID string) string                 { return fmt.Sprintf(keyNamesFmt, modelID) }
func cursorKey(modelID string, userID uint64) string { return fmt.Sprintf(keyCursorFmt, modelID, userID) }
