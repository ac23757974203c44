package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 跨实例共享的在线视图。
// 内存 Registry 是单实例的权威状态，这里是集群可见的镜像：
// 管理接口与其它实例通过它列出全局在线成员。
type PresenceCache interface {
	AddMember(ctx context.Context, modelID string, userID uint64, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, modelID string, userID uint64) error
	GetMembers(ctx context.Context, modelID string) ([]uint64, error)
	GetModels(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, modelID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, modelID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, modelID string, userID uint64) ([]byte, error)
}

type PresenceMember struct {
	UserID      uint64
	DisplayName string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, modelID string, userID uint64, displayName string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	// 房间成员集合
	pipe.SAdd(ctx, roomKey(modelID), userID)
	// 成员心跳键（TTL 过期即视为离线）
	pipe.Set(ctx, memberKey(modelID, userID), "1", ttl)
	// 名字表（哈希）
	pipe.HSet(ctx, namesKey(modelID), userID, displayName)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, modelID string, userID uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(modelID), userID)
	pipe.Del(ctx, memberKey(modelID, userID))
	pipe.HDel(ctx, namesKey(modelID), strconv.FormatUint(userID, 10))
	pipe.Del(ctx, cursorKey(modelID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetMembers(ctx context.Context, modelID string) ([]uint64, error) {
	members, err := p.rdb.SMembers(ctx, roomKey(modelID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(members))
	for i, member := range members {
		out[i], err = strconv.ParseUint(member, 10, 64)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetModels 列出当前有成员集合的模型（集群范围）
func (p *redisPresence) GetModels(ctx context.Context) ([]string, error) {
	var models []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, "presence:room:names:") {
			continue
		}
		models = append(models, strings.TrimPrefix(key, "presence:room:"))
	}
	return models, iter.Err()
}

func (p *redisPresence) SetCursor(ctx context.Context, modelID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(modelID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, modelID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(modelID, userID)).Bytes()
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, modelID string) ([]PresenceMember, error) {
	// step1: 取候选成员
	userIDs, err := p.rdb.SMembers(ctx, roomKey(modelID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	// step2: 心跳键还存在的才算在线
	existscmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, userID := range userIDs {
		uid, err := strconv.ParseUint(userID, 10, 64)
		if err != nil {
			return nil, err
		}
		existscmds = append(existscmds, pipe.Exists(ctx, memberKey(modelID, uid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	aliveIDs := make([]uint64, 0, len(userIDs))
	aliveKeyFields := make([]string, 0, len(userIDs))
	for i, cmd := range existscmds {
		if cmd.Val() == 1 {
			uid, err := strconv.ParseUint(userIDs[i], 10, 64)
			if err != nil {
				return nil, err
			}
			aliveIDs = append(aliveIDs, uid)
			aliveKeyFields = append(aliveKeyFields, userIDs[i])
		}
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(modelID), aliveKeyFields...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], DisplayName: name})
	}
	return members, nil
}
