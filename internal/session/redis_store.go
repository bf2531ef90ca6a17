package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/types"
)

// KV RedisStore 依赖的最小键值接口，由 *storage.Redis 实现
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisStore 以 JSON 快照形式把会话保存在 Redis 中，适合多实例部署
type RedisStore struct {
	kv  KV
	ttl time.Duration
}

// NewRedisStore 创建 Redis 会话存储
func NewRedisStore(kv KV, ttl time.Duration) *RedisStore {
	return &RedisStore{kv: kv, ttl: ttl}
}

func sessionKey(id string) string {
	return fmt.Sprintf(constants.KeyInterviewSession, id)
}

// Get 读取并反序列化会话
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	val, err := r.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	var s types.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("反序列化会话失败: %w", err)
	}
	if s.TopicDepth == nil {
		s.TopicDepth = map[string]int{}
	}
	return &s, nil
}

// Set 序列化并写入会话，每次写入刷新 TTL
func (r *RedisStore) Set(ctx context.Context, s *types.Session) error {
	if s == nil || s.SessionID == "" {
		return fmt.Errorf("会话缺少 sessionId")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}
	if err := r.kv.Set(ctx, sessionKey(s.SessionID), string(data), r.ttl); err != nil {
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

// Delete 删除会话
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return r.kv.Del(ctx, sessionKey(sessionID))
}
