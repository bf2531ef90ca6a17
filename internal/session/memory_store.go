package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"interview-buddy-go/internal/types"
)

// MemoryStore 进程内会话存储：容量受限的 LRU，条目按 TTL 过期
type MemoryStore struct {
	cache *expirable.LRU[string, *types.Session]
}

// NewMemoryStore 创建内存存储。capacity<=0 表示不限容量，ttl<=0 表示不过期。
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity < 0 {
		capacity = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return &MemoryStore{cache: expirable.NewLRU[string, *types.Session](capacity, nil, ttl)}
}

// Get 返回会话的深拷贝
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*types.Session, error) {
	s, ok := m.cache.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Set 保存会话的深拷贝
func (m *MemoryStore) Set(_ context.Context, s *types.Session) error {
	if s == nil || s.SessionID == "" {
		return fmt.Errorf("会话缺少 sessionId")
	}
	m.cache.Add(s.SessionID, s.Clone())
	return nil
}

// Delete 删除会话，不存在时不报错
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.cache.Remove(sessionID)
	return nil
}

// Len 当前缓存的会话数
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
