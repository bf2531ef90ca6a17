// Package session 提供面试会话的存储与按会话加锁。
package session

import (
	"context"
	"errors"

	"interview-buddy-go/internal/types"
)

// ErrNotFound 会话不存在或已过期
var ErrNotFound = errors.New("会话不存在")

// Store 会话键值存储。实现必须保证调用方拿到的会话与存储内部状态互不共享。
type Store interface {
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	Set(ctx context.Context, s *types.Session) error
	Delete(ctx context.Context, sessionID string) error
}
