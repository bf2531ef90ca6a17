package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/logger"
)

// ErrLockTimeout 在等待时间内未能获得会话锁
var ErrLockTimeout = errors.New("获取会话锁超时")

// Locker 会话级互斥。Lock 成功后返回的 unlock 必须调用且只调用一次。
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// KeyedMutex 进程内按会话 ID 加锁，不再使用的锁会被回收
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
	wait  time.Duration
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex 创建进程内锁，wait<=0 表示只受 ctx 约束
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock), wait: wait}
}

// Lock 获取会话锁
func (k *KeyedMutex) Lock(ctx context.Context, sessionID string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[sessionID]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[sessionID] = l
	}
	l.refs++
	k.mu.Unlock()

	if k.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.wait)
		defer cancel()
	}

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(sessionID, l)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, sessionID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(sessionID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(sessionID string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, sessionID)
	}
}

// size 当前持有或等待中的锁数量
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// LockClient 分布式锁接口，由 *storage.Redis 实现
type LockClient interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// RedisLocker 基于 Redis SETNX 的跨实例会话锁
type RedisLocker struct {
	client       LockClient
	ttl          time.Duration
	wait         time.Duration
	pollInterval time.Duration
}

// NewRedisLocker 创建分布式锁。ttl 是锁的最长持有时间，需大于一次回合的最长耗时。
func NewRedisLocker(client LockClient, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait, pollInterval: 100 * time.Millisecond}
}

// Lock 轮询获取锁直到成功或超时
func (r *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := fmt.Sprintf(constants.KeyInterviewLock, sessionID)
	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	for {
		token, err := r.client.AcquireLock(ctx, key, r.ttl)
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("获取会话锁失败: %w", err)
		}
		if token != "" {
			var once sync.Once
			return func() {
				once.Do(func() {
					// 释放不受请求 ctx 取消影响
					releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					if ok, err := r.client.ReleaseLock(releaseCtx, key, token); err != nil || !ok {
						logger.Warn().Err(err).Str("session_id", sessionID).Msg("释放会话锁失败或锁已过期")
					}
				})
			}, nil
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, sessionID)
		case <-timer.C:
		}
	}
}
