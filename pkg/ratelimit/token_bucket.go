// Package ratelimit 对生成模型调用做每分钟配额限制和有界重试。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket 按 QPM 匀速补充令牌，容量决定允许的突发请求数
type TokenBucket struct {
	mu       sync.Mutex
	perSec   float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket 创建令牌桶，初始为满桶。capacity <= 0 时取 QPM 的一半。
func NewTokenBucket(qpm int, capacity int) *TokenBucket {
	if qpm <= 0 {
		qpm = 30
	}
	if capacity <= 0 {
		capacity = max(qpm/2, 1)
	}
	return &TokenBucket{
		perSec:   float64(qpm) / 60.0,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		last:     time.Now(),
		now:      time.Now,
	}
}

// take 尝试取一个令牌；失败时返回还需等待的时长。调用方需持有锁。
func (tb *TokenBucket) take() (bool, time.Duration) {
	now := tb.now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.last).Seconds()*tb.perSec)
	tb.last = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	return false, time.Duration((1 - tb.tokens) / tb.perSec * float64(time.Second))
}

// Allow 非阻塞地取一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ok, _ := tb.take()
	return ok
}

// Wait 阻塞直到取得令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		ok, wait := tb.take()
		tb.mu.Unlock()
		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
