package ratelimit

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"interview-buddy-go/pkg/httpclient"
)

// Backoff 指数退避策略。MaxRetries 为 0 表示只调用一次。
type Backoff struct {
	BaseWait   time.Duration
	MaxRetries int
}

// delay 第 attempt 次（从 0 开始）失败后的等待时间，服务端给了 Retry-After 时取较大者
func (b Backoff) delay(attempt int, err error) time.Duration {
	d := b.BaseWait << uint(attempt)
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > d {
		d = statusErr.RetryAfter
	}
	return d
}

// Run 执行 fn，遇到可重试错误时按策略重试。
// 剩余时间不够等待下一次时直接返回最后一次的错误，而不是 ctx 的超时错误。
func (b Backoff) Run(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= b.MaxRetries || !IsRetryableError(err) {
			return err
		}

		wait := b.delay(attempt, err)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return err
		}
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

// 没有类型信息时按错误文本判断的瞬时错误
var transientMarkers = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"EOF",
	"no such host",
	"rate limit",
	"overloaded",
	"RESOURCE_EXHAUSTED",
}

// IsRetryableError 限流（429）、5xx 和网络抖动可以重试；调用方取消不重试
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
