package ratelimit

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"interview-buddy-go/internal/logger"
)

// RateLimitedLLMModel 在模型调用前取令牌，并对瞬时错误做有界重试。
// oracle 层本身不重试。
type RateLimitedLLMModel struct {
	original model.ToolCallingChatModel
	bucket   *TokenBucket
	backoff  Backoff
}

// NewRateLimitedLLMModel 创建限流代理，默认重试 3 次、首次等待 1 秒
func NewRateLimitedLLMModel(original model.ToolCallingChatModel, qpm int) *RateLimitedLLMModel {
	return &RateLimitedLLMModel{
		original: original,
		bucket:   NewTokenBucket(qpm, qpm/2),
		backoff:  Backoff{BaseWait: time.Second, MaxRetries: 3},
	}
}

// WithRetryPolicy 设置重试策略，maxRetries 为 0 表示不重试
func (rl *RateLimitedLLMModel) WithRetryPolicy(waitTime time.Duration, maxRetries int) *RateLimitedLLMModel {
	if waitTime > 0 {
		rl.backoff.BaseWait = waitTime
	}
	if maxRetries >= 0 {
		rl.backoff.MaxRetries = maxRetries
	}
	return rl
}

// Generate 每次尝试都消耗一个令牌，重试记录为当前 span 上的事件
func (rl *RateLimitedLLMModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	modelName := ""
	if m := model.GetCommonOptions(&model.Options{}, options...).Model; m != nil {
		modelName = *m
	}
	span := trace.SpanFromContext(ctx)

	var response *schema.Message
	err := rl.backoff.Run(ctx, func(attempt int) error {
		if err := rl.bucket.Wait(ctx); err != nil {
			return err
		}
		var genErr error
		response, genErr = rl.original.Generate(ctx, messages, options...)
		if genErr != nil {
			logger.Ctx(ctx).Warn().Err(genErr).Int("attempt", attempt+1).Str("model", modelName).Msg("LLM调用失败")
			span.AddEvent("llm.attempt_failed", trace.WithAttributes(
				attribute.Int("llm.attempt", attempt+1),
				attribute.String("llm.error", genErr.Error()),
			))
		}
		return genErr
	})
	return response, err
}

// Stream 只限流，不重试：流一旦开始消费就无法安全重放
func (rl *RateLimitedLLMModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := rl.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	return rl.original.Stream(ctx, messages, options...)
}

// WithTools 返回共享同一令牌桶的新代理
func (rl *RateLimitedLLMModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	inner, err := rl.original.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &RateLimitedLLMModel{original: inner, bucket: rl.bucket, backoff: rl.backoff}, nil
}

var _ model.ToolCallingChatModel = (*RateLimitedLLMModel)(nil)

// NewLLMWithRateLimit 按配置值组装限流代理
func NewLLMWithRateLimit(original model.ToolCallingChatModel, qpm int, maxRetries int, retryWaitTime time.Duration) model.ToolCallingChatModel {
	if qpm <= 0 {
		qpm = 30
	}
	if retryWaitTime <= 0 {
		retryWaitTime = time.Second
	}
	return NewRateLimitedLLMModel(original, qpm).WithRetryPolicy(retryWaitTime, max(maxRetries, 0))
}
