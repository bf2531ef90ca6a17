// Package oracle 封装文本生成服务：调用模型、从自由文本中提取 JSON、按用途校验结构。
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/tracing"
)

var tracer = otel.Tracer("interview-buddy-go/oracle")

// Oracle 与具体任务无关的生成接口：返回模型输出中提取出的 JSON 值
type Oracle interface {
	Generate(ctx context.Context, prompt, systemPrompt string, temperature float64) (json.RawMessage, error)
}

// ChatOracle 基于 eino ChatModel 的 Oracle 实现。本身不重试，重试由模型代理层负责。
type ChatOracle struct {
	llm         model.ToolCallingChatModel
	callTimeout time.Duration
	maxTokens   int
	taskModels  map[string]string
}

// ChatOracleOption 配置项
type ChatOracleOption func(*ChatOracle)

// WithCallTimeout 设置单次调用的截止时间，0 表示只受上游 ctx 约束
func WithCallTimeout(d time.Duration) ChatOracleOption {
	return func(o *ChatOracle) { o.callTimeout = d }
}

// WithMaxTokens 设置每次调用的 max_tokens
func WithMaxTokens(n int) ChatOracleOption {
	return func(o *ChatOracle) { o.maxTokens = n }
}

// WithTaskModels 按任务名覆盖模型，未列出的任务使用模型默认值
func WithTaskModels(m map[string]string) ChatOracleOption {
	return func(o *ChatOracle) { o.taskModels = m }
}

// NewChatOracle 创建 ChatOracle
func NewChatOracle(llm model.ToolCallingChatModel, opts ...ChatOracleOption) *ChatOracle {
	o := &ChatOracle{
		llm:         llm,
		callTimeout: 90 * time.Second,
		maxTokens:   2000,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate 调用模型并提取第一个完整的 JSON 对象或数组
func (o *ChatOracle) Generate(ctx context.Context, prompt, systemPrompt string, temperature float64) (json.RawMessage, error) {
	task := taskFromContext(ctx)
	ctx, span := tracer.Start(ctx, "Oracle.Generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oracle.task", task),
			attribute.Float64("oracle.temperature", temperature),
			attribute.Int("oracle.prompt_length", len(prompt)),
		))
	defer span.End()

	if o.llm == nil {
		err := newCallError(task, errors.New("模型未初始化"))
		tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		return nil, err
	}

	if o.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
	}

	messages := []*einoschema.Message{
		einoschema.SystemMessage(systemPrompt),
		einoschema.UserMessage(prompt),
	}
	opts := []model.Option{model.WithTemperature(float32(temperature))}
	if o.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(o.maxTokens))
	}
	if name := o.taskModels[task]; name != "" {
		opts = append(opts, model.WithModel(name))
		span.SetAttributes(attribute.String("oracle.model", name))
	}

	start := time.Now()
	resp, err := o.llm.Generate(ctx, messages, opts...)
	span.SetAttributes(attribute.Int64("oracle.latency_ms", time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = newCallError(task, fmt.Errorf("调用超时(%s): %w", o.callTimeout, err))
			tracing.RecordError(span, err, tracing.ErrorTypeTimeout)
		} else {
			err = newCallError(task, err)
			tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		}
		logger.Ctx(ctx).Error().Err(err).Str("task", task).Msg("生成服务调用失败")
		return nil, err
	}

	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		err := newExtractError(task, "模型返回空内容")
		tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		return nil, err
	}
	span.SetAttributes(attribute.Int("oracle.response_length", len(resp.Content)))

	raw, ok := ExtractJSON(resp.Content)
	if !ok {
		err := newExtractError(task, "输出中没有合法的 JSON: "+tracing.SafePrompt(resp.Content))
		tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		logger.Ctx(ctx).Warn().Str("task", task).Str("content", tracing.SafePrompt(resp.Content)).Msg("无法从模型输出中提取 JSON")
		return nil, err
	}
	return raw, nil
}

type taskKey struct{}

// WithTask 把任务名放入 ctx，用于日志、追踪和错误信息
func WithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, taskKey{}, task)
}

func taskFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok && v != "" {
		return v
	}
	return "unknown"
}
