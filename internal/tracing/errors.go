package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 写入 span 的 error.type，便于按依赖过滤失败的调用
type ErrorType string

const (
	ErrorTypeHTTP          ErrorType = "http"
	ErrorTypeDB            ErrorType = "db"
	ErrorTypeRedis         ErrorType = "redis"
	ErrorTypeRabbitMQ      ErrorType = "rabbitmq"
	ErrorTypeObjectStorage ErrorType = "object_storage"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeOracle        ErrorType = "oracle" // 文本生成
	ErrorTypeSpeech        ErrorType = "speech" // 语音合成/识别
	ErrorTypeAvatar        ErrorType = "avatar" // 数字人视频
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeTimeout       ErrorType = "timeout"
)

// RecordError 记录错误并把 span 标为失败。超时额外打上 error.timeout，
// 这样外部服务慢和外部服务报错可以分开统计。
func RecordError(span trace.Span, err error, errorType ErrorType) {
	RecordErrorWithInfo(span, err, errorType)
}

// RecordErrorWithInfo 同 RecordError，附带额外属性
func RecordErrorWithInfo(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", TruncateString(err.Error(), DefaultMaxLength)),
	}, attributes...)
	if errors.Is(err, context.DeadlineExceeded) {
		attrs = append(attrs, attribute.Bool("error.timeout", true))
	}

	span.RecordError(err)
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, TruncateString(err.Error(), DefaultMaxLength))
}

// RecordHTTPError 记录外部 HTTP 服务返回的非 2xx
func RecordHTTPError(span trace.Span, err error, statusCode int) {
	category := "unknown"
	switch {
	case statusCode == 429:
		category = "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		category = "client_error"
	case statusCode >= 500:
		category = "server_error"
	}
	RecordErrorWithInfo(span, err, ErrorTypeHTTP,
		attribute.Int("http.status_code", statusCode),
		attribute.String("error.category", category),
	)
}
