// Package httpclient 封装对外部 HTTP 服务的调用：统一超时、追踪上下文注入和状态码检查。
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"interview-buddy-go/internal/tracing"
)

var tracer = otel.Tracer("interview-buddy-go/httpclient")

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // 服务端 Retry-After 头（秒），没有时为 0
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Response 已读取完毕的响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client 带追踪的 HTTP 客户端
type Client struct {
	http *http.Client
	peer string
}

// New 创建客户端，peer 用于 span 的 net.peer.name 属性
func New(peer string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		peer: peer,
	}
}

// Do 发送请求并读取完整响应体。非 2xx 返回 *StatusError。
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*Response, error) {
	ctx, span := tracer.Start(ctx, "HTTP "+method,
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", c.peer),
		attribute.String("http.method", method),
		attribute.String("http.url", tracing.SafeAttributeValue("http.url", url, tracing.DefaultMaxLength)),
	)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	// 注入OpenTelemetry追踪上下文到HTTP请求
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("http.response_size", len(data)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{
			StatusCode: resp.StatusCode,
			Body:       tracing.TruncateString(string(data), 512),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		tracing.RecordHTTPError(span, serr, resp.StatusCode)
		return nil, serr
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// DoJSON 以 JSON 发送 in（可为 nil），并将响应解码到 out（可为 nil）
func (c *Client) DoJSON(ctx context.Context, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		body = bytes.NewReader(payload)
		h.Set("Content-Type", "application/json")
	}
	h.Set("Accept", "application/json")

	resp, err := c.Do(ctx, method, url, h, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("反序列化响应失败: %w, 响应体: %s", err, tracing.TruncateString(string(resp.Body), 512))
	}
	return nil
}

// parseRetryAfter 只处理秒数形式，HTTP 日期形式忽略
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
