package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"interview-buddy-go/pkg/httpclient"
)

const (
	defaultOpenRouterAPIURL    = "https://openrouter.ai/api/v1/chat/completions"
	defaultOpenRouterModelName = "anthropic/claude-3.5-sonnet"
	defaultMaxTokens           = 2000
)

// OpenRouterChatModel 实现了 model.ToolCallingChatModel 接口，
// 通过 OpenAI 兼容的 chat/completions 接口调用 OpenRouter 上的模型。
// 面试场景只需要纯文本输出，不支持工具调用。
type OpenRouterChatModel struct {
	apiKey    string
	modelName string
	apiURL    string
	referer   string
	maxTokens int
	client    *httpclient.Client
}

// OpenRouterOption 配置项
type OpenRouterOption func(*OpenRouterChatModel)

// WithReferer 设置 HTTP-Referer 请求头，OpenRouter 用它识别调用方应用
func WithReferer(referer string) OpenRouterOption {
	return func(m *OpenRouterChatModel) { m.referer = referer }
}

// WithDefaultMaxTokens 设置调用未指定 max_tokens 时的默认值
func WithDefaultMaxTokens(n int) OpenRouterOption {
	return func(m *OpenRouterChatModel) {
		if n > 0 {
			m.maxTokens = n
		}
	}
}

// WithHTTPTimeout 设置单次 HTTP 请求的超时时间
func WithHTTPTimeout(d time.Duration) OpenRouterOption {
	return func(m *OpenRouterChatModel) { m.client = httpclient.New("openrouter", d) }
}

// NewOpenRouterChatModel 创建一个新的 OpenRouterChatModel 实例。
func NewOpenRouterChatModel(apiKey, modelName, apiURL string, opts ...OpenRouterOption) (*OpenRouterChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}

	mn := modelName
	if strings.TrimSpace(mn) == "" {
		mn = defaultOpenRouterModelName
	}

	url := apiURL
	if strings.TrimSpace(url) == "" {
		url = defaultOpenRouterAPIURL
	}

	m := &OpenRouterChatModel{
		apiKey:    apiKey,
		modelName: mn,
		apiURL:    url,
		maxTokens: defaultMaxTokens,
		client:    httpclient.New("openrouter", 120*time.Second),
	}
	for _, opt := range opts {
		opt(m)
	}

	log.Info().Str("api_url", url).Str("model", mn).Msg("使用 OpenRouter LLM 客户端")
	return m, nil
}

// --- OpenAI Compatible Request/Response Structures ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Generate 实现 model.ChatModel 接口。
// 支持通过 model.WithTemperature / model.WithMaxTokens / model.WithModel 覆盖单次调用参数。
func (m *OpenRouterChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	maxTokens := m.maxTokens
	modelName := m.modelName
	common := model.GetCommonOptions(&model.Options{
		MaxTokens: &maxTokens,
		Model:     &modelName,
	}, options...)

	reqPayload := chatCompletionRequest{
		Model:       m.modelName,
		Messages:    make([]chatMessage, 0, len(messages)),
		Temperature: common.Temperature,
		MaxTokens:   m.maxTokens,
	}
	if common.Model != nil && *common.Model != "" {
		reqPayload.Model = *common.Model
	}
	if common.MaxTokens != nil {
		reqPayload.MaxTokens = *common.MaxTokens
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		reqPayload.Messages = append(reqPayload.Messages, chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.apiKey)
	header.Set("Content-Type", "application/json")
	if m.referer != "" {
		header.Set("HTTP-Referer", m.referer)
	}

	log.Debug().Str("model", reqPayload.Model).Int("messages", len(reqPayload.Messages)).Msg("[OpenRouter] 发送请求")

	resp, err := m.client.Do(ctx, http.MethodPost, m.apiURL, header, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("OpenRouter 请求失败: %w", err)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(resp.Body, &completion); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if completion.Error != nil {
		return nil, fmt.Errorf("OpenRouter 返回错误: %s", completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("从 API 收到空选项")
	}

	content := ""
	if completion.Choices[0].Message.Content != nil {
		content = *completion.Choices[0].Message.Content
	}
	log.Debug().Str("model", completion.Model).Int("content_len", len(content)).
		Str("finish_reason", completion.Choices[0].FinishReason).Msg("[OpenRouter] 收到响应")

	return schema.AssistantMessage(content, nil), nil
}

// Stream 实现 model.ChatModel 接口 (未实现)
func (m *OpenRouterChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenRouterChatModel 的 Stream 方法未实现")
}

// WithTools 面试场景不使用工具，返回自身
func (m *OpenRouterChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if len(tools) > 0 {
		return nil, fmt.Errorf("OpenRouterChatModel 不支持工具调用")
	}
	return m, nil
}

var _ model.ToolCallingChatModel = (*OpenRouterChatModel)(nil)
