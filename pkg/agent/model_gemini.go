package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const defaultGeminiModelName = "gemini-2.0-flash"

// GeminiChatModel 基于官方 genai SDK 的 model.ToolCallingChatModel 实现。
// 请求时要求返回 application/json，系统消息映射为 SystemInstruction。
type GeminiChatModel struct {
	cli       *genai.Client
	modelName string
	maxTokens int
}

// NewGeminiChatModel 创建 Gemini 模型客户端；apiKey 为空时由 SDK 从 GEMINI_API_KEY 读取
func NewGeminiChatModel(ctx context.Context, apiKey, modelName string, maxTokens int) (*GeminiChatModel, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultGeminiModelName
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	log.Info().Str("model", modelName).Msg("使用 Gemini LLM 客户端")
	return &GeminiChatModel{cli: cli, modelName: modelName, maxTokens: maxTokens}, nil
}

// Generate 实现 model.ChatModel 接口
func (g *GeminiChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	maxTokens := g.maxTokens
	modelName := g.modelName
	common := model.GetCommonOptions(&model.Options{MaxTokens: &maxTokens, Model: &modelName}, options...)

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		MaxOutputTokens:  int32(*common.MaxTokens),
	}
	if common.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](*common.Temperature)
	}

	var contents []*genai.Content
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: msg.Content}}}
		case schema.Assistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("Gemini 请求缺少用户消息")
	}

	resp, err := g.cli.Models.GenerateContent(ctx, *common.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("Gemini 请求失败: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("Gemini 返回空结果")
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return schema.AssistantMessage(sb.String(), nil), nil
}

// Stream 未实现
func (g *GeminiChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("GeminiChatModel 的 Stream 方法未实现")
}

// WithTools 不支持工具调用
func (g *GeminiChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if len(tools) > 0 {
		return nil, fmt.Errorf("GeminiChatModel 不支持工具调用")
	}
	return g, nil
}

var _ model.ToolCallingChatModel = (*GeminiChatModel)(nil)
