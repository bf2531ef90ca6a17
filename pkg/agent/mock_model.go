package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
)

// MockResponse 定义了 MockChatClient 的单次预期响应
type MockResponse struct {
	Content string
	Error   error
}

// MockCall 记录一次 Generate 调用
type MockCall struct {
	Messages    []*schema.Message
	Temperature *float32
	MaxTokens   *int
	Model       *string
}

// Responder 根据输入消息动态生成响应
type Responder func(messages []*schema.Message) MockResponse

// MockChatClient 是一个用于测试的 model.ToolCallingChatModel 的模拟实现
type MockChatClient struct {
	mu sync.Mutex

	// For single, repeatable response
	ExpectedResponse string
	ExpectedError    error

	// For sequential, different responses
	SequentialResponses []MockResponse
	ResponseIndex       int
	IsSequential        bool

	// 设置后优先于以上两种模式
	Responder Responder

	Calls []MockCall
}

// NewMockChatClient 创建一个返回固定响应的 MockChatClient
func NewMockChatClient(expectedResponse string, expectedError error) *MockChatClient {
	return &MockChatClient{
		ExpectedResponse: expectedResponse,
		ExpectedError:    expectedError,
	}
}

// NewMockChatClientSequential 创建一个按顺序返回不同响应的 MockChatClient
func NewMockChatClientSequential(responses []MockResponse) *MockChatClient {
	if len(responses) == 0 {
		log.Warn().Msg("[MockChatClient] NewMockChatClientSequential 未配置任何响应，调用将始终返回错误")
		responses = []MockResponse{{Error: errors.New("mock client has no responses configured")}}
	}
	return &MockChatClient{
		SequentialResponses: responses,
		IsSequential:        true,
	}
}

// NewMockChatClientFunc 创建一个按输入消息动态响应的 MockChatClient
func NewMockChatClientFunc(fn Responder) *MockChatClient {
	return &MockChatClient{Responder: fn}
}

// Generate 模拟 LLM 的 Generate 方法
func (m *MockChatClient) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	common := model.GetCommonOptions(&model.Options{}, opts...)
	received := make([]*schema.Message, len(input))
	copy(received, input)

	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{
		Messages:    received,
		Temperature: common.Temperature,
		MaxTokens:   common.MaxTokens,
		Model:       common.Model,
	})

	var resp MockResponse
	switch {
	case m.Responder != nil:
		m.mu.Unlock()
		resp = m.Responder(received)
	case m.IsSequential:
		if m.ResponseIndex >= len(m.SequentialResponses) {
			m.mu.Unlock()
			return nil, errors.New("mock client has run out of sequential responses")
		}
		resp = m.SequentialResponses[m.ResponseIndex]
		m.ResponseIndex++
		m.mu.Unlock()
	default:
		resp = MockResponse{Content: m.ExpectedResponse, Error: m.ExpectedError}
		m.mu.Unlock()
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	return schema.AssistantMessage(resp.Content, nil), nil
}

// Stream 模拟 LLM 的 Stream 方法
func (m *MockChatClient) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("streaming not implemented in MockChatClient")
}

// WithTools 模拟绑定工具的方法
func (m *MockChatClient) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

// CallCount 返回 Generate 被调用的次数
func (m *MockChatClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall 返回最近一次调用，未调用过时 ok 为 false
func (m *MockChatClient) LastCall() (call MockCall, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

var _ model.ToolCallingChatModel = (*MockChatClient)(nil)
