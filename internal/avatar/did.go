// Package avatar 通过 D-ID 生成数字人提问视频。
package avatar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/tracing"
	"interview-buddy-go/pkg/httpclient"
)

var (
	// ErrAvatarGenerationFailure 创建或渲染视频失败
	ErrAvatarGenerationFailure = errors.New("数字人视频生成失败")
	// ErrAvatarTimeout 轮询次数或总时长用尽仍未完成
	ErrAvatarTimeout = errors.New("数字人视频生成超时")
)

var tracer = otel.Tracer("interview-buddy-go/avatar")

// Generator 为问题生成视频，返回可播放的视频地址
type Generator interface {
	Generate(ctx context.Context, text, audioURL string) (string, error)
}

// DID D-ID talks API 客户端
type DID struct {
	apiKey       string
	baseURL      string
	sourceURL    string
	voice        string
	pollInterval time.Duration
	maxPolls     int
	client       *httpclient.Client
}

// NewDID 从配置创建客户端
func NewDID(cfg config.DIDConfig) (*DID, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("did.api_key 不能为空")
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 30
	}
	return &DID{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		sourceURL:    cfg.SourceURL,
		voice:        cfg.Voice,
		pollInterval: config.GetDuration(cfg.PollInterval, 2*time.Second),
		maxPolls:     maxPolls,
		client:       httpclient.New("d-id", config.GetDuration(cfg.Timeout, 15*time.Second)),
	}, nil
}

type talkScript struct {
	Type     string         `json:"type"`
	AudioURL string         `json:"audio_url,omitempty"`
	Input    string         `json:"input,omitempty"`
	Provider *voiceProvider `json:"provider,omitempty"`
}

type voiceProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type talkConfig struct {
	Fluent   bool `json:"fluent"`
	PadAudio int  `json:"pad_audio"`
}

type createTalkRequest struct {
	Script    talkScript `json:"script"`
	Config    talkConfig `json:"config"`
	SourceURL string     `json:"source_url"`
}

type talkResponse struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	ResultURL string  `json:"result_url"`
	Duration  float64 `json:"duration"`
}

// Generate 创建 talk 并轮询直到完成。
// 有音频地址时让数字人对口型播放该音频，否则用文本脚本由 D-ID 合成语音。
func (d *DID) Generate(ctx context.Context, text, audioURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "DID.Generate")
	defer span.End()

	talkID, err := d.createTalk(ctx, text, audioURL)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrAvatarGenerationFailure, err)
		tracing.RecordError(span, err, tracing.ErrorTypeAvatar)
		return "", err
	}
	span.SetAttributes(attribute.String("did.talk_id", talkID))

	videoURL, err := d.poll(ctx, talkID)
	if err != nil {
		errType := tracing.ErrorTypeAvatar
		if errors.Is(err, ErrAvatarTimeout) {
			errType = tracing.ErrorTypeTimeout
		}
		tracing.RecordError(span, err, errType)
		return "", err
	}
	return videoURL, nil
}

func (d *DID) createTalk(ctx context.Context, text, audioURL string) (string, error) {
	req := createTalkRequest{
		Config:    talkConfig{Fluent: true, PadAudio: 0},
		SourceURL: d.sourceURL,
	}
	if audioURL != "" {
		req.Script = talkScript{Type: "audio", AudioURL: audioURL}
	} else {
		req.Script = talkScript{
			Type:     "text",
			Input:    text,
			Provider: &voiceProvider{Type: "microsoft", VoiceID: d.voice},
		}
	}

	var out talkResponse
	if err := d.client.DoJSON(ctx, http.MethodPost, d.baseURL+"/talks", d.authHeader(), req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("响应中缺少 talk id")
	}
	return out.ID, nil
}

// pollBudget 轮询的总时长上限。单次状态查询可能阻塞到客户端超时，
// 只限制次数会让一轮回答远超 interval×maxPolls。
func (d *DID) pollBudget() time.Duration {
	return d.pollInterval * time.Duration(d.maxPolls+1)
}

func (d *DID) poll(ctx context.Context, talkID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.pollBudget())
	defer cancel()

	url := fmt.Sprintf("%s/talks/%s", d.baseURL, talkID)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= d.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrAvatarTimeout, ctx.Err())
		case <-ticker.C:
		}

		var status talkResponse
		if err := d.client.DoJSON(ctx, http.MethodGet, url, d.authHeader(), nil, &status); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: talk %s 轮询超出 %s", ErrAvatarTimeout, talkID, d.pollBudget())
			}
			return "", fmt.Errorf("%w: 查询状态失败: %v", ErrAvatarGenerationFailure, err)
		}

		switch status.Status {
		case "done":
			if status.ResultURL == "" {
				return "", fmt.Errorf("%w: 完成状态缺少 result_url", ErrAvatarGenerationFailure)
			}
			logger.Ctx(ctx).Debug().
				Str("talk_id", talkID).
				Int("attempt", attempt).
				Float64("duration", status.Duration).
				Msg("数字人视频生成完成")
			return status.ResultURL, nil
		case "error", "rejected":
			return "", fmt.Errorf("%w: talk %s 状态为 %s", ErrAvatarGenerationFailure, talkID, status.Status)
		}
	}
	return "", fmt.Errorf("%w: talk %s 轮询 %d 次仍未完成", ErrAvatarTimeout, talkID, d.maxPolls)
}

func (d *DID) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+d.apiKey)
	return h
}
