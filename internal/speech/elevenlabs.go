package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/tracing"
	"interview-buddy-go/pkg/httpclient"
)

var tracer = otel.Tracer("interview-buddy-go/speech")

// ElevenLabs 同时实现 Transcriber 和 Synthesizer
type ElevenLabs struct {
	apiKey          string
	baseURL         string
	voiceID         string
	ttsModelID      string
	sttModelID      string
	stability       float64
	similarityBoost float64
	client          *httpclient.Client
}

// NewElevenLabs 从配置创建客户端
func NewElevenLabs(cfg config.ElevenLabsConfig) (*ElevenLabs, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs.api_key 不能为空")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("elevenlabs.voice_id 不能为空")
	}
	return &ElevenLabs{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		voiceID:         cfg.VoiceID,
		ttsModelID:      cfg.TTSModelID,
		sttModelID:      cfg.STTModelID,
		stability:       cfg.Stability,
		similarityBoost: cfg.SimilarityBoost,
		client:          httpclient.New("elevenlabs", config.GetDuration(cfg.Timeout, 60*time.Second)),
	}, nil
}

type ttsRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	} `json:"voice_settings"`
}

// Synthesize 文字转语音，返回 MP3 音频
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "ElevenLabs.Synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("speech.text_length", len(text)))

	req := ttsRequest{Text: text, ModelID: e.ttsModelID}
	req.VoiceSettings.Stability = e.stability
	req.VoiceSettings.SimilarityBoost = e.similarityBoost

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpeechSynthesisFailure, err)
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	header.Set("Content-Type", constants.ContentTypeJSON)
	header.Set("Accept", constants.ContentTypeAudio)

	url := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, e.voiceID)
	resp, err := e.client.Do(ctx, http.MethodPost, url, header, bytes.NewReader(payload))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSpeechSynthesisFailure, err)
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		logger.Ctx(ctx).Error().Err(err).Msg("ElevenLabs 语音合成失败")
		return nil, err
	}
	if len(resp.Body) == 0 {
		err := fmt.Errorf("%w: 返回音频为空", ErrSpeechSynthesisFailure)
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		return nil, err
	}

	span.SetAttributes(attribute.Int("speech.audio_bytes", len(resp.Body)))
	return resp.Body, nil
}

type sttResponse struct {
	Text string `json:"text"`
}

// Transcribe 语音转文字，音频以 multipart 的 audio 字段上传
func (e *ElevenLabs) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	ctx, span := tracer.Start(ctx, "ElevenLabs.Transcribe")
	defer span.End()
	span.SetAttributes(attribute.Int("speech.audio_bytes", len(audio)))

	if filename == "" {
		filename = "audio.webm"
	}

	body, contentType, err := buildTranscriptionForm(audio, filename, e.sttModelID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailure, err)
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	header.Set("Content-Type", contentType)

	resp, err := e.client.Do(ctx, http.MethodPost, e.baseURL+"/speech-to-text", header, body)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTranscriptionFailure, err)
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		logger.Ctx(ctx).Error().Err(err).Msg("ElevenLabs 语音识别失败")
		return "", err
	}

	var out sttResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		err = fmt.Errorf("%w: 解析响应失败: %v", ErrTranscriptionFailure, err)
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		err := fmt.Errorf("%w: 未识别到语音内容", ErrTranscriptionFailure)
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		return "", err
	}

	span.SetAttributes(attribute.String("speech.transcript", tracing.SafeTranscript(text)))
	return text, nil
}

func buildTranscriptionForm(audio []byte, filename, modelID string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", "audio/webm")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	if modelID != "" {
		if err := w.WriteField("model_id", modelID); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
