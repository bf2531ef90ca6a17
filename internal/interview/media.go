package interview

import (
	"context"
	"encoding/base64"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/tracing"
)

// present 为一个问题准备音频和视频。
// 语音合成失败会中止本轮；音频上传和数字人视频都是尽力而为。
func (svc *Service) present(ctx context.Context, sessionID, question, topic string, audioIndex int) (Presentation, error) {
	ctx, span := tracer.Start(ctx, "interview.present")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("question.audio_index", audioIndex),
	)
	log := logger.Ctx(ctx)

	audio, err := svc.c.Synthesizer.Synthesize(ctx, question)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		return Presentation{}, err
	}

	p := Presentation{Question: question, Topic: topic}

	// 只有对象存储里的链接才能交给数字人服务拉取
	remoteAudioURL := svc.uploadAudio(ctx, sessionID, audioIndex, audio)
	if remoteAudioURL != "" {
		p.AudioURL = remoteAudioURL
	} else {
		p.AudioURL = "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(audio)
	}

	if svc.c.Avatar != nil {
		videoURL, err := svc.c.Avatar.Generate(ctx, question, remoteAudioURL)
		if err != nil {
			errType := tracing.ErrorTypeAvatar
			if errors.Is(err, ErrAvatarTimeout) {
				errType = tracing.ErrorTypeTimeout
			}
			tracing.RecordError(span, err, errType)
			log.Warn().Err(err).Msg("数字人视频生成失败，使用兜底图片")
		} else if videoURL != "" {
			p.VideoURL = &videoURL
		}
	}

	if p.VideoURL == nil {
		fallback := svc.s.FallbackImage
		p.FallbackImage = &fallback
	}
	return p, nil
}

func (svc *Service) uploadAudio(ctx context.Context, sessionID string, index int, audio []byte) string {
	if svc.c.Artifacts == nil {
		return ""
	}
	log := logger.Ctx(ctx)
	key := storage.QuestionAudioKey(sessionID, index)
	if err := svc.c.Artifacts.PutObject(ctx, key, audio, constants.ContentTypeAudio); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("上传问题音频失败")
		return ""
	}
	url, err := svc.c.Artifacts.PresignedURL(ctx, key, svc.s.AudioURLExpiry)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("生成音频预签名链接失败")
		return ""
	}
	return url
}
