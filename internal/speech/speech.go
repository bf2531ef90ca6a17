// Package speech 语音识别与语音合成。
package speech

import (
	"context"
	"errors"
)

var (
	// ErrTranscriptionFailure 语音转文字失败
	ErrTranscriptionFailure = errors.New("语音识别失败")
	// ErrSpeechSynthesisFailure 文字转语音失败
	ErrSpeechSynthesisFailure = errors.New("语音合成失败")
)

// Transcriber 把回答录音转为文本
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer 把问题文本合成为音频
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
