package interview

import (
	"errors"
	"fmt"

	"interview-buddy-go/internal/avatar"
	"interview-buddy-go/internal/oracle"
	"interview-buddy-go/internal/speech"
)

// 面试流程的基础错误
var (
	ErrValidation       = errors.New("请求参数无效")
	ErrSessionNotFound  = errors.New("会话不存在")
	ErrSessionInit      = errors.New("会话初始化失败")
	ErrSessionCompleted = errors.New("面试已完成")
	ErrSessionBusy      = errors.New("会话正在处理其他请求")
	ErrInternal         = errors.New("内部错误")
)

// 协作方错误，便于调用方只依赖本包做错误映射
var (
	ErrGenerationFailure       = oracle.ErrGenerationFailure
	ErrTranscriptionFailure    = speech.ErrTranscriptionFailure
	ErrSpeechSynthesisFailure  = speech.ErrSpeechSynthesisFailure
	ErrAvatarGenerationFailure = avatar.ErrAvatarGenerationFailure
	ErrAvatarTimeout           = avatar.ErrAvatarTimeout
)

// SessionError 带会话上下文的错误。
// errors.Is 同时匹配 BaseErr 和 Cause，例如初始化失败既是 ErrSessionInit 也是 ErrGenerationFailure。
type SessionError struct {
	SessionID string
	Op        string
	BaseErr   error
	Detail    string
	Cause     error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s (操作:%s", e.BaseErr, e.Op)
	if e.SessionID != "" {
		msg += ", 会话:" + e.SessionID
	}
	msg += ")"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.BaseErr}
	}
	return []error{e.BaseErr, e.Cause}
}

func newValidationError(op, detail string) error {
	return &SessionError{Op: op, BaseErr: ErrValidation, Detail: detail}
}

func newNotFoundError(op, sessionID string) error {
	return &SessionError{SessionID: sessionID, Op: op, BaseErr: ErrSessionNotFound}
}

// wrapCollaborator 包装协作方错误：已知哨兵错误原样作为 BaseErr，其余归为内部错误
func wrapCollaborator(op, sessionID string, err error) error {
	base := ErrInternal
	for _, known := range []error{
		ErrGenerationFailure,
		ErrTranscriptionFailure,
		ErrSpeechSynthesisFailure,
		ErrSessionBusy,
		ErrSessionNotFound,
	} {
		if errors.Is(err, known) {
			return &SessionError{SessionID: sessionID, Op: op, BaseErr: known, Cause: err}
		}
	}
	return &SessionError{SessionID: sessionID, Op: op, BaseErr: base, Cause: err}
}
