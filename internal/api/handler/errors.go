package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"interview-buddy-go/internal/interview"
	"interview-buddy-go/internal/logger"
)

// errorMapping 按顺序匹配，第一个命中的生效
var errorMapping = []struct {
	err    error
	status int
	msg    string
}{
	{interview.ErrValidation, http.StatusBadRequest, "Invalid request"},
	{interview.ErrSessionNotFound, http.StatusNotFound, "Session not found"},
	{interview.ErrSessionCompleted, http.StatusConflict, "Interview already completed"},
	{interview.ErrSessionBusy, http.StatusConflict, "Session is busy, please retry"},
	{interview.ErrSessionInit, http.StatusBadGateway, "Failed to generate interview questions"},
	{interview.ErrTranscriptionFailure, http.StatusBadGateway, "Failed to transcribe audio"},
	{interview.ErrSpeechSynthesisFailure, http.StatusBadGateway, "Failed to synthesize speech"},
	{interview.ErrGenerationFailure, http.StatusBadGateway, "Failed to generate response"},
}

// statusFor 返回错误对应的 HTTP 状态码和对外消息
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}

// writeError 记录错误并返回 {"error": msg}
func writeError(c context.Context, ctx *app.RequestContext, err error) {
	status, msg := statusFor(err)

	var se *interview.SessionError
	if errors.As(err, &se) && errors.Is(err, interview.ErrValidation) && se.Detail != "" {
		msg = se.Detail
	}

	ev := logger.Ctx(c).Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Ctx(c).Error()
	}
	ev.Err(err).
		Int("status", status).
		Str("path", string(ctx.Path())).
		Msg("请求处理失败")

	ctx.JSON(status, utils.H{"error": msg})
}

func badRequest(c context.Context, ctx *app.RequestContext, msg string) {
	logger.Ctx(c).Debug().Str("path", string(ctx.Path())).Str("reason", msg).Msg("请求参数无效")
	ctx.JSON(http.StatusBadRequest, utils.H{"error": msg})
}
