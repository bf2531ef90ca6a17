// Package handler 面试 HTTP 接口：请求校验、调用编排器、错误到状态码的映射。
package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/interview"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/parser"
	"interview-buddy-go/internal/types"
)

// CompletionMessage 最后一个话题回答完后返回给前端的提示
const CompletionMessage = constants.InterviewCompleteMessage

// InterviewService 由 interview.Service 实现
type InterviewService interface {
	CreateSession(ctx context.Context, resume, jobDescription string) (*interview.StartResult, error)
	SubmitAnswer(ctx context.Context, sessionID string, audio []byte, filename string) (*interview.AnswerResult, error)
	EndSession(ctx context.Context, sessionID string) (*interview.EndResult, error)
	ExportSession(ctx context.Context, sessionID string) (*types.Session, error)
}

var _ InterviewService = (*interview.Service)(nil)

// HealthCheck 依赖探活，返回 nil 表示正常
type HealthCheck func(ctx context.Context) error

// InterviewHandler 面试接口
type InterviewHandler struct {
	svc       InterviewService
	extractor parser.ResumeTextExtractor
	checks    map[string]HealthCheck
	now       func() time.Time
}

// HandlerOpt InterviewHandler 的可选配置
type HandlerOpt func(*InterviewHandler)

// WithResumeExtractor 启用 /api/resume/extract
func WithResumeExtractor(e parser.ResumeTextExtractor) HandlerOpt {
	return func(h *InterviewHandler) { h.extractor = e }
}

// WithHealthCheck 在健康检查中报告一个依赖的状态
func WithHealthCheck(name string, check HealthCheck) HandlerOpt {
	return func(h *InterviewHandler) { h.checks[name] = check }
}

// WithNow 替换时间来源
func WithNow(now func() time.Time) HandlerOpt {
	return func(h *InterviewHandler) { h.now = now }
}

// NewInterviewHandler 创建面试接口
func NewInterviewHandler(svc InterviewService, opts ...HandlerOpt) *InterviewHandler {
	h := &InterviewHandler{
		svc:    svc,
		checks: map[string]HealthCheck{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type startRequest struct {
	Resume         string `json:"resume"`
	JobDescription string `json:"jobDescription"`
}

type startResponse struct {
	SessionID      string  `json:"sessionId"`
	Question       string  `json:"question"`
	Topic          string  `json:"topic"`
	AudioURL       string  `json:"audioUrl"`
	VideoURL       *string `json:"videoUrl"`
	FallbackImage  *string `json:"fallbackImage"`
	QuestionNumber int     `json:"questionNumber"`
	TotalQuestions int     `json:"totalQuestions"`
}

type nextQuestion struct {
	NextQuestion  string  `json:"nextQuestion"`
	Topic         string  `json:"topic"`
	AudioURL      string  `json:"audioUrl"`
	VideoURL      *string `json:"videoUrl"`
	FallbackImage *string `json:"fallbackImage"`
}

// answerResponse 完成时不带下一题字段，改为带 message
type answerResponse struct {
	Transcription string         `json:"transcription"`
	Scores        types.ScoreSet `json:"scores"`
	Feedback      []string       `json:"feedback"`
	*nextQuestion
	QuestionNumber int    `json:"questionNumber"`
	IsFollowUp     bool   `json:"isFollowUp"`
	Completed      bool   `json:"completed"`
	Message        string `json:"message,omitempty"`
}

type endRequest struct {
	SessionID string `json:"sessionId"`
}

type endResponse struct {
	SessionID      string        `json:"sessionId"`
	Report         *types.Report `json:"report"`
	TotalQuestions int           `json:"totalQuestions"`
	Duration       int           `json:"duration"`
}

// Start POST /api/start
func (h *InterviewHandler) Start(c context.Context, ctx *app.RequestContext) {
	var req startRequest
	if err := ctx.BindJSON(&req); err != nil {
		badRequest(c, ctx, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Resume) == "" || strings.TrimSpace(req.JobDescription) == "" {
		badRequest(c, ctx, "Resume and job description required")
		return
	}

	res, err := h.svc.CreateSession(c, req.Resume, req.JobDescription)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, startResponse{
		SessionID:      res.SessionID,
		Question:       res.Presentation.Question,
		Topic:          res.Presentation.Topic,
		AudioURL:       res.Presentation.AudioURL,
		VideoURL:       res.Presentation.VideoURL,
		FallbackImage:  res.Presentation.FallbackImage,
		QuestionNumber: res.QuestionNumber,
		TotalQuestions: res.TotalQuestions,
	})
}

// Answer POST /api/answer，multipart 表单：sessionId + audio
func (h *InterviewHandler) Answer(c context.Context, ctx *app.RequestContext) {
	sessionID := strings.TrimSpace(string(ctx.FormValue("sessionId")))
	fileHeader, err := ctx.FormFile("audio")
	if sessionID == "" || err != nil {
		badRequest(c, ctx, "Session ID and audio file required")
		return
	}
	audio, err := readFormFile(fileHeader)
	if err != nil || len(audio) == 0 {
		badRequest(c, ctx, "Session ID and audio file required")
		return
	}

	res, err := h.svc.SubmitAnswer(c, sessionID, audio, fileHeader.Filename)
	if err != nil {
		writeError(c, ctx, err)
		return
	}

	resp := answerResponse{
		Transcription:  res.Transcription,
		Scores:         res.Scores,
		Feedback:       res.Feedback,
		QuestionNumber: res.QuestionNumber,
		IsFollowUp:     res.IsFollowUp,
		Completed:      res.Completed,
	}
	if res.Completed {
		resp.Message = CompletionMessage
	} else if res.Next != nil {
		resp.nextQuestion = &nextQuestion{
			NextQuestion:  res.Next.Question,
			Topic:         res.Next.Topic,
			AudioURL:      res.Next.AudioURL,
			VideoURL:      res.Next.VideoURL,
			FallbackImage: res.Next.FallbackImage,
		}
	}
	ctx.JSON(consts.StatusOK, resp)
}

// End POST /api/end
func (h *InterviewHandler) End(c context.Context, ctx *app.RequestContext) {
	var req endRequest
	if err := ctx.BindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		badRequest(c, ctx, "Session ID required")
		return
	}

	res, err := h.svc.EndSession(c, strings.TrimSpace(req.SessionID))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, endResponse{
		SessionID:      res.SessionID,
		Report:         res.Report,
		TotalQuestions: res.TotalQuestions,
		Duration:       res.DurationMinutes,
	})
}

// Export GET /api/export/:sessionId
func (h *InterviewHandler) Export(c context.Context, ctx *app.RequestContext) {
	sessionID := strings.TrimSpace(ctx.Param("sessionId"))
	if sessionID == "" {
		badRequest(c, ctx, "Session ID required")
		return
	}
	s, err := h.svc.ExportSession(c, sessionID)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, s)
}

// ExtractResume POST /api/resume/extract，multipart 表单字段 file，只接受 PDF
func (h *InterviewHandler) ExtractResume(c context.Context, ctx *app.RequestContext) {
	if h.extractor == nil {
		ctx.JSON(consts.StatusNotImplemented, utils.H{"error": "Resume extraction is not enabled"})
		return
	}
	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		badRequest(c, ctx, "PDF file required")
		return
	}
	if !isPDF(fileHeader) {
		badRequest(c, ctx, "Only PDF resumes are supported")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		badRequest(c, ctx, "PDF file required")
		return
	}
	defer f.Close()

	text, err := h.extractor.ExtractText(c, f, fileHeader.Filename)
	if err != nil {
		logger.Ctx(c).Warn().Err(err).Str("filename", fileHeader.Filename).Msg("简历提取失败")
		msg := "Could not read the PDF"
		if errors.Is(err, parser.ErrEmptyResume) {
			msg = "No text found in the PDF"
		}
		ctx.JSON(consts.StatusUnprocessableEntity, utils.H{"error": msg})
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{
		"text":       text,
		"characters": len([]rune(text)),
		"filename":   fileHeader.Filename,
	})
}

// Health GET /api/health。依赖异常时 status 为 degraded，状态码仍为 200。
func (h *InterviewHandler) Health(c context.Context, ctx *app.RequestContext) {
	resp := utils.H{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if len(h.checks) > 0 {
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		checkCtx, cancel := context.WithTimeout(c, 2*time.Second)
		defer cancel()
		deps := make(map[string]string, len(names))
		for _, name := range names {
			if err := h.checks[name](checkCtx); err != nil {
				deps[name] = "error: " + err.Error()
				resp["status"] = "degraded"
				continue
			}
			deps[name] = "ok"
		}
		resp["dependencies"] = deps
	}
	ctx.JSON(consts.StatusOK, resp)
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isPDF(fh *multipart.FileHeader) bool {
	if strings.EqualFold(fh.Header.Get("Content-Type"), "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(fh.Filename), ".pdf")
}
