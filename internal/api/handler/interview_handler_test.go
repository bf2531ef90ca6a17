package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interview-buddy-go/internal/interview"
	"interview-buddy-go/internal/parser"
	"interview-buddy-go/internal/types"
)

type fakeService struct {
	create func(resume, jd string) (*interview.StartResult, error)
	answer func(id string, audio []byte, filename string) (*interview.AnswerResult, error)
	end    func(id string) (*interview.EndResult, error)
	export func(id string) (*types.Session, error)

	calls int
}

func (f *fakeService) CreateSession(_ context.Context, resume, jd string) (*interview.StartResult, error) {
	f.calls++
	return f.create(resume, jd)
}

func (f *fakeService) SubmitAnswer(_ context.Context, id string, audio []byte, filename string) (*interview.AnswerResult, error) {
	f.calls++
	return f.answer(id, audio, filename)
}

func (f *fakeService) EndSession(_ context.Context, id string) (*interview.EndResult, error) {
	f.calls++
	return f.end(id)
}

func (f *fakeService) ExportSession(_ context.Context, id string) (*types.Session, error) {
	f.calls++
	return f.export(id)
}

type fakeExtractor struct {
	text string
	err  error
}

func (f fakeExtractor) ExtractText(_ context.Context, r io.Reader, _ string) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return f.text, f.err
}

func newTestEngine(svc InterviewService, opts ...HandlerOpt) *server.Hertz {
	ih := NewInterviewHandler(svc, opts...)
	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	h.GET("/api/health", ih.Health)
	h.POST("/api/start", ih.Start)
	h.POST("/api/answer", ih.Answer)
	h.POST("/api/end", ih.End)
	h.GET("/api/export/:sessionId", ih.Export)
	h.POST("/api/resume/extract", ih.ExtractResume)
	return h
}

func strPtr(s string) *string { return &s }

func jsonBody(t *testing.T, v any) *ut.Body {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &ut.Body{Body: bytes.NewReader(data), Len: len(data)}
}

type formFile struct {
	field, filename, contentType string
	data                         []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (*ut.Body, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, f.field, f.filename))
		hdr.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &ut.Body{Body: buf, Len: buf.Len()}, w.FormDataContentType()
}

func decode(t *testing.T, resp *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), "响应不是合法JSON: %s", resp.Body.String())
	return out
}

func TestStartReturnsFirstQuestion(t *testing.T) {
	svc := &fakeService{create: func(resume, jd string) (*interview.StartResult, error) {
		assert.Equal(t, "my resume", resume)
		assert.Equal(t, "the jd", jd)
		return &interview.StartResult{
			SessionID: "s1",
			Presentation: interview.Presentation{
				Question:      "Tell me about Kafka",
				Topic:         "Messaging",
				AudioURL:      "https://minio.local/a.mp3",
				FallbackImage: strPtr("https://cdn.local/presenter.jpg"),
			},
			QuestionNumber: 1,
			TotalQuestions: 5,
		}, nil
	}}
	h := newTestEngine(svc)

	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/start",
		jsonBody(t, map[string]string{"resume": "my resume", "jobDescription": "the jd"}),
		ut.Header{Key: "Content-Type", Value: "application/json"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	out := decode(t, resp)
	assert.Equal(t, "s1", out["sessionId"])
	assert.Equal(t, "Tell me about Kafka", out["question"])
	assert.Equal(t, "Messaging", out["topic"])
	assert.Equal(t, "https://minio.local/a.mp3", out["audioUrl"])
	assert.Contains(t, out, "videoUrl")
	assert.Nil(t, out["videoUrl"], "没有视频时 videoUrl 为 null")
	assert.Equal(t, "https://cdn.local/presenter.jpg", out["fallbackImage"])
	assert.EqualValues(t, 1, out["questionNumber"])
	assert.EqualValues(t, 5, out["totalQuestions"])
}

func TestStartValidatesBeforeCallingService(t *testing.T) {
	svc := &fakeService{}
	h := newTestEngine(svc)

	for _, body := range []map[string]string{
		{"resume": "r"},
		{"jobDescription": "jd"},
		{"resume": "  ", "jobDescription": "jd"},
	} {
		resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/start", jsonBody(t, body),
			ut.Header{Key: "Content-Type", Value: "application/json"})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "Resume and job description required", decode(t, resp)["error"])
	}

	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/start",
		&ut.Body{Body: bytes.NewBufferString("{not json"), Len: 9},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, svc.calls)
}

func TestStartMapsInitFailureTo502(t *testing.T) {
	svc := &fakeService{create: func(string, string) (*interview.StartResult, error) {
		return nil, &interview.SessionError{Op: "start", BaseErr: interview.ErrSessionInit, Cause: interview.ErrGenerationFailure}
	}}
	h := newTestEngine(svc)

	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/start",
		jsonBody(t, map[string]string{"resume": "r", "jobDescription": "jd"}),
		ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Equal(t, "Failed to generate interview questions", decode(t, resp)["error"])
}

func TestAnswerNextQuestion(t *testing.T) {
	svc := &fakeService{answer: func(id string, audio []byte, filename string) (*interview.AnswerResult, error) {
		assert.Equal(t, "s1", id)
		assert.Equal(t, []byte("webm-data"), audio)
		assert.Equal(t, "answer.webm", filename)
		return &interview.AnswerResult{
			Transcription: "I used consumer groups",
			Scores:        types.ScoreSet{Clarity: 7, Depth: 6, Relevance: 8, Structure: 7},
			Feedback:      []string{"good", "add numbers"},
			Next: &interview.Presentation{
				Question: "How did you handle rebalancing?",
				Topic:    "Messaging",
				AudioURL: "data:audio/mpeg;base64,AAA",
				VideoURL: strPtr("https://d-id.local/v.mp4"),
			},
			IsFollowUp:     true,
			QuestionNumber: 2,
		}, nil
	}}
	h := newTestEngine(svc)

	body, contentType := multipartBody(t, map[string]string{"sessionId": "s1"},
		formFile{field: "audio", filename: "answer.webm", contentType: "audio/webm", data: []byte("webm-data")})
	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/answer", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	out := decode(t, resp)
	assert.Equal(t, "I used consumer groups", out["transcription"])
	assert.Equal(t, map[string]any{"clarity": 7.0, "depth": 6.0, "relevance": 8.0, "structure": 7.0}, out["scores"])
	assert.Equal(t, []any{"good", "add numbers"}, out["feedback"])
	assert.Equal(t, "How did you handle rebalancing?", out["nextQuestion"])
	assert.Equal(t, "Messaging", out["topic"])
	assert.Equal(t, "data:audio/mpeg;base64,AAA", out["audioUrl"])
	assert.Equal(t, "https://d-id.local/v.mp4", out["videoUrl"])
	assert.Contains(t, out, "fallbackImage")
	assert.Nil(t, out["fallbackImage"])
	assert.Equal(t, true, out["isFollowUp"])
	assert.Equal(t, false, out["completed"])
	assert.EqualValues(t, 2, out["questionNumber"])
	assert.NotContains(t, out, "message")
}

func TestAnswerCompleted(t *testing.T) {
	svc := &fakeService{answer: func(string, []byte, string) (*interview.AnswerResult, error) {
		return &interview.AnswerResult{
			Transcription:  "final answer",
			Feedback:       []string{"a", "b"},
			Completed:      true,
			QuestionNumber: 25,
		}, nil
	}}
	h := newTestEngine(svc)

	body, contentType := multipartBody(t, map[string]string{"sessionId": "s1"},
		formFile{field: "audio", filename: "a.webm", contentType: "audio/webm", data: []byte("x")})
	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/answer", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	require.Equal(t, http.StatusOK, resp.Code)

	out := decode(t, resp)
	assert.Equal(t, true, out["completed"])
	assert.Equal(t, false, out["isFollowUp"])
	assert.EqualValues(t, 25, out["questionNumber"])
	assert.Equal(t, CompletionMessage, out["message"])
	assert.NotContains(t, out, "nextQuestion")
	assert.NotContains(t, out, "videoUrl")
}

func TestAnswerValidationAndErrors(t *testing.T) {
	svc := &fakeService{}
	h := newTestEngine(svc)

	body, contentType := multipartBody(t, map[string]string{"sessionId": "s1"})
	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/answer", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Session ID and audio file required", decode(t, resp)["error"])

	body, contentType = multipartBody(t, nil,
		formFile{field: "audio", filename: "a.webm", contentType: "audio/webm", data: []byte("x")})
	resp = ut.PerformRequest(h.Engine, http.MethodPost, "/api/answer", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, svc.calls)

	tests := []struct {
		err    error
		status int
	}{
		{&interview.SessionError{SessionID: "s1", Op: "answer", BaseErr: interview.ErrSessionNotFound}, http.StatusNotFound},
		{&interview.SessionError{SessionID: "s1", Op: "answer", BaseErr: interview.ErrSessionCompleted}, http.StatusConflict},
		{&interview.SessionError{SessionID: "s1", Op: "answer", BaseErr: interview.ErrSessionBusy}, http.StatusConflict},
		{&interview.SessionError{SessionID: "s1", Op: "answer", BaseErr: interview.ErrTranscriptionFailure}, http.StatusBadGateway},
		{&interview.SessionError{SessionID: "s1", Op: "answer", BaseErr: interview.ErrSpeechSynthesisFailure}, http.StatusBadGateway},
		{&interview.SessionError{SessionID: "s1", Op: "answer", BaseErr: interview.ErrInternal, Cause: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		svc.answer = func(string, []byte, string) (*interview.AnswerResult, error) { return nil, tt.err }
		body, contentType := multipartBody(t, map[string]string{"sessionId": "s1"},
			formFile{field: "audio", filename: "a.webm", contentType: "audio/webm", data: []byte("x")})
		resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/answer", body,
			ut.Header{Key: "Content-Type", Value: contentType})
		assert.Equal(t, tt.status, resp.Code, tt.err.Error())

		out := decode(t, resp)
		assert.Len(t, out, 1, "错误响应只有 error 字段")
		assert.NotEmpty(t, out["error"])
	}
}

func TestEndReturnsReport(t *testing.T) {
	report := &types.Report{OverallScore: 7.4, Assessment: "Strong systems thinking"}
	svc := &fakeService{end: func(id string) (*interview.EndResult, error) {
		assert.Equal(t, "s1", id)
		return &interview.EndResult{SessionID: "s1", Report: report, TotalQuestions: 12, DurationMinutes: 31}, nil
	}}
	h := newTestEngine(svc)

	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/end",
		jsonBody(t, map[string]string{"sessionId": "s1"}),
		ut.Header{Key: "Content-Type", Value: "application/json"})
	require.Equal(t, http.StatusOK, resp.Code)

	out := decode(t, resp)
	assert.Equal(t, "s1", out["sessionId"])
	assert.EqualValues(t, 12, out["totalQuestions"])
	assert.EqualValues(t, 31, out["duration"])
	require.IsType(t, map[string]any{}, out["report"])
	assert.Equal(t, "Strong systems thinking", out["report"].(map[string]any)["assessment"])

	resp = ut.PerformRequest(h.Engine, http.MethodPost, "/api/end",
		jsonBody(t, map[string]string{}),
		ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Session ID required", decode(t, resp)["error"])
}

func TestExport(t *testing.T) {
	svc := &fakeService{export: func(id string) (*types.Session, error) {
		if id != "s1" {
			return nil, &interview.SessionError{SessionID: id, Op: "export", BaseErr: interview.ErrSessionNotFound}
		}
		return &types.Session{
			SessionID:     "s1",
			CoveredTopics: []string{"A"},
			TopicDepth:    map[string]int{"A": 1},
			Interactions:  []types.Interaction{{QuestionNumber: 1, Answer: "x"}},
		}, nil
	}}
	h := newTestEngine(svc)

	resp := ut.PerformRequest(h.Engine, http.MethodGet, "/api/export/s1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var s types.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &s))
	assert.Equal(t, "s1", s.SessionID)
	assert.Len(t, s.Interactions, 1)

	resp = ut.PerformRequest(h.Engine, http.MethodGet, "/api/export/other", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "Session not found", decode(t, resp)["error"])
}

func TestHealth(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newTestEngine(&fakeService{}, WithNow(func() time.Time { return now }))

	resp := ut.PerformRequest(h.Engine, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	out := decode(t, resp)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "2026-03-01T09:00:00Z", out["timestamp"])
	assert.NotContains(t, out, "dependencies")

	h = newTestEngine(&fakeService{},
		WithHealthCheck("redis", func(context.Context) error { return nil }),
		WithHealthCheck("minio", func(context.Context) error { return errors.New("connection refused") }))
	resp = ut.PerformRequest(h.Engine, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	out = decode(t, resp)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "minio": "error: connection refused"}, out["dependencies"])
}

func TestExtractResume(t *testing.T) {
	h := newTestEngine(&fakeService{}, WithResumeExtractor(fakeExtractor{text: "Jane Doe\nGo Engineer"}))

	body, contentType := multipartBody(t, nil,
		formFile{field: "file", filename: "jane.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")})
	resp := ut.PerformRequest(h.Engine, http.MethodPost, "/api/resume/extract", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	out := decode(t, resp)
	assert.Equal(t, "Jane Doe\nGo Engineer", out["text"])
	assert.EqualValues(t, 20, out["characters"], "按字符（rune）计数")

	body, contentType = multipartBody(t, nil,
		formFile{field: "file", filename: "jane.docx", contentType: "application/msword", data: []byte("x")})
	resp = ut.PerformRequest(h.Engine, http.MethodPost, "/api/resume/extract", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	h = newTestEngine(&fakeService{}, WithResumeExtractor(fakeExtractor{err: fmt.Errorf("%w: scan.pdf", parser.ErrEmptyResume)}))
	body, contentType = multipartBody(t, nil,
		formFile{field: "file", filename: "scan.pdf", contentType: "application/pdf", data: []byte("%PDF")})
	resp = ut.PerformRequest(h.Engine, http.MethodPost, "/api/resume/extract", body,
		ut.Header{Key: "Content-Type", Value: contentType})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "No text found in the PDF", decode(t, resp)["error"])
}

func TestStatusFor(t *testing.T) {
	initErr := &interview.SessionError{Op: "start", BaseErr: interview.ErrSessionInit, Cause: interview.ErrGenerationFailure}
	status, msg := statusFor(initErr)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "Failed to generate interview questions", msg, "初始化失败优先于通用生成失败")

	status, _ = statusFor(fmt.Errorf("wrapped: %w", interview.ErrValidation))
	assert.Equal(t, http.StatusBadRequest, status)

	status, msg = statusFor(errors.New("unknown"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Internal server error", msg)
}
