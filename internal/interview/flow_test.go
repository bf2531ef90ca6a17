package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interview-buddy-go/internal/avatar"
	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/oracle"
	"interview-buddy-go/internal/session"
	"interview-buddy-go/internal/speech"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/types"
	"interview-buddy-go/pkg/agent"
)

const (
	testResume = "Go engineer, 6 years, built payment APIs"
	testJD     = "Senior backend engineer, distributed systems"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingStore struct {
	session.Store
	mu   sync.Mutex
	sets int
}

func (c *countingStore) Set(ctx context.Context, s *types.Session) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.Store.Set(ctx, s)
}

func (c *countingStore) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

type harness struct {
	svc       *Service
	oracle    *fakeOracle
	speech    *fakeSpeech
	avatar    *fakeAvatar
	artifacts *fakeArtifacts
	archive   *fakeArchive
	store     *countingStore
	clock     *testClock

	mu       sync.Mutex
	failures []PersistFailure
}

func newHarness(t *testing.T, mutate func(*Components), opts ...SettingOpt) *harness {
	t.Helper()
	h := &harness{
		oracle:    newFakeOracle(),
		speech:    &fakeSpeech{transcript: "I designed the ledger service"},
		avatar:    &fakeAvatar{url: "https://d-id.local/talk.mp4"},
		artifacts: newFakeArtifacts(),
		archive:   newFakeArchive(),
		store:     &countingStore{Store: session.NewMemoryStore(100, time.Hour)},
		clock:     &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	c := Components{
		Oracle:      h.oracle,
		Transcriber: h.speech,
		Synthesizer: h.speech,
		Store:       h.store,
		Avatar:      h.avatar,
		Artifacts:   h.artifacts,
		Archive:     h.archive,
	}
	if mutate != nil {
		mutate(&c)
	}

	n := 0
	base := []SettingOpt{
		WithClock(h.clock.Now),
		WithIDGenerator(func() (string, error) {
			n++
			return fmt.Sprintf("session-%d", n), nil
		}),
		WithPersistErrorHook(func(f PersistFailure) {
			h.mu.Lock()
			h.failures = append(h.failures, f)
			h.mu.Unlock()
		}),
	}
	svc, err := NewService(c, append(base, opts...)...)
	require.NoError(t, err)
	h.svc = svc
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return h
}

func (h *harness) stored(t *testing.T, id string) *types.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) answer(t *testing.T, id string) *AnswerResult {
	t.Helper()
	res, err := h.svc.SubmitAnswer(context.Background(), id, []byte("webm-bytes"), "answer.webm")
	require.NoError(t, err)
	return res
}

func TestCreateSessionPresentsFirstQuestion(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)

	assert.Equal(t, "session-1", res.SessionID)
	assert.Equal(t, 1, res.QuestionNumber)
	assert.Equal(t, 5, res.TotalQuestions)
	assert.Equal(t, "Tell me about A", res.Presentation.Question)
	assert.Equal(t, "A", res.Presentation.Topic)
	require.NotNil(t, res.Presentation.VideoURL)
	assert.Equal(t, "https://d-id.local/talk.mp4", *res.Presentation.VideoURL)
	assert.Nil(t, res.Presentation.FallbackImage, "有视频时不返回兜底图片")

	audioKey := storage.QuestionAudioKey("session-1", 0)
	assert.True(t, h.artifacts.has(audioKey))
	assert.Equal(t, constants.ContentTypeAudio, h.artifacts.contentType(audioKey))
	assert.Contains(t, res.Presentation.AudioURL, audioKey)
	assert.Equal(t, res.Presentation.AudioURL, h.avatar.gotAudioURL, "数字人使用对象存储中的音频")

	s := h.stored(t, "session-1")
	assert.Equal(t, 0, s.CurrentQuestionIndex)
	assert.Equal(t, []string{"A"}, s.CoveredTopics)
	assert.Empty(t, s.TopicDepth)
	assert.Empty(t, s.Interactions)
	assert.Equal(t, h.clock.Now(), s.StartTime)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.CreateSession(context.Background(), "  ", testJD)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.CreateSession(context.Background(), testResume, "")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, h.store.setCount())
	assert.Zero(t, h.speech.synthCalls, "校验失败时不调用任何协作方")
}

func TestCreateSessionNonJSONOracleStoresNothing(t *testing.T) {
	llm := agent.NewMockChatClient("Sure! Here are some great questions for this candidate.", nil)
	client := oracle.NewClient(oracle.NewChatOracle(llm), oracle.DefaultTemperatures())

	h := newHarness(t, func(c *Components) { c.Oracle = client })

	_, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionInit)
	assert.ErrorIs(t, err, ErrGenerationFailure)

	assert.Zero(t, h.store.setCount())
	assert.Zero(t, h.speech.synthCalls)
	assert.Empty(t, h.archive.eventList())
}

func TestCreateSessionSynthesisFailureStoresNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.speech.synthErr = fmt.Errorf("%w: status 401", speech.ErrSpeechSynthesisFailure)

	_, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	assert.ErrorIs(t, err, ErrSpeechSynthesisFailure)
	assert.Zero(t, h.store.setCount())
}

func TestCreateSessionTopsUpShortQuestionSet(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.questions = fiveTopics()[:3]
	h.oracle.extra = []types.Question{{Question: "Tell me about X", Topic: "X"}}

	res, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err, "补充失败不影响开始面试")
	assert.Equal(t, 4, res.TotalQuestions)

	s := h.stored(t, res.SessionID)
	assert.Equal(t, "X", s.QuestionSet[3].Topic)
}

func TestCreateSessionTopUpSkipsDuplicateTopics(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.questions = fiveTopics()[:3]
	h.oracle.extra = []types.Question{
		{Question: "Tell me about B again", Topic: " b "},
		{Question: "Tell me about X", Topic: "X"},
		{Question: "More X", Topic: "x"},
		{Question: "Tell me about Y", Topic: "Y"},
	}

	res, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalQuestions)

	s := h.stored(t, res.SessionID)
	topics := make([]string, 0, len(s.QuestionSet))
	for _, q := range s.QuestionSet {
		topics = append(topics, q.Topic)
	}
	assert.Equal(t, []string{"A", "B", "C", "X", "Y"}, topics)
	assert.Empty(t, h.oracle.extra)
}

func TestCreateSessionTopUpGivesUpOnRepeatedDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.questions = fiveTopics()[:3]
	h.oracle.extra = []types.Question{
		{Question: "A?", Topic: "A"},
		{Question: "B?", Topic: "B"},
		{Question: "C?", Topic: "c"},
		{Question: "Z?", Topic: "Z"},
	}

	res, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err, "补充失败不影响开始面试")
	assert.Equal(t, 3, res.TotalQuestions)
	assert.Len(t, h.oracle.extra, 1, "连续重复后停止补充")
}

func TestAvatarTimeoutFallsBackToImage(t *testing.T) {
	h := newHarness(t, nil, func(s *Settings) { s.FallbackImage = "https://cdn.local/presenter.jpg" })
	h.avatar.err = fmt.Errorf("%w: 30 polls", avatar.ErrAvatarTimeout)

	res, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	assert.Nil(t, res.Presentation.VideoURL)
	require.NotNil(t, res.Presentation.FallbackImage)
	assert.Equal(t, "https://cdn.local/presenter.jpg", *res.Presentation.FallbackImage)
}

func TestPresentationWithoutArtifactStoreUsesDataURI(t *testing.T) {
	h := newHarness(t, func(c *Components) { c.Artifacts = nil })

	res, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Presentation.AudioURL, "data:audio/mpeg;base64,"))
	assert.Empty(t, h.avatar.gotAudioURL, "没有可公开访问的音频时数字人使用文本脚本")
}

func TestFollowUpsThenAdvanceAtMaxDepth(t *testing.T) {
	h := newHarness(t, nil)
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	id := start.SessionID

	for i := 1; i <= 4; i++ {
		res := h.answer(t, id)
		assert.True(t, res.IsFollowUp, "第 %d 次回答后应追问", i)
		assert.False(t, res.Completed)
		require.NotNil(t, res.Next)
		assert.Equal(t, "A", res.Next.Topic)
		assert.Equal(t, i+1, res.QuestionNumber)
		assert.Equal(t, "I designed the ledger service", res.Transcription)
		assert.Len(t, res.Feedback, 2)

		s := h.stored(t, id)
		assert.Equal(t, i, s.TopicDepth["A"])
		assert.Len(t, s.Interactions, i)
		assert.True(t, h.artifacts.has(storage.QuestionAudioKey(id, i)))
	}

	res := h.answer(t, id)
	assert.False(t, res.IsFollowUp)
	require.NotNil(t, res.Next)
	assert.Equal(t, "Tell me about B", res.Next.Question)
	assert.Equal(t, "B", res.Next.Topic)
	assert.Equal(t, 6, res.QuestionNumber)

	s := h.stored(t, id)
	assert.Equal(t, 1, s.CurrentQuestionIndex)
	assert.Equal(t, []string{"A", "B"}, s.CoveredTopics)
	assert.Equal(t, map[string]int{"A": 5, "B": 0}, s.TopicDepth)
	assert.Len(t, s.Interactions, 5)
	for _, it := range s.Interactions {
		assert.Equal(t, 1, it.QuestionNumber)
		assert.Equal(t, "A", it.Topic)
		assert.Equal(t, "Tell me about A", it.Question, "追问不替换当前话题问题")
	}
	assert.Equal(t, 4, h.oracle.followUpCalls)
}

func TestAnswersUntilCompletion(t *testing.T) {
	h := newHarness(t, nil, WithMaxDepth(2), WithTopicCount(3))
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	id := start.SessionID
	assert.Equal(t, 3, start.TotalQuestions)

	var last *AnswerResult
	for i := 1; i <= 6; i++ {
		last = h.answer(t, id)

		s := h.stored(t, id)
		assert.Len(t, s.Interactions, i, "每次回答恰好追加一条记录")
		want := s.CurrentQuestionIndex + 1
		if want > len(s.QuestionSet) {
			want = len(s.QuestionSet)
		}
		assert.Len(t, s.CoveredTopics, want)
	}

	assert.True(t, last.Completed)
	assert.Nil(t, last.Next)
	assert.False(t, last.IsFollowUp)
	assert.Equal(t, 6, last.QuestionNumber)

	s := h.stored(t, id)
	assert.True(t, s.Completed())
	assert.Equal(t, []string{"A", "B", "C"}, s.CoveredTopics)
	assert.Equal(t, map[string]int{"A": 2, "B": 2, "C": 2}, s.TopicDepth)

	_, err = h.svc.SubmitAnswer(context.Background(), id, []byte("more"), "a.webm")
	assert.ErrorIs(t, err, ErrSessionCompleted)
	assert.Len(t, h.stored(t, id).Interactions, 6)
}

func TestSubmitAnswerFailuresLeaveSessionUntouched(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *harness)
		wantErr error
	}{
		{
			name:    "transcription",
			prepare: func(h *harness) { h.speech.transcribeErr = fmt.Errorf("%w: empty", speech.ErrTranscriptionFailure) },
			wantErr: ErrTranscriptionFailure,
		},
		{
			name:    "scoring",
			prepare: func(h *harness) { h.oracle.scoreErr = fmt.Errorf("%w: scores.depth 超出范围", oracle.ErrGenerationFailure) },
			wantErr: ErrGenerationFailure,
		},
		{
			name:    "follow-up",
			prepare: func(h *harness) { h.oracle.followUpErr = oracle.ErrGenerationFailure },
			wantErr: ErrGenerationFailure,
		},
		{
			name:    "synthesis of next question",
			prepare: func(h *harness) { h.speech.synthErr = speech.ErrSpeechSynthesisFailure },
			wantErr: ErrSpeechSynthesisFailure,
		},
		{
			name:    "unknown collaborator error",
			prepare: func(h *harness) { h.speech.transcribeErr = errors.New("connection reset") },
			wantErr: ErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
			require.NoError(t, err)
			sets := h.store.setCount()

			tt.prepare(h)
			_, err = h.svc.SubmitAnswer(context.Background(), start.SessionID, []byte("audio"), "a.webm")
			assert.ErrorIs(t, err, tt.wantErr)

			var se *SessionError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, start.SessionID, se.SessionID)
			assert.Equal(t, "answer", se.Op)

			assert.Equal(t, sets, h.store.setCount(), "失败的回合不写回会话")
			s := h.stored(t, start.SessionID)
			assert.Empty(t, s.Interactions)
			assert.Empty(t, s.TopicDepth)
		})
	}
}

func TestSubmitAnswerValidationAndLookup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.SubmitAnswer(ctx, "", []byte("a"), "a.webm")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.SubmitAnswer(ctx, "session-1", nil, "a.webm")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.SubmitAnswer(ctx, "nope", []byte("a"), "a.webm")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmitAnswerBusySession(t *testing.T) {
	h := newHarness(t, func(c *Components) { c.Locker = busyLocker{} })
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)

	_, err = h.svc.SubmitAnswer(context.Background(), start.SessionID, []byte("a"), "a.webm")
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = h.svc.EndSession(context.Background(), start.SessionID)
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestConcurrentAnswersAreSerialized(t *testing.T) {
	h := newHarness(t, nil)
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitAnswer(context.Background(), start.SessionID, []byte("a"), "a.webm")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s := h.stored(t, start.SessionID)
	assert.Len(t, s.Interactions, 4, "并发回答不能丢失记录")
	assert.Equal(t, 4, s.TopicDepth["A"])
}

func TestEndSessionSealsAndMemoizes(t *testing.T) {
	h := newHarness(t, nil)
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	h.answer(t, start.SessionID)
	h.answer(t, start.SessionID)

	h.clock.Advance(12*time.Minute + 40*time.Second)
	first, err := h.svc.EndSession(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, start.SessionID, first.SessionID)
	assert.Equal(t, 2, first.TotalQuestions)
	assert.Equal(t, 13, first.DurationMinutes)
	require.NotNil(t, first.Report)
	assert.Equal(t, "solid #1", first.Report.Assessment)

	h.clock.Advance(time.Hour)
	second, err := h.svc.EndSession(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, first.Report, second.Report, "重复结束返回第一次的报告")
	assert.Equal(t, 13, second.DurationMinutes)
	assert.Equal(t, 1, h.oracle.reportCalls)

	_, err = h.svc.SubmitAnswer(context.Background(), start.SessionID, []byte("a"), "a.webm")
	assert.ErrorIs(t, err, ErrSessionCompleted)
}

func TestEndSessionRegeneratesWhenConfigured(t *testing.T) {
	h := newHarness(t, nil, WithRegenerateReport(true))
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)

	_, err = h.svc.EndSession(context.Background(), start.SessionID)
	require.NoError(t, err)
	second, err := h.svc.EndSession(context.Background(), start.SessionID)
	require.NoError(t, err)

	assert.Equal(t, "solid #2", second.Report.Assessment)
	assert.Equal(t, "solid #2", h.stored(t, start.SessionID).Report.Assessment)
}

func TestEndSessionErrors(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.EndSession(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.EndSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	h.oracle.reportErr = oracle.ErrGenerationFailure
	_, err = h.svc.EndSession(context.Background(), start.SessionID)
	assert.ErrorIs(t, err, ErrGenerationFailure)
	assert.False(t, h.stored(t, start.SessionID).Ended(), "报告失败时不封存会话")
}

func TestPersistenceWritesSnapshotsAndArchive(t *testing.T) {
	h := newHarness(t, nil)
	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err)
	h.answer(t, start.SessionID)
	_, err = h.svc.EndSession(context.Background(), start.SessionID)
	require.NoError(t, err)
	require.NoError(t, h.svc.Close(context.Background()))

	assert.True(t, h.artifacts.has(storage.SessionSnapshotKey(start.SessionID)))
	assert.True(t, h.artifacts.has(storage.FinalReportKey(start.SessionID)))
	assert.ElementsMatch(t,
		[]string{storage.EventSessionStarted, storage.EventSessionAnswered, storage.EventSessionEnded},
		h.archive.eventList())
	assert.Empty(t, h.failures)
}

func TestPersistFailureGoesToHookNotCaller(t *testing.T) {
	h := newHarness(t, nil)
	h.archive.err = errors.New("mysql: connection refused")

	start, err := h.svc.CreateSession(context.Background(), testResume, testJD)
	require.NoError(t, err, "持久化失败不影响请求")
	require.NoError(t, h.svc.Close(context.Background()))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.failures, 1)
	assert.Equal(t, start.SessionID, h.failures[0].SessionID)
	assert.Equal(t, "archive", h.failures[0].Op)
	assert.Equal(t, storage.EventSessionStarted, h.failures[0].Event)
}

func TestExportSessionFallsBackToDurableStorage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	start, err := h.svc.CreateSession(ctx, testResume, testJD)
	require.NoError(t, err)
	id := start.SessionID
	h.answer(t, id)
	h.answer(t, id)

	live, err := h.svc.ExportSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, live.Interactions, 2)

	_, err = h.svc.EndSession(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.svc.Close(ctx))

	// 会话从实时存储过期后，从对象存储中的最终报告恢复
	require.NoError(t, h.store.Delete(ctx, id))
	fromArtifacts, err := h.svc.ExportSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, fromArtifacts.Report)
	assert.Equal(t, id, fromArtifacts.SessionID)
	assert.Equal(t, normalizeInteractions(live.Interactions), normalizeInteractions(fromArtifacts.Interactions))

	// 对象也过期后，从数据库归档恢复
	h.artifacts.mu.Lock()
	h.artifacts.objects = map[string][]byte{}
	h.artifacts.mu.Unlock()
	fromArchive, err := h.svc.ExportSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, fromArchive.Ended())
	assert.Equal(t, id, fromArchive.SessionID)
	assert.Equal(t, normalizeInteractions(live.Interactions), normalizeInteractions(fromArchive.Interactions))

	_, err = h.svc.ExportSession(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.svc.ExportSession(ctx, " ")
	assert.ErrorIs(t, err, ErrValidation)
}

// normalizeInteractions 去掉时间戳的单调时钟和时区差异，便于比较经过序列化的记录
func normalizeInteractions(in []types.Interaction) []types.Interaction {
	out := make([]types.Interaction, len(in))
	for i, it := range in {
		it.Timestamp = it.Timestamp.UTC().Round(0)
		out[i] = it
	}
	return out
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Components{})
	require.Error(t, err)

	o := newFakeOracle()
	sp := &fakeSpeech{}
	_, err = NewService(Components{Oracle: o, Transcriber: sp, Synthesizer: sp, Store: session.NewMemoryStore(1, time.Minute)}, WithMaxDepth(0))
	require.Error(t, err)

	svc, err := NewService(Components{Oracle: o, Transcriber: sp, Synthesizer: sp, Store: session.NewMemoryStore(1, time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 5, svc.Settings().MaxDepth)
	assert.Equal(t, 5, svc.Settings().TopicCount)
	require.NoError(t, svc.Close(context.Background()))
}
