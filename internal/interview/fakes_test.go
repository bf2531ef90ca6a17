package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"interview-buddy-go/internal/oracle"
	"interview-buddy-go/internal/session"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/types"
)

func fiveTopics() []types.Question {
	qs := make([]types.Question, 0, 5)
	for _, t := range []string{"A", "B", "C", "D", "E"} {
		qs = append(qs, types.Question{Question: "Tell me about " + t, Topic: t})
	}
	return qs
}

type fakeOracle struct {
	mu sync.Mutex

	questions   []types.Question
	questionErr error
	extra       []types.Question
	nextErr     error
	followUpErr error
	scoreErr    error
	report      *types.Report
	reportErr   error

	followUpCalls int
	reportCalls   int
	scoredAgainst []string
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		questions: fiveTopics(),
		report:    &types.Report{OverallScore: 7.5, Assessment: "solid"},
	}
}

func (f *fakeOracle) QuestionSet(_ context.Context, _, _ string, n int) ([]types.Question, error) {
	if f.questionErr != nil {
		return nil, f.questionErr
	}
	qs := append([]types.Question(nil), f.questions...)
	if len(qs) > n {
		qs = qs[:n]
	}
	return qs, nil
}

func (f *fakeOracle) NextQuestion(_ context.Context, _, _ string, _ []string) (types.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil || len(f.extra) == 0 {
		return types.Question{}, errors.Join(oracle.ErrGenerationFailure, f.nextErr)
	}
	q := f.extra[0]
	f.extra = f.extra[1:]
	return q, nil
}

func (f *fakeOracle) FollowUp(_ context.Context, _, _, topic string, depth int) (types.FollowUp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followUpErr != nil {
		return types.FollowUp{}, f.followUpErr
	}
	f.followUpCalls++
	return types.FollowUp{Question: fmt.Sprintf("Go deeper on %s (%d)", topic, depth), Topic: topic}, nil
}

func (f *fakeOracle) Score(_ context.Context, question, _, _, _ string) (types.ScoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scoreErr != nil {
		return types.ScoreResult{}, f.scoreErr
	}
	f.scoredAgainst = append(f.scoredAgainst, question)
	return types.ScoreResult{
		Scores:   types.ScoreSet{Clarity: 7, Depth: 6, Relevance: 8, Structure: 7},
		Feedback: []string{"clear", "add metrics"},
	}, nil
}

func (f *fakeOracle) Report(_ context.Context, _ oracle.ReportInput) (*types.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	r := *f.report
	r.Assessment = fmt.Sprintf("%s #%d", f.report.Assessment, f.reportCalls)
	return &r, nil
}

type fakeSpeech struct {
	transcript    string
	transcribeErr error
	synthErr      error
	synthCalls    int
}

func (f *fakeSpeech) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	if f.transcribeErr != nil {
		return "", f.transcribeErr
	}
	return f.transcript, nil
}

func (f *fakeSpeech) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.synthCalls++
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return []byte("mp3:" + text), nil
}

type fakeAvatar struct {
	url string
	err error

	gotAudioURL string
}

func (f *fakeAvatar) Generate(_ context.Context, _ string, audioURL string) (string, error) {
	f.gotAudioURL = audioURL
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeArtifacts struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	putErr   error
	presigns int
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeArtifacts) PutObject(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = append([]byte(nil), data...)
	f.types[key] = contentType
	return nil
}

func (f *fakeArtifacts) GetObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return data, nil
}

func (f *fakeArtifacts) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.PutObject(ctx, key, data, "application/json")
}

func (f *fakeArtifacts) GetJSON(ctx context.Context, key string, v any) error {
	data, err := f.GetObject(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (f *fakeArtifacts) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presigns++
	return "https://minio.local/interview/" + key + "?sig=x", nil
}

func (f *fakeArtifacts) contentType(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[key]
}

func (f *fakeArtifacts) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type fakeArchive struct {
	mu       sync.Mutex
	events   []string
	sessions map[string]*types.Session
	err      error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{sessions: map[string]*types.Session{}}
}

func (f *fakeArchive) ArchiveSession(_ context.Context, s *types.Session, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, eventType)
	f.sessions[s.SessionID] = s.Clone()
	return nil
}

func (f *fakeArchive) LoadSession(_ context.Context, sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, storage.ErrArchiveNotFound
	}
	return s.Clone(), nil
}

func (f *fakeArchive) eventList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// busyLocker 模拟锁一直被其他请求持有
type busyLocker struct{}

func (busyLocker) Lock(_ context.Context, sessionID string) (func(), error) {
	return nil, fmt.Errorf("%w: %s", session.ErrLockTimeout, sessionID)
}
