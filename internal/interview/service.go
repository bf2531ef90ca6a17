// Package interview 实现自适应模拟面试的会话编排：出题、按话题深度追问或换题、结束时生成报告。
package interview

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"

	"interview-buddy-go/internal/avatar"
	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/oracle"
	"interview-buddy-go/internal/session"
	"interview-buddy-go/internal/speech"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/types"
)

var tracer = otel.Tracer("interview-buddy-go/interview")

// QuestionOracle 面试用到的全部生成能力，由 oracle.Client 实现
type QuestionOracle interface {
	QuestionSet(ctx context.Context, resume, jobDescription string, n int) ([]types.Question, error)
	NextQuestion(ctx context.Context, resume, jobDescription string, coveredTopics []string) (types.Question, error)
	FollowUp(ctx context.Context, question, answer, topic string, depth int) (types.FollowUp, error)
	Score(ctx context.Context, question, answer, resume, jobDescription string) (types.ScoreResult, error)
	Report(ctx context.Context, in oracle.ReportInput) (*types.Report, error)
}

var _ QuestionOracle = (*oracle.Client)(nil)

// Components 编排器依赖的协作方
type Components struct {
	Oracle      QuestionOracle     // 必需
	Transcriber speech.Transcriber // 必需
	Synthesizer speech.Synthesizer // 必需
	Store       session.Store      // 必需
	Locker      session.Locker     // 为空时使用进程内锁

	Avatar    avatar.Generator       // 为空时始终返回兜底图片
	Artifacts storage.ArtifactStore  // 为空时不上传音频、不持久化快照
	Archive   storage.SessionArchive // 为空时不写数据库归档
}

// Settings 面试策略与运行参数
type Settings struct {
	MaxDepth         int           // 每个话题最多回答次数，达到后换题
	TopicCount       int           // 初始问题数
	FallbackImage    string        // 数字人视频不可用时的静态图片
	AudioURLExpiry   time.Duration // 问题音频预签名链接有效期
	RegenerateReport bool          // 重复结束时是否重新生成报告

	PersistWorkers   int
	PersistQueueSize int
	PersistTimeout   time.Duration
	OnPersistError   func(PersistFailure)

	Now   func() time.Time
	NewID func() (string, error)
}

// SettingOpt 修改 Settings 的选项
type SettingOpt func(*Settings)

// DefaultSettings 默认策略：每话题 5 次、5 个话题
func DefaultSettings() Settings {
	return Settings{
		MaxDepth:         5,
		TopicCount:       5,
		FallbackImage:    "https://create-images-results.d-id.com/default-presenter-image.jpg",
		AudioURLExpiry:   time.Hour,
		PersistWorkers:   4,
		PersistQueueSize: 256,
		PersistTimeout:   30 * time.Second,
		Now:              time.Now,
		NewID:            newSessionID,
	}
}

// WithConfig 从配置文件读取策略参数
func WithConfig(cfg *config.InterviewConfig) SettingOpt {
	return func(s *Settings) {
		if cfg.MaxDepth > 0 {
			s.MaxDepth = cfg.MaxDepth
		}
		if cfg.TopicCount > 0 {
			s.TopicCount = cfg.TopicCount
		}
		if cfg.FallbackImage != "" {
			s.FallbackImage = cfg.FallbackImage
		}
		s.AudioURLExpiry = config.GetDuration(cfg.AudioURLExpiry, s.AudioURLExpiry)
		s.RegenerateReport = cfg.RegenerateReport
		if cfg.PersistWorkers > 0 {
			s.PersistWorkers = cfg.PersistWorkers
		}
		if cfg.PersistQueueSize > 0 {
			s.PersistQueueSize = cfg.PersistQueueSize
		}
		s.PersistTimeout = config.GetDuration(cfg.PersistTimeout, s.PersistTimeout)
	}
}

// WithMaxDepth 设置追问深度上限
func WithMaxDepth(d int) SettingOpt {
	return func(s *Settings) { s.MaxDepth = d }
}

// WithTopicCount 设置初始话题数
func WithTopicCount(n int) SettingOpt {
	return func(s *Settings) { s.TopicCount = n }
}

// WithRegenerateReport 重复结束时重新生成报告
func WithRegenerateReport(on bool) SettingOpt {
	return func(s *Settings) { s.RegenerateReport = on }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) SettingOpt {
	return func(s *Settings) { s.Now = now }
}

// WithIDGenerator 替换会话 ID 生成器
func WithIDGenerator(gen func() (string, error)) SettingOpt {
	return func(s *Settings) { s.NewID = gen }
}

// WithPersistErrorHook 持久化失败时额外回调
func WithPersistErrorHook(hook func(PersistFailure)) SettingOpt {
	return func(s *Settings) { s.OnPersistError = hook }
}

// Service 会话编排器
type Service struct {
	c         Components
	s         Settings
	persister *Persister
}

// NewService 校验依赖并启动异步持久化
func NewService(c Components, opts ...SettingOpt) (*Service, error) {
	s := DefaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	switch {
	case c.Oracle == nil:
		return nil, fmt.Errorf("interview: Oracle 未初始化")
	case c.Transcriber == nil:
		return nil, fmt.Errorf("interview: Transcriber 未初始化")
	case c.Synthesizer == nil:
		return nil, fmt.Errorf("interview: Synthesizer 未初始化")
	case c.Store == nil:
		return nil, fmt.Errorf("interview: Store 未初始化")
	case s.MaxDepth < 1:
		return nil, fmt.Errorf("interview: MaxDepth 必须大于0")
	case s.TopicCount < 1:
		return nil, fmt.Errorf("interview: TopicCount 必须大于0")
	}
	if c.Locker == nil {
		c.Locker = session.NewKeyedMutex(10 * time.Second)
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.NewID == nil {
		s.NewID = newSessionID
	}

	return &Service{
		c:         c,
		s:         s,
		persister: NewPersister(c.Artifacts, c.Archive, s.PersistWorkers, s.PersistQueueSize, s.PersistTimeout, s.OnPersistError),
	}, nil
}

// Close 等待排队中的持久化任务完成
func (svc *Service) Close(ctx context.Context) error {
	return svc.persister.Close(ctx)
}

// Settings 返回生效的策略参数
func (svc *Service) Settings() Settings {
	return svc.s
}

func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Presentation 一个问题的展示内容
type Presentation struct {
	Question      string
	Topic         string
	AudioURL      string
	VideoURL      *string
	FallbackImage *string
}

// StartResult 开始面试的结果
type StartResult struct {
	SessionID      string
	Presentation   Presentation
	QuestionNumber int
	TotalQuestions int
}

// AnswerResult 一轮回答的结果。Completed 时 Next 为 nil。
type AnswerResult struct {
	Transcription  string
	Scores         types.ScoreSet
	Feedback       []string
	Next           *Presentation
	IsFollowUp     bool
	Completed      bool
	QuestionNumber int
}

// EndResult 结束面试的结果
type EndResult struct {
	SessionID       string
	Report          *types.Report
	TotalQuestions  int
	DurationMinutes int
}
