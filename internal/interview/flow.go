package interview

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/oracle"
	"interview-buddy-go/internal/session"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/tracing"
	"interview-buddy-go/internal/types"
)

// CreateSession 生成问题集并创建会话。问题集不可用时不会保存任何状态。
func (svc *Service) CreateSession(ctx context.Context, resume, jobDescription string) (*StartResult, error) {
	const op = "start"
	if strings.TrimSpace(resume) == "" || strings.TrimSpace(jobDescription) == "" {
		return nil, newValidationError(op, "resume 和 jobDescription 不能为空")
	}

	ctx, span := tracer.Start(ctx, "interview.CreateSession")
	defer span.End()

	id, err := svc.s.NewID()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return nil, &SessionError{Op: op, BaseErr: ErrInternal, Detail: "生成会话ID失败", Cause: err}
	}
	span.SetAttributes(attribute.String("session.id", id))
	ctx = logger.ForSession(id).WithContext(ctx)

	questions, err := svc.c.Oracle.QuestionSet(ctx, resume, jobDescription, svc.s.TopicCount)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		return nil, &SessionError{SessionID: id, Op: op, BaseErr: ErrSessionInit, Cause: err}
	}
	questions = svc.topUpQuestions(ctx, resume, jobDescription, questions)

	first := questions[0]
	s := &types.Session{
		SessionID:            id,
		Resume:               resume,
		JobDescription:       jobDescription,
		QuestionSet:          questions,
		CurrentQuestionIndex: 0,
		TopicDepth:           map[string]int{},
		CoveredTopics:        []string{first.Topic},
		Interactions:         []types.Interaction{},
		StartTime:            svc.s.Now(),
	}

	p, err := svc.present(ctx, id, first.Question, first.Topic, 0)
	if err != nil {
		return nil, wrapCollaborator(op, id, err)
	}

	if err := svc.c.Store.Set(ctx, s); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, wrapCollaborator(op, id, err)
	}
	svc.persister.Enqueue(ctx, s, storage.EventSessionStarted)

	logger.Ctx(ctx).Info().Int("questions", len(questions)).Str("topic", first.Topic).Msg("面试会话已创建")
	return &StartResult{
		SessionID:      id,
		Presentation:   p,
		QuestionNumber: 1,
		TotalQuestions: len(questions),
	}, nil
}

// maxTopUpRejects 补充问题时允许丢弃的重复话题数
const maxTopUpRejects = 3

// topUpQuestions 问题数不足时逐个补充避开已有话题的新问题，补充失败不影响开始面试。
// 与已有话题重复的问题会被丢弃并重新生成。
func (svc *Service) topUpQuestions(ctx context.Context, resume, jobDescription string, questions []types.Question) []types.Question {
	rejects := 0
	for len(questions) < svc.s.TopicCount {
		topics := make([]string, 0, len(questions))
		for _, q := range questions {
			topics = append(topics, q.Topic)
		}
		q, err := svc.c.Oracle.NextQuestion(ctx, resume, jobDescription, topics)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Int("have", len(questions)).Int("want", svc.s.TopicCount).Msg("补充问题失败，使用已有问题集")
			break
		}
		if hasTopic(topics, q.Topic) {
			rejects++
			logger.Ctx(ctx).Warn().Str("topic", q.Topic).Int("rejects", rejects).Msg("补充的问题话题重复，已丢弃")
			if rejects >= maxTopUpRejects {
				break
			}
			continue
		}
		questions = append(questions, q)
	}
	return questions
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if oracle.SameTopic(t, topic) {
			return true
		}
	}
	return false
}

// SubmitAnswer 转写并评分当前回答，然后按深度策略追问、换题或宣布完成。
// 所有协作方调用成功后才写回会话。
func (svc *Service) SubmitAnswer(ctx context.Context, sessionID string, audio []byte, filename string) (*AnswerResult, error) {
	const op = "answer"
	if strings.TrimSpace(sessionID) == "" {
		return nil, newValidationError(op, "sessionId 不能为空")
	}
	if len(audio) == 0 {
		return nil, newValidationError(op, "audio 不能为空")
	}

	ctx, span := tracer.Start(ctx, "interview.SubmitAnswer")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))
	ctx = logger.ForSession(sessionID).WithContext(ctx)

	unlock, err := svc.lock(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := svc.load(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Ended() || s.Completed() {
		return nil, &SessionError{SessionID: sessionID, Op: op, BaseErr: ErrSessionCompleted}
	}

	current := *s.CurrentQuestion()
	topic := current.Topic

	transcript, err := svc.c.Transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeSpeech)
		return nil, wrapCollaborator(op, sessionID, err)
	}

	score, err := svc.c.Oracle.Score(ctx, current.Question, transcript, s.Resume, s.JobDescription)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		return nil, wrapCollaborator(op, sessionID, err)
	}

	questionNumber := s.CurrentQuestionIndex + 1
	s.TopicDepth[topic]++
	depth := s.TopicDepth[topic]
	span.SetAttributes(attribute.String("interview.topic", topic), attribute.Int("interview.depth", depth))

	result := &AnswerResult{
		Transcription: transcript,
		Scores:        score.Scores,
		Feedback:      score.Feedback,
	}

	var nextQuestion, nextTopic string
	switch {
	case depth < svc.s.MaxDepth:
		followUp, err := svc.c.Oracle.FollowUp(ctx, current.Question, transcript, topic, depth)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeOracle)
			return nil, wrapCollaborator(op, sessionID, err)
		}
		nextQuestion, nextTopic = followUp.Question, followUp.Topic
		result.IsFollowUp = true
	default:
		s.CurrentQuestionIndex++
		if next := s.CurrentQuestion(); next != nil {
			s.CoveredTopics = append(s.CoveredTopics, next.Topic)
			s.TopicDepth[next.Topic] = 0
			nextQuestion, nextTopic = next.Question, next.Topic
		} else {
			result.Completed = true
		}
	}

	s.Interactions = append(s.Interactions, types.Interaction{
		QuestionNumber: questionNumber,
		Question:       current.Question,
		Topic:          topic,
		Answer:         transcript,
		Scores:         score.Scores,
		Feedback:       score.Feedback,
		Timestamp:      svc.s.Now(),
	})

	if result.Completed {
		result.QuestionNumber = len(s.Interactions)
	} else {
		p, err := svc.present(ctx, sessionID, nextQuestion, nextTopic, len(s.Interactions))
		if err != nil {
			return nil, wrapCollaborator(op, sessionID, err)
		}
		result.Next = &p
		result.QuestionNumber = len(s.Interactions) + 1
	}

	if err := svc.c.Store.Set(ctx, s); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, wrapCollaborator(op, sessionID, err)
	}
	svc.persister.Enqueue(ctx, s, storage.EventSessionAnswered)

	logger.Ctx(ctx).Info().
		Str("topic", topic).
		Int("depth", depth).
		Bool("follow_up", result.IsFollowUp).
		Bool("completed", result.Completed).
		Int("interactions", len(s.Interactions)).
		Msg("回答已记录")
	return result, nil
}

// EndSession 生成最终报告并封存会话。
// 已结束的会话默认直接返回第一次生成的报告；开启 RegenerateReport 后重新生成并覆盖。
func (svc *Service) EndSession(ctx context.Context, sessionID string) (*EndResult, error) {
	const op = "end"
	if strings.TrimSpace(sessionID) == "" {
		return nil, newValidationError(op, "sessionId 不能为空")
	}

	ctx, span := tracer.Start(ctx, "interview.EndSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))
	ctx = logger.ForSession(sessionID).WithContext(ctx)

	unlock, err := svc.lock(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := svc.load(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Ended() && s.Report != nil && !svc.s.RegenerateReport {
		span.SetAttributes(attribute.Bool("interview.report_memoized", true))
		return endResult(s), nil
	}

	report, err := svc.c.Oracle.Report(ctx, oracle.NewReportInput(s))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOracle)
		return nil, wrapCollaborator(op, sessionID, err)
	}

	now := svc.s.Now()
	s.EndTime = &now
	s.Report = report

	if err := svc.c.Store.Set(ctx, s); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, wrapCollaborator(op, sessionID, err)
	}
	svc.persister.Enqueue(ctx, s, storage.EventSessionEnded)

	res := endResult(s)
	logger.Ctx(ctx).Info().
		Float64("overall_score", report.OverallScore).
		Int("answers", res.TotalQuestions).
		Int("duration_minutes", res.DurationMinutes).
		Msg("面试已结束")
	return res, nil
}

func endResult(s *types.Session) *EndResult {
	res := &EndResult{
		SessionID:      s.SessionID,
		Report:         s.Report,
		TotalQuestions: len(s.Interactions),
	}
	if s.EndTime != nil {
		res.DurationMinutes = int(math.Round(s.EndTime.Sub(s.StartTime).Minutes()))
	}
	return res
}

// ExportSession 返回完整会话快照。
// 依次查找会话存储、对象存储中的最终报告和会话快照、数据库归档。
func (svc *Service) ExportSession(ctx context.Context, sessionID string) (*types.Session, error) {
	const op = "export"
	if strings.TrimSpace(sessionID) == "" {
		return nil, newValidationError(op, "sessionId 不能为空")
	}

	ctx, span := tracer.Start(ctx, "interview.ExportSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	s, err := svc.c.Store.Get(ctx, sessionID)
	if err == nil {
		span.SetAttributes(attribute.String("export.source", "store"))
		return s, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		logger.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("读取会话存储失败，尝试持久化副本")
	}

	if svc.c.Artifacts != nil {
		for _, key := range []string{storage.FinalReportKey(sessionID), storage.SessionSnapshotKey(sessionID)} {
			var snap types.Session
			err := svc.c.Artifacts.GetJSON(ctx, key, &snap)
			if err == nil {
				if snap.TopicDepth == nil {
					snap.TopicDepth = map[string]int{}
				}
				span.SetAttributes(attribute.String("export.source", key))
				return &snap, nil
			}
			if !errors.Is(err, storage.ErrObjectNotFound) {
				logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("读取会话快照失败")
			}
		}
	}

	if svc.c.Archive != nil {
		snap, err := svc.c.Archive.LoadSession(ctx, sessionID)
		if err == nil {
			span.SetAttributes(attribute.String("export.source", "archive"))
			return snap, nil
		}
		if !errors.Is(err, storage.ErrArchiveNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("读取会话归档失败")
		}
	}

	return nil, newNotFoundError(op, sessionID)
}

func (svc *Service) lock(ctx context.Context, op, sessionID string) (func(), error) {
	unlock, err := svc.c.Locker.Lock(ctx, sessionID)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, session.ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, &SessionError{SessionID: sessionID, Op: op, BaseErr: ErrSessionBusy, Cause: err}
	}
	return nil, wrapCollaborator(op, sessionID, err)
}

func (svc *Service) load(ctx context.Context, op, sessionID string) (*types.Session, error) {
	s, err := svc.c.Store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, newNotFoundError(op, sessionID)
	}
	if err != nil {
		return nil, wrapCollaborator(op, sessionID, err)
	}
	if s.TopicDepth == nil {
		s.TopicDepth = map[string]int{}
	}
	return s, nil
}
