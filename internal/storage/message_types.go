package storage

import (
	"math"
	"time"

	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/types"
)

// 会话事件类型
const (
	EventSessionStarted  = constants.EventSessionStarted
	EventSessionAnswered = constants.EventSessionAnswered
	EventSessionEnded    = constants.EventSessionEnded
)

// SessionEventMessage 发布到 interview.events 交换机的会话生命周期消息
type SessionEventMessage struct {
	SessionID        string    `json:"session_id"`
	EventType        string    `json:"event_type"`
	OccurredAt       time.Time `json:"occurred_at"`
	QuestionIndex    int       `json:"question_index"`             // 当前话题下标
	InteractionCount int       `json:"interaction_count"`          // 已回答的问题数
	CoveredTopics    []string  `json:"covered_topics,omitempty"`   // 已结束的话题
	Completed        bool      `json:"completed"`                  // 问题集是否已全部覆盖
	OverallScore     *float64  `json:"overall_score,omitempty"`    // 仅 session.ended 携带
	DurationMinutes  *int      `json:"duration_minutes,omitempty"` // 仅 session.ended 携带
}

// NewSessionEventMessage 根据会话快照构造事件消息
func NewSessionEventMessage(s *types.Session, eventType string, now time.Time) SessionEventMessage {
	msg := SessionEventMessage{
		SessionID:        s.SessionID,
		EventType:        eventType,
		OccurredAt:       now,
		QuestionIndex:    s.CurrentQuestionIndex,
		InteractionCount: len(s.Interactions),
		CoveredTopics:    append([]string(nil), s.CoveredTopics...),
		Completed:        s.Completed(),
	}
	if s.Report != nil {
		score := s.Report.OverallScore
		msg.OverallScore = &score
	}
	if s.EndTime != nil {
		minutes := int(math.Round(s.EndTime.Sub(s.StartTime).Minutes()))
		msg.DurationMinutes = &minutes
	}
	return msg
}
