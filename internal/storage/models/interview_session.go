package models

import (
	"time"

	"gorm.io/datatypes"
)

// 会话归档状态
const (
	SessionStatusActive = "ACTIVE"
	SessionStatusEnded  = "ENDED"
)

// InterviewSessionRecord 面试会话归档表，每个会话一行，随事件覆盖更新
type InterviewSessionRecord struct {
	SessionID        string         `gorm:"type:char(36);primaryKey"`
	Status           string         `gorm:"type:varchar(20);not null;default:'ACTIVE';index:idx_is_status"`
	QuestionCount    int            `gorm:"not null;default:0"`
	InteractionCount int            `gorm:"not null;default:0"`
	OverallScore     *float64       `gorm:"type:float"`
	Snapshot         datatypes.JSON `gorm:"type:json;not null"`
	Report           datatypes.JSON `gorm:"type:json"`
	StartedAt        time.Time      `gorm:"type:datetime(6);not null;index:idx_is_started_at"`
	EndedAt          *time.Time     `gorm:"type:datetime(6)"`
	CreatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (InterviewSessionRecord) TableName() string {
	return "interview_sessions"
}
