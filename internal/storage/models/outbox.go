package models

import (
	"time"

	"gorm.io/datatypes"
)

// 发件箱消息状态
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 会话生命周期事件。与 interview_sessions 同事务写入，由 relay 投递到 RabbitMQ。
type OutboxMessage struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement"`
	SessionID   string         `gorm:"column:session_id;type:varchar(64);not null;index"`
	EventType   string         `gorm:"type:varchar(64);not null"` // session.started / answered / ended
	Payload     datatypes.JSON `gorm:"not null"`
	Exchange    string         `gorm:"type:varchar(128);not null"`
	RoutingKey  string         `gorm:"type:varchar(128);not null"`
	Status      string         `gorm:"type:varchar(16);default:'PENDING';not null;index:idx_outbox_pending,priority:1"`
	Attempts    int            `gorm:"default:0"`
	LastError   string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"type:datetime(6);index:idx_outbox_pending,priority:2"`
	PublishedAt *time.Time     `gorm:"type:datetime(6)"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
