package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/storage/models"
	"interview-buddy-go/internal/tracing"
	"interview-buddy-go/internal/types"
)

// ErrArchiveNotFound 归档中没有该会话
var ErrArchiveNotFound = errors.New("会话归档不存在")

// SessionArchive 会话归档接口：快照落库并在同一事务中写入发件箱事件
type SessionArchive interface {
	ArchiveSession(ctx context.Context, s *types.Session, eventType string) error
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)
}

var _ SessionArchive = (*MySQL)(nil)

// EventRouting 事件类型到 RabbitMQ 路由的映射
type EventRouting struct {
	Exchange    string
	RoutingKeys map[string]string // event type -> routing key
}

// NewEventRouting 从 RabbitMQ 配置构造路由
func NewEventRouting(cfg *config.RabbitMQConfig) EventRouting {
	return EventRouting{
		Exchange: cfg.SessionEventsExchange,
		RoutingKeys: map[string]string{
			EventSessionStarted:  cfg.StartedRoutingKey,
			EventSessionAnswered: cfg.AnsweredRoutingKey,
			EventSessionEnded:    cfg.EndedRoutingKey,
		},
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db      *gorm.DB
	cfg     *config.MySQLConfig
	routing EventRouting
}

// NewMySQL 创建MySQL客户端并迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg}
	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("成功连接到MySQL并迁移数据库结构")
	return m, nil
}

func gormLogLevel(level int) gormlogger.LogLevel {
	switch level {
	case 1:
		return gormlogger.Silent
	case 2:
		return gormlogger.Error
	case 3:
		return gormlogger.Warn
	default:
		return gormlogger.Info
	}
}

func (m *MySQL) autoMigrateSchema() error {
	// 迁移时不打印 SQL
	silent := m.db.Session(&gorm.Session{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	return silent.AutoMigrate(
		&models.InterviewSessionRecord{},
		&models.OutboxMessage{},
	)
}

// SetEventRouting 配置发件箱事件路由，Exchange 为空时只归档不写事件
func (m *MySQL) SetEventRouting(r EventRouting) {
	m.routing = r
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Ping 检查连接
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// ArchiveSession 覆盖写入会话归档行，并在同一事务中写入一条发件箱消息
func (m *MySQL) ArchiveSession(ctx context.Context, s *types.Session, eventType string) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.ArchiveSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.SessionID),
		attribute.String("session.event", eventType),
	)

	now := time.Now()
	record, err := buildSessionRecord(s)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}
	outbox, hasEvent, err := m.buildOutboxMessage(s, eventType, now)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "question_count", "interaction_count", "overall_score",
				"snapshot", "report", "ended_at", "updated_at",
			}),
		}).Create(&record).Error; err != nil {
			return fmt.Errorf("写入会话归档失败: %w", err)
		}
		if hasEvent {
			if err := tx.Create(&outbox).Error; err != nil {
				return fmt.Errorf("写入发件箱消息失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}
	return nil
}

// LoadSession 从归档行恢复会话快照
func (m *MySQL) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var record models.InterviewSessionRecord
	err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询会话归档失败: %w", err)
	}

	var s types.Session
	if err := json.Unmarshal(record.Snapshot, &s); err != nil {
		return nil, fmt.Errorf("解析会话快照失败: %w", err)
	}
	if s.TopicDepth == nil {
		s.TopicDepth = map[string]int{}
	}
	return &s, nil
}

func buildSessionRecord(s *types.Session) (models.InterviewSessionRecord, error) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return models.InterviewSessionRecord{}, fmt.Errorf("序列化会话快照失败: %w", err)
	}
	record := models.InterviewSessionRecord{
		SessionID:        s.SessionID,
		Status:           models.SessionStatusActive,
		QuestionCount:    len(s.QuestionSet),
		InteractionCount: len(s.Interactions),
		Snapshot:         datatypes.JSON(snapshot),
		StartedAt:        s.StartTime,
		EndedAt:          s.EndTime,
	}
	if s.Ended() {
		record.Status = models.SessionStatusEnded
	}
	if s.Report != nil {
		report, err := json.Marshal(s.Report)
		if err != nil {
			return models.InterviewSessionRecord{}, fmt.Errorf("序列化报告失败: %w", err)
		}
		record.Report = datatypes.JSON(report)
		score := s.Report.OverallScore
		record.OverallScore = &score
	}
	return record, nil
}

func (m *MySQL) buildOutboxMessage(s *types.Session, eventType string, now time.Time) (models.OutboxMessage, bool, error) {
	if m.routing.Exchange == "" || eventType == "" {
		return models.OutboxMessage{}, false, nil
	}
	routingKey := m.routing.RoutingKeys[eventType]
	if routingKey == "" {
		routingKey = eventType
	}
	payload, err := json.Marshal(NewSessionEventMessage(s, eventType, now))
	if err != nil {
		return models.OutboxMessage{}, false, fmt.Errorf("序列化事件失败: %w", err)
	}
	return models.OutboxMessage{
		SessionID:  s.SessionID,
		EventType:  eventType,
		Payload:    datatypes.JSON(payload),
		Exchange:   m.routing.Exchange,
		RoutingKey: routingKey,
		Status:     models.OutboxStatusPending,
		CreatedAt:  now,
	}, true, nil
}
