// Package outbox 实现发件箱模式：会话事件与归档同事务落库，由 relay 异步投递到 RabbitMQ。
package outbox

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/storage"
	"interview-buddy-go/internal/storage/models"
	"interview-buddy-go/internal/tracing"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 10
	maxRetryCount          = 5
)

// MessageRelay 轮询 outbox 表并将消息发布到消息代理
type MessageRelay struct {
	db              *gorm.DB
	publisher       storage.Publisher
	pollingInterval time.Duration
	batchSize       int
	tracer          trace.Tracer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMessageRelay 创建 relay，interval 或 batchSize 非正时使用默认值
func NewMessageRelay(db *gorm.DB, publisher storage.Publisher, interval time.Duration, batchSize int) *MessageRelay {
	if interval <= 0 {
		interval = defaultPollingInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &MessageRelay{
		db:              db,
		publisher:       publisher,
		pollingInterval: interval,
		batchSize:       batchSize,
		tracer:          otel.Tracer("interview-buddy-go/outbox"),
		done:            make(chan struct{}),
	}
}

// Start 在后台开始轮询
func (r *MessageRelay) Start() {
	logger.Info().Dur("interval", r.pollingInterval).Int("batch_size", r.batchSize).Msg("MessageRelay 启动")
	ticker := time.NewTicker(r.pollingInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				logger.Info().Msg("MessageRelay 已停止")
				return
			case <-ticker.C:
				if _, err := r.ProcessPending(context.Background()); err != nil {
					logger.Error().Err(err).Msg("处理发件箱消息失败")
				}
			}
		}
	}()
}

// Stop 停止轮询并等待当前批次结束
func (r *MessageRelay) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// ProcessPending 取一批待投递消息并发布，返回本批处理的消息数。
// FOR UPDATE SKIP LOCKED 让多个实例可以并行 relay 而不重复投递。
func (r *MessageRelay) ProcessPending(ctx context.Context) (int, error) {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	defer tx.Rollback()

	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return 0, err
	}

	// 空轮询不建 span
	if len(messages) == 0 {
		return 0, tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))),
	)
	defer span.End()

	for i := range messages {
		msg := &messages[i]
		pubErr := r.publisher.PublishMessage(ctx, msg.Exchange, msg.RoutingKey, msg.Payload, true)
		applyPublishResult(msg, pubErr, time.Now())
		if pubErr != nil {
			logger.Warn().Err(pubErr).
				Uint64("message_id", msg.ID).
				Str("session_id", msg.SessionID).
				Int("attempts", msg.Attempts).
				Msg("发件箱消息发布失败")
		}

		if err := tx.Save(msg).Error; err != nil {
			// 整批回滚，下次轮询重新拾取
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			return 0, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return 0, err
	}
	return len(messages), nil
}

// applyPublishResult 根据发布结果更新消息状态
func applyPublishResult(msg *models.OutboxMessage, pubErr error, now time.Time) {
	if pubErr != nil {
		msg.Attempts++
		msg.LastError = pubErr.Error()
		if msg.Attempts >= maxRetryCount {
			msg.Status = models.OutboxStatusFailed
		}
		return
	}
	msg.Status = models.OutboxStatusSent
	msg.PublishedAt = &now
	msg.LastError = ""
}
