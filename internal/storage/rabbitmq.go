package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/tracing"
)

var rabbitTracer = otel.Tracer("interview-buddy-go/storage/rabbitmq")

// Publisher 发件箱 relay 使用的消息发布接口
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

var _ Publisher = (*RabbitMQ)(nil)

// RabbitMQ 会话事件的发布端，通道经 sync.Pool 复用
type RabbitMQ struct {
	conn        *amqp.Connection
	channelPool sync.Pool
	cfg         *config.RabbitMQConfig
}

// NewRabbitMQ 创建RabbitMQ客户端
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	mq := &RabbitMQ{conn: conn, cfg: cfg}
	mq.channelPool = sync.Pool{
		New: func() interface{} {
			ch, err := conn.Channel()
			if err != nil {
				logger.Error().Err(err).Msg("创建RabbitMQ通道失败")
				return nil
			}
			return ch
		},
	}

	testCh := mq.getChannel()
	if testCh == nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道")
	}
	mq.putChannel(testCh)

	logger.Info().Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

func (r *RabbitMQ) getChannel() *amqp.Channel {
	if ch, ok := r.channelPool.Get().(*amqp.Channel); ok && ch != nil && !ch.IsClosed() {
		return ch
	}
	ch, err := r.conn.Channel()
	if err != nil {
		logger.Error().Err(err).Msg("创建新RabbitMQ通道失败")
		return nil
	}
	return ch
}

func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		r.channelPool.Put(ch)
	}
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// SetupSessionEventTopology 在一个通道上声明会话事件的 topic 交换机，
// 配置了队列时再把它绑定到三种事件的路由键。启动时调用一次。
func (r *RabbitMQ) SetupSessionEventTopology() error {
	exchange := r.cfg.SessionEventsExchange
	if exchange == "" || exchange == "amq.default" || exchange == "default" {
		return fmt.Errorf("无效的会话事件交换机名称: %q", exchange)
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}
	queue := r.cfg.SessionEventsQueue
	if queue == "" {
		logger.Info().Str("exchange", exchange).Msg("会话事件交换机已就绪（未配置队列）")
		return nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明队列失败: %w", err)
	}
	for _, key := range r.routingKeys() {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("绑定队列 %s 到 %s (%s) 失败: %w", queue, exchange, key, err)
		}
	}
	logger.Info().Str("exchange", exchange).Str("queue", queue).Msg("会话事件拓扑已就绪")
	return nil
}

// routingKeys 配置中非空且去重的事件路由键
func (r *RabbitMQ) routingKeys() []string {
	seen := make(map[string]bool, 3)
	var keys []string
	for _, k := range []string{r.cfg.StartedRoutingKey, r.cfg.AnsweredRoutingKey, r.cfg.EndedRoutingKey} {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// PublishMessage 发布消息到exchange
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	ctx, span := rabbitTracer.Start(ctx, "RabbitMQ.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchangeName),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.Int("messaging.message.body.size", len(message)),
		),
	)
	defer span.End()

	ch := r.getChannel()
	if ch == nil {
		err := fmt.Errorf("无法获取RabbitMQ通道")
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		return err
	}
	defer r.putChannel(ch)

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(headers))

	err := ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		Headers:      headers,
		DeliveryMode: deliveryMode,
		ContentType:  constants.ContentTypeJSON,
		Body:         message,
		Timestamp:    time.Now(),
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// amqpHeaderCarrier 让追踪上下文随消息头传递
type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
