package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/tracing"
)

// ErrNotFound 键不存在
var ErrNotFound = redis.Nil

var redisTracer = otel.Tracer("interview-buddy-go/storage/redis")

// 会话和锁的键才建业务 span，其余命令只由 redisotel 记录
var tracedKeyPrefixes = []string{
	strings.TrimSuffix(constants.KeyInterviewSession, "%s"),
	strings.TrimSuffix(constants.KeyInterviewLock, "%s"),
}

func isTracedKey(key string) bool {
	for _, p := range tracedKeyPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Redis 会话快照与会话锁所用的客户端，实现 session.KV 和 session.LockClient
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 建立连接并挂上 redisotel，连接失败直接返回错误
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     seconds(cfg.DialTimeoutSeconds),
		ReadTimeout:     seconds(cfg.ReadTimeoutSeconds),
		WriteTimeout:    seconds(cfg.WriteTimeoutSeconds),
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Close 关闭连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 健康检查
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) startSpan(ctx context.Context, name, op, key string) (context.Context, trace.Span) {
	if !isTracedKey(key) {
		return ctx, nil
	}
	ctx, span := redisTracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", op),
		attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
	)
	return ctx, span
}

// finishSpan 结束业务 span；redis.Nil 表示键不存在，不算失败
func finishSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	switch {
	case errors.Is(err, redis.Nil):
		span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
	case err != nil:
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Get 读取会话快照，键不存在时返回 ErrNotFound
func (r *Redis) Get(ctx context.Context, key string) (val string, err error) {
	ctx, span := r.startSpan(ctx, "Redis.Get", "GET", key)
	defer func() { finishSpan(span, err) }()

	val, err = r.Client.Get(ctx, key).Result()
	if span != nil && err == nil {
		span.SetAttributes(attribute.Int("db.redis.value_length", len(val)))
	}
	return val, err
}

// Set 写入会话快照，expiration 为 0 表示不过期
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) (err error) {
	ctx, span := r.startSpan(ctx, "Redis.Set", "SET", key)
	defer func() { finishSpan(span, err) }()
	if span != nil {
		span.SetAttributes(
			attribute.Int("db.redis.value_length", len(value)),
			attribute.Int64("db.redis.expiration_ms", expiration.Milliseconds()),
		)
	}
	return r.Client.Set(ctx, key, value, expiration).Err()
}

// Del 删除键，键不存在不报错
func (r *Redis) Del(ctx context.Context, key string) (err error) {
	ctx, span := r.startSpan(ctx, "Redis.Del", "DEL", key)
	defer func() { finishSpan(span, err) }()
	return r.Client.Del(ctx, key).Err()
}

// AcquireLock 尝试获取一个分布式锁。
// 成功时返回持有者标识，锁已被占用时返回空字符串和 nil。
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("生成锁标识失败: %w", err)
	}

	ctx, span := r.startSpan(ctx, "Redis.AcquireLock", "SETNX", lockKey)
	acquired, err := r.Client.SetNX(ctx, lockKey, token.String(), expiration).Result()
	if span != nil && err == nil {
		span.SetAttributes(attribute.Bool("lock.acquired", acquired))
	}
	finishSpan(span, err)

	if err != nil || !acquired {
		return "", err
	}
	return token.String(), nil
}

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证只删除自己持有的锁
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	res, err := releaseLockScript.Run(ctx, r.Client, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	// 锁不存在或不属于当前持有者
	return false, nil
}
