package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"interview-buddy-go/internal/config"
	"interview-buddy-go/internal/constants"
	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/tracing"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("对象不存在")

// SessionArtifactPrefix 会话产物（音频、快照、报告）的公共前缀
const SessionArtifactPrefix = "sessions/"

var minioTracer = otel.Tracer("interview-buddy-go/storage/minio")

// ArtifactStore 会话产物的对象存储接口
type ArtifactStore interface {
	// PutObject 上传一个对象
	PutObject(ctx context.Context, key string, data []byte, contentType string) error

	// GetObject 下载对象，不存在时返回 ErrObjectNotFound
	GetObject(ctx context.Context, key string) ([]byte, error)

	// PutJSON 将 v 序列化后上传
	PutJSON(ctx context.Context, key string, v any) error

	// GetJSON 下载并反序列化到 v
	GetJSON(ctx context.Context, key string, v any) error

	// PresignedURL 生成限时下载链接
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// 确保MinIO实现了ArtifactStore接口
var _ ArtifactStore = (*MinIO)(nil)

// MinIO 提供对象存储功能，所有产物放在同一个存储桶中
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
}

// NewMinIO 创建MinIO客户端，确保存储桶存在并设置过期规则
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("MinIO endpoint 不能为空")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("MinIO bucketName 不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{client: client, cfg: cfg, bucket: cfg.BucketName}

	if err := m.ensureBucketExists(ctx, cfg.Location); err != nil {
		return nil, err
	}

	if cfg.ArtifactExpireDays > 0 {
		if err := m.client.SetBucketLifecycle(ctx, m.bucket, artifactLifecycle(cfg.ArtifactExpireDays)); err != nil {
			// 生命周期规则不影响读写
			logger.Warn().Err(err).Str("bucket", m.bucket).Msg("设置MinIO生命周期规则失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", m.bucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, location string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", m.bucket, err)
	}
	logger.Info().Str("bucket", m.bucket).Msg("已创建MinIO存储桶")
	return nil
}

// artifactLifecycle 只让 sessions/ 前缀下的对象过期
func artifactLifecycle(days int) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:         "expire-session-artifacts",
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: SessionArtifactPrefix},
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(days),
			},
		},
	}
	return cfg
}

// PutObject 上传对象
func (m *MinIO) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, span := minioTracer.Start(ctx, "MinIO.PutObject")
	defer span.End()
	span.SetAttributes(
		attribute.String("minio.bucket", m.bucket),
		attribute.String("minio.key", key),
		attribute.Int("minio.size", len(data)),
	)

	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, key, err)
	}
	if m.cfg.EnableTestLogging {
		logger.Debug().Str("key", key).Str("etag", info.ETag).Int64("size", info.Size).Msg("对象上传成功")
	}
	return nil
}

// GetObject 下载对象
func (m *MinIO) GetObject(ctx context.Context, key string) ([]byte, error) {
	ctx, span := minioTracer.Start(ctx, "MinIO.GetObject")
	defer span.End()
	span.SetAttributes(attribute.String("minio.bucket", m.bucket), attribute.String("minio.key", key))

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrapReadErr(span, key, err)
	}
	defer obj.Close()

	// GetObject 是惰性的，对象不存在的错误在 Stat 时才会出现
	if _, err := obj.Stat(); err != nil {
		return nil, m.wrapReadErr(span, key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.wrapReadErr(span, key, err)
	}
	return data, nil
}

func (m *MinIO) wrapReadErr(span trace.Span, key string, err error) error {
	if isObjectNotFound(err) {
		span.SetAttributes(attribute.Bool("minio.not_found", true))
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, m.bucket, key)
	}
	tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
	return fmt.Errorf("读取对象 %s/%s 失败: %w", m.bucket, key, err)
}

// PutJSON 以 application/json 上传
func (m *MinIO) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化对象 %s 失败: %w", key, err)
	}
	return m.PutObject(ctx, key, data, constants.ContentTypeJSON)
}

// GetJSON 下载并解析 JSON 对象
func (m *MinIO) GetJSON(ctx context.Context, key string, v any) error {
	data, err := m.GetObject(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解析对象 %s 失败: %w", key, err)
	}
	return nil
}

// PresignedURL 获取预签名下载链接
func (m *MinIO) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return u.String(), nil
}

// Ping 检查存储桶是否可访问
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

func isObjectNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// SessionSnapshotKey 会话快照的对象键
func SessionSnapshotKey(sessionID string) string {
	return SessionArtifactPrefix + sessionID + "/session.json"
}

// FinalReportKey 结束后完整快照（含报告）的对象键
func FinalReportKey(sessionID string) string {
	return SessionArtifactPrefix + sessionID + "/final_report.json"
}

// QuestionAudioKey 第 n 个问题音频的对象键
func QuestionAudioKey(sessionID string, n int) string {
	return fmt.Sprintf("%s%s/audio_q%d.mp3", SessionArtifactPrefix, sessionID, n)
}
