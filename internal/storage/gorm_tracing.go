package storage

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"interview-buddy-go/internal/tracing"
)

var mysqlTracer = otel.Tracer("interview-buddy-go/storage/mysql")

type gormSpanKey struct{}

// GormTracingPlugin 为每条 GORM 语句创建一个客户端 span
type GormTracingPlugin struct {
	tracer        trace.Tracer
	dbName        string
	skipSkipHooks bool // 为 true 时不追踪 SkipHooks 会话
}

// NewGormTracingPlugin 创建追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{tracer: mysqlTracer, dbName: dbName, skipSkipHooks: true}
}

// Name 插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 在各类操作前后注册回调
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")),
		cb.Create().After("gorm:create").Register("otel:after_create", p.after),
		cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")),
		cb.Query().After("gorm:query").Register("otel:after_query", p.after),
		cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")),
		cb.Update().After("gorm:update").Register("otel:after_update", p.after),
		cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")),
		cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after),
		cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")),
		cb.Row().After("gorm:row").Register("otel:after_row", p.after),
		cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")),
		cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after),
	)
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.skipSkipHooks && db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}

		attrs := []attribute.KeyValue{
			semconv.DBSystemMySQL,
			attribute.String("db.name", p.dbName),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		}
		if stmt := db.Statement.SQL.String(); stmt != "" {
			attrs = append(attrs, attribute.String("db.statement", tracing.TruncateString(stmt, tracing.MaxPromptLength)))
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, table),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...),
		)
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

func (p *GormTracingPlugin) after(db *gorm.DB) {
	if db.Statement.Context == nil {
		return
	}
	span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	switch {
	case db.Error == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(db.Error, gorm.ErrRecordNotFound):
		// 查不到记录属于正常业务分支
		span.SetAttributes(attribute.String("error.type", "record_not_found"))
		span.SetStatus(codes.Ok, "record not found")
	default:
		tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
	}
}
