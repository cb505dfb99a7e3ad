// Package context 拓展上下文功能，将存储资源与日志集成到上下文中，方便在请求处理各处传递和使用.
package context

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/yeisme/indexsync/pkg/internal/storage"
	dbc "github.com/yeisme/indexsync/pkg/internal/storage/db"
	"github.com/yeisme/indexsync/pkg/internal/storage/kv"
	mqc "github.com/yeisme/indexsync/pkg/internal/storage/mq"
	s3c "github.com/yeisme/indexsync/pkg/internal/storage/s3"
	"github.com/yeisme/indexsync/pkg/internal/store"
)

type ContextKey string

const (
	StorageManagerKey ContextKey = "storageManager"
)

// WithStorageManager 将 Manager 存储到 context 中.
func WithStorageManager(ctx context.Context, mgr *storage.Manager) context.Context {
	return context.WithValue(ctx, StorageManagerKey, mgr)
}

// GetManager 从 context 中获取 Manager.
func GetManager(ctx context.Context) *storage.Manager {
	if mgr, ok := ctx.Value(StorageManagerKey).(*storage.Manager); ok {
		return mgr
	}

	return nil
}

// GetDBClient 从 context 中获取 DB 客户端.
func GetDBClient(ctx context.Context) *dbc.Client {
	if mgr := GetManager(ctx); mgr != nil {
		return mgr.GetDBClient()
	}

	return nil
}

// GetStore 基于 context 中的 DB 客户端返回状态库，未初始化时为 nil.
func GetStore(ctx context.Context) *store.Store {
	if c := GetDBClient(ctx); c != nil && c.DB != nil {
		return store.New(c.GetDB())
	}

	return nil
}

// GetS3Client 从 context 中获取 S3 客户端.
func GetS3Client(ctx context.Context) *s3c.Client {
	if mgr := GetManager(ctx); mgr != nil {
		return mgr.GetS3Client()
	}

	return nil
}

// GetMQClient 从 context 中获取 MQ 客户端.
func GetMQClient(ctx context.Context) *mqc.Client {
	if mgr := GetManager(ctx); mgr != nil {
		return mgr.GetMQClient()
	}

	return nil
}

// GetLocker 从 context 中获取建议锁.
func GetLocker(ctx context.Context) kv.Locker {
	if mgr := GetManager(ctx); mgr != nil {
		return mgr.GetLocker()
	}

	return nil
}

// WithTraceContext 创建带有追踪上下文的logger. span 结束后仍可使用.
func WithTraceContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		return logger.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}

	return logger
}
