// Package storage 聚合应用依赖的外部资源：状态库、对象存储、消息队列与建议锁.
//
// Example:
//
// 初始化
//
//	ctx := context.Background()
//	mgr, err := storage.New(ctx, configs.GetConfig())
//	if err != nil {
//	    // 处理错误
//	}
//	defer mgr.Close()
//
// 获取客户端
//
//	dbClient := mgr.GetDBClient()
//	s3Client := mgr.GetS3Client() // remote.type=memory 时为 nil
package storage

import (
	"context"
	"errors"

	"github.com/yeisme/indexsync/pkg/configs"
	dbc "github.com/yeisme/indexsync/pkg/internal/storage/db"
	"github.com/yeisme/indexsync/pkg/internal/storage/kv"
	mqc "github.com/yeisme/indexsync/pkg/internal/storage/mq"
	s3c "github.com/yeisme/indexsync/pkg/internal/storage/s3"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
)

// Manager 聚合所有存储资源.
type Manager struct {
	DB *dbc.Client
	S3 *s3c.Client
	MQ *mqc.Client
	KV kv.Locker
}

// New 按配置初始化全部资源. 任何一项失败都会关闭已打开的资源并返回错误.
func New(ctx context.Context, cfg *configs.AppConfig) (m *Manager, err error) {
	m = &Manager{}

	defer func() {
		if err != nil {
			_ = m.Close()
			m = nil
		}
	}()

	// DB
	if m.DB, err = dbc.New(ctx, cfg.DB, cfg.Metrics.Enabled); err != nil {
		return m, err
	}

	// S3，只有真实远端需要
	if cfg.Remote.Type == configs.RemoteTypeS3 {
		if m.S3, err = s3c.New(ctx, cfg.Remote.S3); err != nil {
			return m, err
		}
	}

	// MQ
	var mqOpts []mqc.Option
	if cfg.Metrics.Enabled {
		mqOpts = append(mqOpts, mqc.WithMetrics(metrics.GetRegistry()))
	}

	if m.MQ, err = mqc.New(ctx, cfg.MQ, mqOpts...); err != nil {
		return m, err
	}

	// KV，只在启用建议锁时连接
	if cfg.Upload.AdvisoryLock {
		if m.KV, err = kv.New(ctx, cfg.KV); err != nil {
			return m, err
		}
	}

	nlog.Logger().Debug().
		Str("db", string(cfg.DB.Type)).
		Str("remote", string(cfg.Remote.Type)).
		Bool("mq", m.MQ.Enabled()).
		Bool("kv", m.KV != nil).
		Msg("storage manager initialized")

	return m, nil
}

// GetDBClient 获取 DB 客户端.
func (m *Manager) GetDBClient() *dbc.Client {
	return m.DB
}

// GetS3Client 获取 S3 客户端，未使用 S3 远端时为 nil.
func (m *Manager) GetS3Client() *s3c.Client {
	return m.S3
}

// GetMQClient 获取 MQ 客户端.
func (m *Manager) GetMQClient() *mqc.Client {
	return m.MQ
}

// GetLocker 获取建议锁，未启用时为 nil.
func (m *Manager) GetLocker() kv.Locker {
	return m.KV
}

// Close 按打开的逆序关闭资源.
func (m *Manager) Close() error {
	var errs []error

	if m.KV != nil {
		errs = append(errs, m.KV.Close())
	}

	if m.MQ != nil {
		errs = append(errs, m.MQ.Close())
	}

	if m.S3 != nil {
		errs = append(errs, m.S3.Close())
	}

	if m.DB != nil {
		errs = append(errs, m.DB.Close())
	}

	return errors.Join(errs...)
}
