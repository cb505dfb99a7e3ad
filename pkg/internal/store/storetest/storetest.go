// Package storetest 为测试提供基于临时 SQLite 文件的 Store.
package storetest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/storage/db"
	"github.com/yeisme/indexsync/pkg/internal/store"
)

// New 打开一个已迁移的临时状态库，测试结束时关闭.
func New(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()

	return store.New(Client(t).GetDB(), opts...)
}

// Client 打开一个已迁移的临时数据库连接，供需要 *db.Client 的测试使用.
func Client(t testing.TB) *db.Client {
	t.Helper()

	cfg := configs.Defaults().DB
	cfg.Type = configs.SQLite
	cfg.Database = filepath.Join(t.TempDir(), "state")
	cfg.LogLevel = "silent"

	client, err := db.New(context.Background(), cfg, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, store.New(client.GetDB()).Migrate(context.Background()))

	return client
}

// Clock 可手动推进的测试时钟.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock 从固定时刻开始的时钟.
func NewClock() *Clock {
	return &Clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now 返回当前时刻并前进一秒，保证意图开始时间严格递增.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(time.Second)
	return c.t
}

// Seed 直接写入记录（绕过状态机），用于构造任意起始状态.
func Seed(t testing.TB, s *store.Store, rec model.FileRecord) model.FileRecord {
	t.Helper()

	ctx := context.Background()

	_, err := s.Track(ctx, rec.Path, rec.ContentID)
	require.NoError(t, err)

	require.NoError(t, s.SetEligibility(ctx, rec.Path, rec.Eligible, &rec.Metadata))

	cur, err := s.Get(ctx, rec.Path)
	require.NoError(t, err)

	if rec.LifecycleState == model.Untracked {
		return cur
	}

	walk := map[model.LifecycleState][]step{
		model.Uploading:  {toUploading},
		model.Processing: {toUploading, toProcessing(rec)},
		model.Indexed:    {toUploading, toProcessing(rec), toIndexed(rec)},
		model.Failed:     {toUploading, toFailed(rec)},
	}

	for _, fn := range walk[rec.LifecycleState] {
		require.NoError(t, s.Transition(ctx, fn(cur)))

		cur, err = s.Get(ctx, rec.Path)
		require.NoError(t, err)
	}

	return cur
}

type step func(cur model.FileRecord) store.Transition

func toUploading(cur model.FileRecord) store.Transition {
	return store.Transition{Path: cur.Path, ExpectedVersion: cur.Version, From: model.Untracked, To: model.Uploading}
}

func toProcessing(rec model.FileRecord) step {
	return func(cur model.FileRecord) store.Transition {
		id := rec.TransientID()
		if id == "" {
			id = "transient/" + rec.Path
		}

		return store.Transition{
			Path: cur.Path, ExpectedVersion: cur.Version, From: model.Uploading, To: model.Processing,
			Set: store.Fields{TransientResourceID: &id},
		}
	}
}

func toIndexed(rec model.FileRecord) step {
	return func(cur model.FileRecord) store.Transition {
		id := rec.PermanentID()
		if id == "" {
			id = "permanent/" + rec.Path
		}

		return store.Transition{
			Path: cur.Path, ExpectedVersion: cur.Version, From: model.Processing, To: model.Indexed,
			Set: store.Fields{PermanentResourceID: &id},
		}
	}
}

func toFailed(rec model.FileRecord) step {
	return func(cur model.FileRecord) store.Transition {
		reason := rec.FailureReason
		if reason == "" {
			reason = "seeded failure"
		}

		return store.Transition{
			Path: cur.Path, ExpectedVersion: cur.Version, From: model.Uploading, To: model.Failed,
			Set: store.Fields{FailureReason: &reason, ClearResourceIDs: true},
		}
	}
}
