package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/lifecycle"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/orchestrator"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/remote/memory"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/store/storetest"
)

var noSleep = retry.SleeperFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })

type fixture struct {
	root   string
	store  *store.Store
	remote *memory.Client
	cfg    configs.UploadConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := configs.Defaults().Upload
	cfg.Concurrency = 2
	cfg.Retry = configs.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.PollInterval = time.Millisecond
	cfg.VisibilityDeadline = time.Second
	cfg.BatchCooldown = time.Millisecond
	cfg.RetryPasses = 1

	return &fixture{
		root:   t.TempDir(),
		store:  storetest.New(t),
		remote: memory.New(),
		cfg:    cfg,
	}
}

// file 写入本地文件并登记为可上传的 Untracked 记录.
func (f *fixture) file(t *testing.T, path string) {
	t.Helper()

	full := filepath.Join(f.root, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("content of "+path), 0o644))

	storetest.Seed(t, f.store, model.FileRecord{Path: path, Eligible: true})
}

func (f *fixture) orchestrator() *orchestrator.Orchestrator {
	m := lifecycle.NewMachine(f.store, lifecycle.WithRetryOptions(retry.WithSleeper(noSleep)))

	return orchestrator.New(m, f.remote, orchestrator.DirSource{Root: f.root}, f.cfg,
		orchestrator.WithSleeper(noSleep),
		orchestrator.WithRetryOptions(retry.WithSleeper(noSleep)),
	)
}

func (f *fixture) get(t *testing.T, path string) model.FileRecord {
	t.Helper()

	rec, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, rec.CheckInvariants())

	return rec
}

func TestRunIndexesBatchWithBoundedConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t)
	f.cfg.Concurrency = 3

	const files = 10
	for i := range files {
		f.file(t, fmt.Sprintf("docs/%02d.md", i))
	}

	var cur, peak atomic.Int64

	f.remote.SetHook(func(_ context.Context, op remote.Op, _ int) error {
		if op != remote.OpUploadTransient {
			return nil
		}

		n := cur.Add(1)
		defer cur.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		return nil
	})

	sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.Summary{Selected: files, Indexed: files}, sum)
	assert.LessOrEqual(t, peak.Load(), int64(3))

	for i := range files {
		rec := f.get(t, fmt.Sprintf("docs/%02d.md", i))
		assert.Equal(t, model.Indexed, rec.LifecycleState)
		assert.True(t, f.remote.HasPermanent(rec.PermanentID()))
	}

	assert.Equal(t, files, f.remote.Calls(remote.OpUploadTransient))
	assert.Equal(t, files, f.remote.Calls(remote.OpImportPermanent))
}

func TestRunSkipsIneligibleAndRespectsLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.file(t, "a.md")
	f.file(t, "b.md")
	storetest.Seed(t, f.store, model.FileRecord{Path: "hidden.md", Eligible: false})

	sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Selected)
	assert.Equal(t, 1, sum.Indexed)

	sum, err = f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Selected)

	assert.Equal(t, model.Untracked, f.get(t, "hidden.md").LifecycleState)

	sum, err = f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Summary{}, sum)
}

func TestRateLimitIsRetriedInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Retry = configs.RetryConfig{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	f.file(t, "a.md")

	var (
		mu     sync.Mutex
		delays []time.Duration
	)

	record := retry.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()

		return ctx.Err()
	})

	limited := remote.NewError(remote.OpUploadTransient, remote.KindRateLimited, errors.New("429"))
	f.remote.FailNext(remote.OpUploadTransient, limited, limited)

	var states []model.LifecycleState

	f.remote.SetHook(func(_ context.Context, op remote.Op, _ int) error {
		if op == remote.OpUploadTransient {
			if rec, err := f.store.Get(context.Background(), "a.md"); err == nil {
				states = append(states, rec.LifecycleState)
			}
		}

		return nil
	})

	m := lifecycle.NewMachine(f.store, lifecycle.WithRetryOptions(retry.WithSleeper(noSleep)))
	o := orchestrator.New(m, f.remote, orchestrator.DirSource{Root: f.root}, f.cfg,
		orchestrator.WithSleeper(noSleep),
		orchestrator.WithRetryOptions(
			retry.WithSleeper(record),
			retry.WithJitter(func(n int64) int64 { return n - 1 }),
		),
	)

	sum, err := o.Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Indexed)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 3, f.remote.Calls(remote.OpUploadTransient))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays, "exactly two backoffs, exponential")
	assert.Equal(t, []model.LifecycleState{model.Uploading, model.Uploading, model.Uploading}, states, "no state change while rate limited")
	assert.Equal(t, model.Indexed, f.get(t, "a.md").LifecycleState)
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.file(t, "a.md")

	f.remote.FailNext(remote.OpImportPermanent, remote.NewError(remote.OpImportPermanent, remote.KindPermanent, errors.New("quota exceeded")))

	sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	rec := f.get(t, "a.md")
	assert.Equal(t, model.Failed, rec.LifecycleState)
	assert.Contains(t, rec.FailureReason, "quota exceeded")
	assert.Nil(t, rec.TransientResourceID)

	assert.Equal(t, 1, f.remote.Calls(remote.OpImportPermanent))
	assert.False(t, f.remote.HasTransient("tr-000001"), "transient resource is discarded on failure")
}

func TestTransientExhaustionGetsRetryPass(t *testing.T) {
	ctx := context.Background()

	flaky := remote.NewError(remote.OpUploadTransient, remote.KindTransient, errors.New("connection reset"))

	t.Run("recovers in retry pass", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "a.md")
		f.remote.FailNext(remote.OpUploadTransient, flaky, flaky, flaky)

		sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
		require.NoError(t, err)

		assert.Equal(t, orchestrator.Summary{Selected: 1, Indexed: 1}, sum)
		assert.Equal(t, 4, f.remote.Calls(remote.OpUploadTransient))
	})

	t.Run("fails after retry passes", func(t *testing.T) {
		f := newFixture(t)
		f.file(t, "a.md")
		f.remote.FailNext(remote.OpUploadTransient, flaky, flaky, flaky, flaky, flaky, flaky)

		sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
		require.NoError(t, err)

		assert.Equal(t, orchestrator.Summary{Selected: 1, Failed: 1}, sum)
		assert.Equal(t, 6, f.remote.Calls(remote.OpUploadTransient))

		rec := f.get(t, "a.md")
		assert.Equal(t, model.Failed, rec.LifecycleState)
		assert.Contains(t, rec.FailureReason, "connection reset")
	})
}

func TestRunResumesInterruptedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.file(t, "up.md")
	f.file(t, "proc.md")

	up := f.get(t, "up.md")
	_, err := lifecycle.NewMachine(f.store).BeginUpload(ctx, up)
	require.NoError(t, err)

	tr := "tr-proc"
	f.remote.PutTransient(tr, []byte("proc"))
	storetest.Seed(t, f.store, model.FileRecord{Path: "proc.md", Eligible: true, LifecycleState: model.Processing, TransientResourceID: &tr})

	sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Indexed)

	assert.Equal(t, 1, f.remote.Calls(remote.OpUploadTransient), "processing record is not uploaded again")
	assert.Equal(t, 2, f.remote.Calls(remote.OpImportPermanent))

	rec := f.get(t, "proc.md")
	assert.Equal(t, model.Indexed, rec.LifecycleState)
	assert.Equal(t, tr, rec.TransientID())
}

func TestRunWaitsForVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.file(t, "a.md")
	f.remote.SetVisibilityLag(3)

	sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Indexed)
	assert.Equal(t, 4, f.remote.Calls(remote.OpStatPermanent))
}

func TestMissingLocalFileIsMarked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	storetest.Seed(t, f.store, model.FileRecord{Path: "gone.md", Eligible: true})

	sum, err := f.orchestrator().Run(ctx, nil, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, f.remote.TotalCalls())

	rec := f.get(t, "gone.md")
	assert.True(t, rec.Missing)
	assert.NotEqual(t, model.Failed, rec.LifecycleState)
}

func TestStopAcceptingFinishesInFlight(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t)
	f.cfg.Concurrency = 1

	for _, p := range []string{"a.md", "b.md", "c.md"} {
		f.file(t, p)
	}

	sd := orchestrator.NewShutdown()

	f.remote.SetHook(func(_ context.Context, op remote.Op, call int) error {
		if op == remote.OpUploadTransient && call == 1 {
			sd.StopAccepting()
		}

		return nil
	})

	sum, err := f.orchestrator().Run(ctx, sd, orchestrator.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.Summary{Selected: 3, Indexed: 1, Pending: 2}, sum)
	assert.Equal(t, 1, f.remote.Calls(remote.OpUploadTransient))

	counts, err := f.store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.Indexed])
	assert.Zero(t, counts[model.Failed])
}

func TestTerminateCancelsWithoutCommitting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t)
	f.file(t, "a.md")

	sd := orchestrator.NewShutdown()

	f.remote.SetHook(func(ctx context.Context, op remote.Op, _ int) error {
		if op != remote.OpImportPermanent {
			return nil
		}

		sd.Terminate()
		<-ctx.Done()

		return ctx.Err()
	})

	sum, err := f.orchestrator().Run(ctx, sd, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Summary{Selected: 1, Pending: 1}, sum)

	rec := f.get(t, "a.md")
	assert.Equal(t, model.Processing, rec.LifecycleState, "cancelled import leaves the record for the next run")
	assert.Empty(t, rec.FailureReason)
}

func TestConcurrencyIsAdjustable(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	assert.Equal(t, 2, o.Concurrency())

	var wg sync.WaitGroup
	for n := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			o.SetConcurrency(n)
		}()
	}

	wg.Wait()

	o.SetConcurrency(0)
	assert.Equal(t, 1, o.Concurrency())

	o.SetConcurrency(16)
	assert.Equal(t, 16, o.Concurrency())
}
