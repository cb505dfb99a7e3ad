package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/internal/lifecycle"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/remote/memory"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/store/storetest"
	"github.com/yeisme/indexsync/pkg/queue"
)

var errCrash = errors.New("simulated crash")

type fixture struct {
	store  *store.Store
	remote *memory.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return &fixture{
		store:  storetest.New(t, store.WithClock(storetest.NewClock().Now)),
		remote: memory.New(),
	}
}

// indexed 写入一条 Indexed 记录，远端同时存在对应的临时资源与永久文档.
func (f *fixture) indexed(t *testing.T, path string) model.FileRecord {
	t.Helper()

	tr, doc := "tr-"+path, "doc-"+path
	f.remote.PutTransient(tr, []byte(path))
	f.remote.PutPermanent(doc, path)

	return storetest.Seed(t, f.store, model.FileRecord{
		Path:                path,
		LifecycleState:      model.Indexed,
		TransientResourceID: &tr,
		PermanentResourceID: &doc,
	})
}

func (f *fixture) resets(opts ...lifecycle.ResetOption) *lifecycle.ResetManager {
	return lifecycle.NewResetManager(f.store, f.remote, append([]lifecycle.ResetOption{lifecycle.WithResetRetryOptions(noSleep)}, opts...)...)
}

func TestResetCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	defer ps.Close()

	events, err := ps.Subscribe(ctx, queue.TopicFileReset)
	require.NoError(t, err)

	f := newFixture(t)
	seeded := f.indexed(t, "a.md")

	m := lifecycle.NewMachine(f.store, lifecycle.WithResetManager(f.resets(lifecycle.WithResetEvents(queue.NewPublisher(ps, "test")))))

	rec, err := m.Reset(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Untracked, rec.LifecycleState)

	stored, err := f.store.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Untracked, stored.LifecycleState)
	assert.Equal(t, seeded.Version+1, stored.Version, "only finalize bumps the version")
	assert.False(t, stored.HasIntent())
	assert.Nil(t, stored.TransientResourceID)
	assert.Nil(t, stored.PermanentResourceID)
	require.NoError(t, stored.CheckInvariants())

	assert.False(t, f.remote.HasPermanent("doc-a.md"))
	assert.False(t, f.remote.HasTransient("tr-a.md"))
	assert.Equal(t, 1, f.remote.Calls(remote.OpDeletePermanent))
	assert.Equal(t, 1, f.remote.Calls(remote.OpDeleteTransient))

	select {
	case msg := <-events:
		env, err := queue.ParseTransition(msg)
		require.NoError(t, err)
		assert.Equal(t, "indexed", env.Payload.From)
		assert.Equal(t, "untracked", env.Payload.To)
		assert.Equal(t, stored.Version, env.Payload.Version)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("reset event not published")
	}
}

func TestResetRetriesRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.indexed(t, "a.md")

	f.remote.FailNext(remote.OpDeletePermanent,
		remote.NewError(remote.OpDeletePermanent, remote.KindRateLimited, errors.New("slow down")),
		remote.NewError(remote.OpDeletePermanent, remote.KindTransient, errors.New("503")),
	)

	_, err := f.resets().Reset(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, 3, f.remote.Calls(remote.OpDeletePermanent))
}

func TestResetPermanentErrorLeavesIntentOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seeded := f.indexed(t, "a.md")

	f.remote.FailNext(remote.OpDeleteTransient, remote.NewError(remote.OpDeleteTransient, remote.KindPermanent, errors.New("denied")))

	_, err := f.resets().Reset(ctx, "a.md")
	require.ErrorIs(t, err, remote.ErrPermanent)

	stored, err := f.store.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Indexed, stored.LifecycleState)
	assert.Equal(t, seeded.Version, stored.Version)
	assert.Equal(t, model.IntentReset, stored.IntentKind)
	assert.Equal(t, 1, stored.Steps())
	require.NoError(t, stored.CheckInvariants())
}

func TestResetRejectsNonIndexed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	storetest.Seed(t, f.store, model.FileRecord{Path: "a.md", LifecycleState: model.Processing})

	_, err := f.resets().Reset(ctx, "a.md")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	assert.Zero(t, f.remote.TotalCalls())
}

func TestResetRejectsOpenIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seeded := f.indexed(t, "a.md")

	require.NoError(t, f.store.WriteResetIntent(ctx, "a.md", seeded.Version, f.store.Now()))

	_, err := f.resets().Reset(ctx, "a.md")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestCrashPointsRecover(t *testing.T) {
	cases := []struct {
		at        lifecycle.Point
		steps     int
		recovered int
	}{
		{lifecycle.AfterIntent, 0, 2},
		{lifecycle.AfterPermanentDelete, 0, 2},
		{lifecycle.AfterStep1, 1, 1},
		{lifecycle.AfterTransientDelete, 1, 1},
		{lifecycle.AfterStep2, 2, 0},
	}

	for _, tc := range cases {
		t.Run(tc.at.String(), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			seeded := f.indexed(t, "a.md")

			crashing := f.resets(lifecycle.WithStepHook(func(_ context.Context, _ string, at lifecycle.Point) error {
				if at == tc.at {
					return errCrash
				}

				return nil
			}))

			_, err := crashing.Reset(ctx, "a.md")
			require.ErrorIs(t, err, errCrash)

			open, err := f.store.Get(ctx, "a.md")
			require.NoError(t, err)
			require.NoError(t, open.CheckInvariants())
			assert.Equal(t, model.Indexed, open.LifecycleState)
			assert.Equal(t, model.IntentReset, open.IntentKind)
			assert.Equal(t, tc.steps, open.Steps())
			assert.Equal(t, seeded.Version, open.Version)

			f.remote.ResetCalls()

			report, err := lifecycle.NewCrawler(f.store, f.resets()).Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Resumed)
			assert.Equal(t, tc.recovered, report.RemoteCalls)
			assert.Equal(t, tc.recovered, f.remote.TotalCalls())

			done, err := f.store.Get(ctx, "a.md")
			require.NoError(t, err)
			require.NoError(t, done.CheckInvariants())
			assert.Equal(t, model.Untracked, done.LifecycleState)
			assert.Equal(t, seeded.Version+1, done.Version)
			assert.False(t, f.remote.HasPermanent("doc-a.md"))
			assert.False(t, f.remote.HasTransient("tr-a.md"))

			// 再跑一次没有任何事可做
			report, err = lifecycle.NewCrawler(f.store, f.resets()).Run(ctx)
			require.NoError(t, err)
			assert.Zero(t, report.Found)
		})
	}
}

func TestCrawlerStopsAtFirstErrorWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, p := range []string{"a.md", "b.md"} {
		rec := f.indexed(t, p)
		require.NoError(t, f.store.WriteResetIntent(ctx, p, rec.Version, f.store.Now()))
	}

	f.remote.FailNext(remote.OpDeletePermanent, remote.NewError(remote.OpDeletePermanent, remote.KindTransient, errors.New("timeout")))

	report, err := lifecycle.NewCrawler(f.store, f.resets()).Run(ctx)

	var rerr *lifecycle.RecoveryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "a.md", rerr.Path)
	assert.Equal(t, 0, rerr.Steps)
	require.ErrorIs(t, err, remote.ErrTransient)

	assert.Equal(t, 2, report.Found)
	assert.Zero(t, report.Resumed)
	assert.Equal(t, 1, f.remote.Calls(remote.OpDeletePermanent), "crawler never retries")

	b, err := f.store.Get(ctx, "b.md")
	require.NoError(t, err)
	assert.True(t, b.HasIntent(), "crawl stops before later intents")
}

func TestCrawlerResumesInStartOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, p := range []string{"z.md", "a.md", "m.md"} {
		rec := f.indexed(t, p)
		require.NoError(t, f.store.WriteResetIntent(ctx, p, rec.Version, f.store.Now()))
	}

	report, err := lifecycle.NewCrawler(f.store, f.resets()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z.md", "a.md", "m.md"}, report.Paths)
	assert.Equal(t, 6, report.RemoteCalls)

	counts, err := f.store.CountByState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[model.Untracked])
}

func TestResumeRequiresIntent(t *testing.T) {
	f := newFixture(t)
	rec := f.indexed(t, "a.md")

	_, _, err := f.resets().Resume(context.Background(), rec)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}
