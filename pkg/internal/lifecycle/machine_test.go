package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/lifecycle"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/storage/kv"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/store/storetest"
	"github.com/yeisme/indexsync/pkg/queue"
)

func strp(s string) *string { return &s }

var noSleep = retry.WithSleeper(retry.SleeperFunc(func(context.Context, time.Duration) error { return nil }))

func TestCanTransition(t *testing.T) {
	allowed := [][2]model.LifecycleState{
		{model.Untracked, model.Uploading},
		{model.Uploading, model.Processing},
		{model.Processing, model.Indexed},
		{model.Uploading, model.Failed},
		{model.Processing, model.Failed},
		{model.Indexed, model.Untracked},
		{model.Failed, model.Untracked},
	}

	count := 0
	for _, from := range model.AllStates() {
		for _, to := range model.AllStates() {
			if lifecycle.CanTransition(from, to) {
				count++
			}
		}
	}

	assert.Equal(t, len(allowed), count)

	for _, e := range allowed {
		assert.True(t, lifecycle.CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	assert.False(t, lifecycle.CanTransition(model.Untracked, model.Indexed))
	assert.False(t, lifecycle.CanTransition(model.Failed, model.Uploading))
	assert.False(t, lifecycle.CanTransition(model.Indexed, model.Failed))
}

func TestHappyPathPublishesEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, watermill.NopLogger{})
	defer ps.Close()

	indexed, err := ps.Subscribe(ctx, queue.TopicFileIndexed)
	require.NoError(t, err)

	s := storetest.New(t)
	m := lifecycle.NewMachine(s, lifecycle.WithEvents(queue.NewPublisher(ps, "test")))

	rec := storetest.Seed(t, s, model.FileRecord{Path: "a.md", ContentID: "c", Eligible: true})

	rec, err = m.BeginUpload(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, model.Uploading, rec.LifecycleState)
	assert.EqualValues(t, 1, rec.Version)

	rec, err = m.MarkProcessing(ctx, rec, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, "tr-1", rec.TransientID())

	rec, err = m.MarkIndexed(ctx, rec, "doc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Version)

	stored, err := s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Indexed, stored.LifecycleState)
	assert.Equal(t, rec.Version, stored.Version)
	assert.Equal(t, "tr-1", stored.TransientID())
	assert.Equal(t, "doc-1", stored.PermanentID())
	require.NoError(t, stored.CheckInvariants())

	select {
	case msg := <-indexed:
		env, err := queue.ParseTransition(msg)
		require.NoError(t, err)
		assert.Equal(t, "processing", env.Payload.From)
		assert.Equal(t, "doc-1", env.Payload.PermanentResourceID)
		assert.EqualValues(t, 3, env.Payload.Version)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("indexed event not published")
	}
}

func TestTransitionOutsideTableIsRejected(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	m := lifecycle.NewMachine(s)

	rec := storetest.Seed(t, s, model.FileRecord{Path: "a.md", LifecycleState: model.Indexed})

	_, err := m.BeginUpload(ctx, rec)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = m.MarkFailed(ctx, rec, "nope")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestConflictRereadsAndAbandons(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	m := lifecycle.NewMachine(s, lifecycle.WithRetryOptions(noSleep))

	snapshot := storetest.Seed(t, s, model.FileRecord{Path: "a.md"})

	_, err := m.BeginUpload(ctx, snapshot)
	require.NoError(t, err)

	// 第二个 worker 持有同一快照，重新读取后发现已经在上传中
	_, err = m.BeginUpload(ctx, snapshot)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	rec, err := s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Version)
}

func TestConflictRetriesWithFreshVersion(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	m := lifecycle.NewMachine(s, lifecycle.WithRetryOptions(noSleep))

	stale := storetest.Seed(t, s, model.FileRecord{Path: "a.md"})
	cycle(t, s, "a.md")

	rec, err := m.BeginUpload(ctx, stale)
	require.NoError(t, err)
	assert.EqualValues(t, 4, rec.Version)
}

func TestContentionBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	m := lifecycle.NewMachine(s,
		lifecycle.WithOCCPolicy(retry.Policy{MaxAttempts: 1}),
		lifecycle.WithRetryOptions(noSleep),
	)

	stale := storetest.Seed(t, s, model.FileRecord{Path: "a.md"})
	cycle(t, s, "a.md")

	_, err := m.BeginUpload(ctx, stale)
	require.ErrorIs(t, err, lifecycle.ErrContentionExceeded)
	assert.NotErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

// cycle 让记录绕一圈回到 Untracked，状态不变但版本前进 3.
func cycle(t *testing.T, s *store.Store, path string) {
	t.Helper()

	ctx := context.Background()

	cur, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, store.Transition{Path: path, ExpectedVersion: cur.Version, From: model.Untracked, To: model.Uploading}))
	require.NoError(t, s.Transition(ctx, store.Transition{
		Path: path, ExpectedVersion: cur.Version + 1, From: model.Uploading, To: model.Failed,
		Set: store.Fields{FailureReason: strp("x"), ClearResourceIDs: true},
	}))
	require.NoError(t, s.EscapeFailed(ctx, path, cur.Version+2))
}

func TestMarkFailedClearsIDs(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	m := lifecycle.NewMachine(s)

	rec := storetest.Seed(t, s, model.FileRecord{Path: "a.md", LifecycleState: model.Processing})
	require.NotEmpty(t, rec.TransientID())

	rec, err := m.MarkFailed(ctx, rec, "quota exceeded")
	require.NoError(t, err)

	stored, err := s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Failed, stored.LifecycleState)
	assert.Nil(t, stored.TransientResourceID)
	assert.Equal(t, "quota exceeded", stored.FailureReason)
	assert.Equal(t, rec.Version, stored.Version)
	require.NoError(t, stored.CheckInvariants())
}

func TestEscapeFailed(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	m := lifecycle.NewMachine(s)

	storetest.Seed(t, s, model.FileRecord{Path: "failed.md", LifecycleState: model.Failed})
	storetest.Seed(t, s, model.FileRecord{Path: "indexed.md", LifecycleState: model.Indexed})

	rec, escaped, err := m.EscapeFailed(ctx, "failed.md")
	require.NoError(t, err)
	assert.True(t, escaped)
	assert.Equal(t, model.Untracked, rec.LifecycleState)
	assert.Empty(t, rec.FailureReason)

	before, err := s.Get(ctx, "indexed.md")
	require.NoError(t, err)

	_, escaped, err = m.EscapeFailed(ctx, "indexed.md")
	require.NoError(t, err)
	assert.False(t, escaped)

	after, err := s.Get(ctx, "indexed.md")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, model.Indexed, after.LifecycleState)

	_, _, err = m.EscapeFailed(ctx, "missing.md")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	locker, err := kv.New(ctx, configs.KVConfig{Type: configs.KVTypeMemory})
	require.NoError(t, err)

	m := lifecycle.NewMachine(s, lifecycle.WithLocker(locker, time.Minute))

	release, err := m.Lock(ctx, "a.md")
	require.NoError(t, err)

	_, err = m.Lock(ctx, "a.md")
	require.ErrorIs(t, err, kv.ErrLocked)

	release()

	release, err = m.Lock(ctx, "a.md")
	require.NoError(t, err)
	release()

	unlocked := lifecycle.NewMachine(s)
	release, err = unlocked.Lock(ctx, "a.md")
	require.NoError(t, err)
	release()
}

func TestResetWithoutManager(t *testing.T) {
	m := lifecycle.NewMachine(storetest.New(t))
	_, err := m.Reset(context.Background(), "a.md")
	require.ErrorIs(t, err, lifecycle.ErrNoResetManager)
}
