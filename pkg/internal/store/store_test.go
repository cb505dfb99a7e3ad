package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/store/storetest"
)

func strp(s string) *string { return &s }

func TestTrackCreatesUntrackedAtVersionZero(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	res, err := s.Track(ctx, "docs/a.md", "c1")
	require.NoError(t, err)
	assert.True(t, res.Created)

	rec, err := s.Get(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Untracked, rec.LifecycleState)
	assert.Equal(t, int64(0), rec.Version)
	assert.Equal(t, "c1", rec.ContentID)
	assert.NoError(t, rec.CheckInvariants())

	res, err = s.Track(ctx, "docs/a.md", "c1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.ContentChanged)

	require.NoError(t, s.MarkMissing(ctx, "docs/a.md"))

	res, err = s.Track(ctx, "docs/a.md", "c2")
	require.NoError(t, err)
	assert.True(t, res.ContentChanged)

	rec, err = s.Get(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.False(t, rec.Missing)
	assert.Equal(t, "c2", rec.ContentID)
	assert.Equal(t, int64(0), rec.Version, "scanner input never bumps the version")
}

func TestGetAndFlagsOnUnknownPath(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.MarkMissing(ctx, "nope"), store.ErrNotFound)
	assert.ErrorIs(t, s.SetEligibility(ctx, "nope", true, nil), store.ErrNotFound)
}

func TestSetEligibilityKeepsMetadataWhenNil(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	_, err := s.Track(ctx, "a.md", "c")
	require.NoError(t, err)
	require.NoError(t, s.SetEligibility(ctx, "a.md", true, strp(`{"tags":["x"]}`)))
	require.NoError(t, s.SetEligibility(ctx, "a.md", true, nil))

	rec, err := s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.True(t, rec.Eligible)
	assert.Equal(t, `{"tags":["x"]}`, rec.Metadata)
	assert.Equal(t, int64(0), rec.Version)
}

func TestTransitionBumpsVersionAndChecksGuard(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	rec := storetest.Seed(t, s, model.FileRecord{Path: "a.md"})

	err := s.Transition(ctx, store.Transition{Path: "a.md", ExpectedVersion: rec.Version, From: model.Untracked, To: model.Uploading})
	require.NoError(t, err)

	// 旧版本
	err = s.Transition(ctx, store.Transition{Path: "a.md", ExpectedVersion: rec.Version, From: model.Uploading, To: model.Processing})
	assert.ErrorIs(t, err, store.ErrConflict)

	// 错误的起始状态
	err = s.Transition(ctx, store.Transition{Path: "a.md", ExpectedVersion: rec.Version + 1, From: model.Untracked, To: model.Uploading})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Uploading, got.LifecycleState)
	assert.Equal(t, rec.Version+1, got.Version)
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	rec := storetest.Seed(t, s, model.FileRecord{Path: "race.md"})

	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.Transition(ctx, store.Transition{
				Path: "race.md", ExpectedVersion: rec.Version, From: model.Untracked, To: model.Uploading,
			})

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, err := s.Get(ctx, "race.md")
	require.NoError(t, err)
	assert.Equal(t, rec.Version+1, got.Version)
}

func TestResetIntentProtocol(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := storetest.New(t, store.WithClock(clock.Now))

	rec := storetest.Seed(t, s, model.FileRecord{Path: "a.md", LifecycleState: model.Indexed})
	require.NoError(t, rec.CheckInvariants())

	// 意图只能写在 Indexed 且版本匹配的记录上
	assert.ErrorIs(t, s.WriteResetIntent(ctx, "a.md", rec.Version-1, clock.Now()), store.ErrConflict)
	require.NoError(t, s.WriteResetIntent(ctx, "a.md", rec.Version, clock.Now()))
	assert.ErrorIs(t, s.WriteResetIntent(ctx, "a.md", rec.Version, clock.Now()), store.ErrConflict, "one intent at a time")

	got, err := s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, got.Version, "intent write does not bump version")
	assert.Equal(t, model.IntentReset, got.IntentKind)
	require.NotNil(t, got.IntentStepsCompleted)
	assert.Equal(t, 0, *got.IntentStepsCompleted)
	require.NoError(t, got.CheckInvariants())

	// 意图打开时普通迁移被拒绝
	err = s.Transition(ctx, store.Transition{Path: "a.md", ExpectedVersion: rec.Version, From: model.Indexed, To: model.Untracked})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.RecordIntentProgress(ctx, "a.md", 1))
	require.NoError(t, s.RecordIntentProgress(ctx, "a.md", 1), "rewriting the same progress is harmless")
	require.NoError(t, s.RecordIntentProgress(ctx, "a.md", 2))
	assert.Error(t, s.RecordIntentProgress(ctx, "a.md", 3))

	got, err = s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Steps())
	assert.Equal(t, rec.Version, got.Version, "progress updates do not bump version")

	require.NoError(t, s.FinalizeReset(ctx, "a.md", rec.Version))
	assert.ErrorIs(t, s.FinalizeReset(ctx, "a.md", rec.Version), store.ErrConflict)

	got, err = s.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, model.Untracked, got.LifecycleState)
	assert.Equal(t, rec.Version+1, got.Version)
	assert.Nil(t, got.TransientResourceID)
	assert.Nil(t, got.PermanentResourceID)
	assert.Equal(t, model.IntentNone, got.IntentKind)
	assert.Nil(t, got.IntentStartedAt)
	assert.Nil(t, got.IntentStepsCompleted)
	assert.NoError(t, got.CheckInvariants())

	assert.ErrorIs(t, s.RecordIntentProgress(ctx, "a.md", 1), store.ErrConflict)
}

func TestOpenIntentsOrderedByStart(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := storetest.New(t, store.WithClock(clock.Now))

	for _, p := range []string{"c.md", "a.md", "b.md"} {
		storetest.Seed(t, s, model.FileRecord{Path: p, LifecycleState: model.Indexed})
	}

	for _, p := range []string{"c.md", "a.md"} {
		rec, err := s.Get(ctx, p)
		require.NoError(t, err)
		require.NoError(t, s.WriteResetIntent(ctx, p, rec.Version, clock.Now()))
	}

	open, err := s.OpenIntents(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "c.md", open[0].Path)
	assert.Equal(t, "a.md", open[1].Path)
}

func TestEscapeFailed(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	rec := storetest.Seed(t, s, model.FileRecord{Path: "f.md", LifecycleState: model.Failed, FailureReason: "quota"})
	assert.Equal(t, "quota", rec.FailureReason)

	require.NoError(t, s.EscapeFailed(ctx, "f.md", rec.Version))

	got, err := s.Get(ctx, "f.md")
	require.NoError(t, err)
	assert.Equal(t, model.Untracked, got.LifecycleState)
	assert.Equal(t, rec.Version+1, got.Version)
	assert.Nil(t, got.TransientResourceID)
	assert.Nil(t, got.PermanentResourceID)
	assert.Empty(t, got.FailureReason)

	// 非 Failed 记录不匹配任何行
	assert.ErrorIs(t, s.EscapeFailed(ctx, "f.md", got.Version), store.ErrConflict)
}

func TestListCountAndCanonical(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	storetest.Seed(t, s, model.FileRecord{Path: "a.md", Eligible: true})
	storetest.Seed(t, s, model.FileRecord{Path: "b.md", Eligible: false})
	storetest.Seed(t, s, model.FileRecord{Path: "dir/c.md", Eligible: true, LifecycleState: model.Indexed, PermanentResourceID: strp("doc-c")})
	storetest.Seed(t, s, model.FileRecord{Path: "dir/d_e.md", Eligible: true, LifecycleState: model.Failed})
	require.NoError(t, s.MarkMissing(ctx, "a.md"))

	recs, err := s.List(ctx, store.Filter{States: []model.LifecycleState{model.Untracked}, EligibleOnly: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a.md", recs[0].Path)

	recs, err = s.List(ctx, store.Filter{States: []model.LifecycleState{model.Untracked}, EligibleOnly: true, ExcludeMissing: true})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = s.List(ctx, store.Filter{PathPrefix: "dir/"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	paths, err := s.Paths(ctx, "dir/d_")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/d_e.md"}, paths)

	n, err := s.Count(ctx, store.Filter{EligibleOnly: true, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.Untracked])
	assert.Equal(t, int64(1), counts[model.Indexed])
	assert.Equal(t, int64(1), counts[model.Failed])
	assert.Equal(t, int64(0), counts[model.Processing])

	canon, err := s.CanonicalPermanentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"doc-c": {}}, canon)

	ref, err := s.ReferencesPermanent(ctx, "doc-c")
	require.NoError(t, err)
	assert.True(t, ref)

	ref, err = s.ReferencesPermanent(ctx, "doc-gone")
	require.NoError(t, err)
	assert.False(t, ref)

	violations, err := s.VerifyInvariants(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
