package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/reconcile"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/remote/memory"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/store/storetest"
	"github.com/yeisme/indexsync/pkg/queue"
)

func strp(s string) *string { return &s }

func setup(t *testing.T) (*store.Store, *memory.Client) {
	t.Helper()

	s := storetest.New(t)
	c := memory.New()

	for _, p := range []string{"a.md", "b.md"} {
		doc := "doc-" + p
		c.PutPermanent(doc, p)
		storetest.Seed(t, s, model.FileRecord{Path: p, LifecycleState: model.Indexed, PermanentResourceID: &doc})
	}

	return s, c
}

func TestDryRunThenDelete(t *testing.T) {
	ctx := context.Background()
	s, c := setup(t)
	c.PutPermanent("doc-orphan", "lost.md")

	r := reconcile.New(s, c, configs.ReconcileConfig{}, reconcile.WithPageSize(1))

	report, err := r.Run(ctx, reconcile.Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Listed)
	assert.Equal(t, 2, report.Canonical)
	assert.Equal(t, []string{"doc-orphan"}, report.Orphans)
	assert.Zero(t, report.Deleted)
	assert.True(t, c.HasPermanent("doc-orphan"))
	assert.Zero(t, c.Calls(remote.OpDeletePermanent))

	report, err = r.Run(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.False(t, c.HasPermanent("doc-orphan"))

	report, err = r.Run(ctx, reconcile.Options{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)

	canon, err := s.CanonicalPermanentIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, canon, 2, "local canonical set is unchanged")
	assert.Equal(t, []string{"doc-a.md", "doc-b.md"}, c.PermanentIDs())
}

func TestPaginationFollowedToTheEnd(t *testing.T) {
	ctx := context.Background()
	s, c := setup(t)

	for i := range 25 {
		c.PutPermanent(fmt.Sprintf("doc-z%03d", i), "")
	}

	r := reconcile.New(s, c, configs.ReconcileConfig{}, reconcile.WithPageSize(4))

	report, err := r.Run(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, 27, report.Listed)
	assert.Equal(t, 25, report.Deleted)
	assert.Greater(t, c.Calls(remote.OpListPermanent), 6)
	assert.Len(t, c.PermanentIDs(), 2)
}

func TestInFlightPathsAreDeferred(t *testing.T) {
	ctx := context.Background()
	s, c := setup(t)

	storetest.Seed(t, s, model.FileRecord{Path: "busy.md", LifecycleState: model.Processing, TransientResourceID: strp("tr-busy")})
	c.PutPermanent("doc-busy", "busy.md")

	report, err := reconcile.New(s, c, configs.ReconcileConfig{}).Run(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
	assert.Equal(t, []string{"doc-busy"}, report.Deferred)
	assert.True(t, c.HasPermanent("doc-busy"))
}

// listing 去掉列举结果中的路径信息，模拟不返回用户元数据的后端.
type listing struct {
	*memory.Client
	keepKey bool
}

func (l listing) ListPermanent(ctx context.Context, token string, size int) (remote.Page, error) {
	page, err := l.Client.ListPermanent(ctx, token, size)
	for i := range page.Documents {
		page.Documents[i].Path = ""
		if !l.keepKey {
			page.Documents[i].PathKey = ""
		}
	}

	return page, err
}

func TestInFlightPathKeysAreDeferred(t *testing.T) {
	ctx := context.Background()
	s, c := setup(t)

	storetest.Seed(t, s, model.FileRecord{Path: "busy.md", LifecycleState: model.Processing, TransientResourceID: strp("tr-busy")})
	c.PutPermanent("doc-busy", "busy.md")
	c.PutPermanent("doc-lost", "lost.md")

	report, err := reconcile.New(s, listing{Client: c, keepKey: true}, configs.ReconcileConfig{}).Run(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-busy"}, report.Deferred)
	assert.Equal(t, []string{"doc-lost"}, report.Orphans)
	assert.True(t, c.HasPermanent("doc-busy"))
	assert.False(t, c.HasPermanent("doc-lost"))
}

// commitAfterCanonicalRead 在规范集合读取之后提交 busy.md 的 Processing→Indexed.
func commitAfterCanonicalRead(t *testing.T, gdb *gorm.DB, s *store.Store, rec model.FileRecord, docID string) *error {
	t.Helper()

	var (
		fired  bool
		result error
	)

	err := gdb.Callback().Query().After("gorm:query").Register("test:commit_mid_run", func(tx *gorm.DB) {
		if fired || !strings.Contains(tx.Statement.SQL.String(), "permanent_resource_id IS NOT NULL") {
			return
		}

		fired = true
		result = s.Transition(context.Background(), store.Transition{
			Path: rec.Path, ExpectedVersion: rec.Version, From: model.Processing, To: model.Indexed,
			Set: store.Fields{PermanentResourceID: &docID},
		})
	})
	require.NoError(t, err)

	return &result
}

func TestIndexedDuringRunIsNeverDeleted(t *testing.T) {
	cases := []struct {
		name   string
		client func(c *memory.Client) remote.Client
	}{
		{name: "listing with paths", client: func(c *memory.Client) remote.Client { return c }},
		{name: "anonymous listing", client: func(c *memory.Client) remote.Client { return listing{Client: c} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			gdb := storetest.Client(t).GetDB()
			s := store.New(gdb)
			c := memory.New()

			rec := storetest.Seed(t, s, model.FileRecord{Path: "busy.md", LifecycleState: model.Processing, TransientResourceID: strp("tr-busy")})
			c.PutPermanent("doc-busy", "busy.md")

			committed := commitAfterCanonicalRead(t, gdb, s, rec, "doc-busy")

			report, err := reconcile.New(s, tc.client(c), configs.ReconcileConfig{}).Run(ctx, reconcile.Options{})
			require.NoError(t, err)
			require.NoError(t, *committed)

			assert.Zero(t, report.Deleted)
			assert.Contains(t, report.Deferred, "doc-busy")
			assert.True(t, c.HasPermanent("doc-busy"))

			got, err := s.Get(ctx, "busy.md")
			require.NoError(t, err)
			assert.Equal(t, model.Indexed, got.LifecycleState)
			assert.Equal(t, "doc-busy", got.PermanentID())
			assert.NoError(t, got.CheckInvariants())
		})
	}
}

func TestDeleteErrorsAreCollected(t *testing.T) {
	ctx := context.Background()
	s, c := setup(t)
	c.PutPermanent("doc-x", "x.md")
	c.PutPermanent("doc-y", "y.md")

	c.FailNext(remote.OpDeletePermanent, remote.NewError(remote.OpDeletePermanent, remote.KindPermanent, errors.New("denied")))

	report, err := reconcile.New(s, c, configs.ReconcileConfig{}).Run(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "doc-x", report.Errors[0].DocumentID)
	assert.Contains(t, report.Errors[0].Err, "denied")
}

func TestListingErrorAborts(t *testing.T) {
	s, c := setup(t)
	c.FailNext(remote.OpListPermanent, remote.NewError(remote.OpListPermanent, remote.KindTransient, errors.New("boom")))

	_, err := reconcile.New(s, c, configs.ReconcileConfig{}).Run(context.Background(), reconcile.Options{})
	assert.ErrorIs(t, err, remote.ErrTransient)
	assert.Zero(t, c.Calls(remote.OpDeletePermanent))
}

func TestCooldownIsCancellable(t *testing.T) {
	s, c := setup(t)

	var waited time.Duration

	sleeper := retry.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		waited = d
		return context.Canceled
	})

	r := reconcile.New(s, c, configs.ReconcileConfig{Cooldown: time.Minute}, reconcile.WithSleeper(sleeper))

	_, err := r.Run(context.Background(), reconcile.Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Minute, waited)
	assert.Zero(t, c.TotalCalls())

	_, err = r.Run(context.Background(), reconcile.Options{SkipCooldown: true})
	assert.NoError(t, err)
}

func TestOrphanDeletionPublishesEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, c := setup(t)
	c.PutPermanent("doc-orphan", "lost.md")

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubsub.Close()

	msgs, err := pubsub.Subscribe(ctx, queue.TopicOrphanDeleted)
	require.NoError(t, err)

	r := reconcile.New(s, c, configs.ReconcileConfig{}, reconcile.WithEvents(queue.NewPublisher(pubsub, "test")))

	_, err = r.Run(ctx, reconcile.Options{})
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		msg.Ack()

		ev, err := queue.ParseOrphanDeleted(msg)
		require.NoError(t, err)
		assert.Equal(t, "doc-orphan", ev.Payload.DocumentID)
		assert.Equal(t, "lost.md", ev.Payload.Path)
	case <-ctx.Done():
		t.Fatal("no orphan event")
	}
}
