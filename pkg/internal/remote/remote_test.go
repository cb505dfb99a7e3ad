package remote_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/remote/memory"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind remote.Kind
	}{
		{remote.NewError(remote.OpDeletePermanent, remote.KindNotFound, nil), remote.KindNotFound},
		{fmt.Errorf("wrapped: %w", remote.NewError(remote.OpUploadTransient, remote.KindRateLimited, nil)), remote.KindRateLimited},
		{remote.NewError(remote.OpImportPermanent, remote.KindPermanent, errors.New("403")), remote.KindPermanent},
		{errors.New("connection reset"), remote.KindTransient},
		{context.DeadlineExceeded, remote.KindTransient},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.kind, remote.Classify(tc.err), tc.err.Error())
	}

	err := remote.NewError(remote.OpStatPermanent, remote.KindNotFound, errors.New("gone"))
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.NotErrorIs(t, err, remote.ErrPermanent)
	assert.True(t, remote.IsNotFound(err))

	assert.True(t, remote.Retryable(remote.NewError(remote.OpUploadTransient, remote.KindRateLimited, nil)))
	assert.False(t, remote.Retryable(remote.NewError(remote.OpUploadTransient, remote.KindPermanent, nil)))
	assert.False(t, remote.Retryable(context.Canceled))
}

func TestIdempotentDeleteTwice(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	c := remote.NewIdempotent(mem)

	tid, err := c.UploadTransient(ctx, remote.UploadRequest{Path: "a.md", Body: strings.NewReader("hello")})
	require.NoError(t, err)

	pid, err := c.ImportPermanent(ctx, tid, remote.ImportRequest{Path: "a.md"})
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, c.DeletePermanent(ctx, pid))
		require.NoError(t, c.DeleteTransient(ctx, tid))
	}

	assert.False(t, mem.HasPermanent(pid))
	assert.False(t, mem.HasTransient(tid))

	// 原始客户端依然报告不存在
	assert.True(t, remote.IsNotFound(mem.DeletePermanent(ctx, pid)))
}

func TestIdempotentPropagatesOtherErrors(t *testing.T) {
	mem := memory.New()
	denied := remote.NewError(remote.OpDeletePermanent, remote.KindPermanent, errors.New("access denied"))
	mem.FailNext(remote.OpDeletePermanent, denied)

	err := remote.NewIdempotent(mem).DeletePermanent(context.Background(), "doc-1")
	assert.ErrorIs(t, err, remote.ErrPermanent)
}

func TestListAllFollowsPagination(t *testing.T) {
	mem := memory.New()
	for i := range 7 {
		mem.PutPermanent(fmt.Sprintf("doc-%02d", i), fmt.Sprintf("f%d.md", i))
	}

	docs, err := remote.ListAll(context.Background(), mem, 3)
	require.NoError(t, err)
	require.Len(t, docs, 7)
	assert.Equal(t, "doc-00", docs[0].ID)
	assert.Equal(t, "doc-06", docs[6].ID)
	assert.Equal(t, 3, mem.Calls(remote.OpListPermanent))
}

func TestGuardedOpensBreakerOnTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()

	cfg := configs.Defaults().Remote
	cfg.CircuitBreaker = configs.CircuitBreakerConfig{
		Enabled: true, FailureRate: 0.5, MinRequests: 2, IntervalSeconds: 60, TimeoutSeconds: 60, MaxRequestsInHalf: 1,
	}
	g := remote.NewGuarded(mem, cfg)

	boom := remote.NewError(remote.OpStatPermanent, remote.KindTransient, errors.New("503"))
	mem.FailNext(remote.OpStatPermanent, boom, boom)

	for range 2 {
		_, err := g.StatPermanent(ctx, "doc-1")
		assert.ErrorIs(t, err, remote.ErrTransient)
	}

	assert.Equal(t, gobreaker.StateOpen, g.BreakerState())

	_, err := g.StatPermanent(ctx, "doc-1")
	assert.ErrorIs(t, err, remote.ErrTransient)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, mem.Calls(remote.OpStatPermanent), "open breaker short-circuits the call")
}

func TestGuardedNotFoundDoesNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()

	cfg := configs.Defaults().Remote
	cfg.CircuitBreaker = configs.CircuitBreakerConfig{Enabled: true, FailureRate: 0.1, MinRequests: 1, TimeoutSeconds: 60}
	g := remote.NewIdempotent(remote.NewGuarded(mem, cfg))

	for range 5 {
		require.NoError(t, g.DeletePermanent(ctx, "missing"))
	}

	assert.Equal(t, 5, mem.Calls(remote.OpDeletePermanent))
}

func TestGuardedRespectsCancellation(t *testing.T) {
	mem := memory.New()

	cfg := configs.Defaults().Remote
	cfg.RateLimit = configs.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1}
	g := remote.NewGuarded(mem, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	_, err := g.UploadTransient(ctx, remote.UploadRequest{Path: "a"})
	require.NoError(t, err)

	cancel()

	_, err = g.UploadTransient(ctx, remote.UploadRequest{Path: "b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, mem.Calls(remote.OpUploadTransient))
}
