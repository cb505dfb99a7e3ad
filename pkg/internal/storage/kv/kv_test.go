package kv

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryLockerExclusive(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newMemoryLocker("test:", clock.Now)

	lease, err := l.TryLock(ctx, "a.txt", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "a.txt", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	_, err = l.TryLock(ctx, "b.txt", time.Minute)
	require.NoError(t, err)

	holders, err := l.Holders(ctx)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "test:a.txt", holders[0].Key)
	assert.Equal(t, owner, holders[0].Owner)

	require.NoError(t, l.Release(ctx, lease))
	_, err = l.TryLock(ctx, "a.txt", time.Minute)
	require.NoError(t, err)
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newMemoryLocker("", clock.Now)

	stale, err := l.TryLock(ctx, "a.txt", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	fresh, err := l.TryLock(ctx, "a.txt", time.Second)
	require.NoError(t, err)

	// 过期租约不能释放新持有者的锁
	require.ErrorIs(t, l.Release(ctx, stale), ErrNotHeld)
	require.NoError(t, l.Release(ctx, fresh))
}

func TestMemoryLockerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := newMemoryLocker("", time.Now)
	_, err := l.TryLock(ctx, "a.txt", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithLockReleases(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLocker("", time.Now)

	var inner error
	err := WithLock(ctx, l, "a.txt", time.Minute, func(ctx context.Context) error {
		_, inner = l.TryLock(ctx, "a.txt", time.Minute)
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.ErrorIs(t, inner, ErrLocked)

	holders, err := l.Holders(ctx)
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestMemoryLockerConcurrent(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLocker("", time.Now)

	var won atomic.Int32
	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(ctx, "same", time.Minute); err == nil {
				won.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.EqualValues(t, 1, won.Load())
}

func TestLockValueRoundTrip(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newLockValue(now, time.Minute)

	b, err := encodeLockValue(v)
	require.NoError(t, err)

	got, err := decodeLockValue(b)
	require.NoError(t, err)
	assert.Equal(t, v.Token, got.Token)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Minute)))
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(context.Background(), configs.KVConfig{Type: "etcd"})
	require.Error(t, err)
	assert.Equal(t, []configs.KVType{configs.KVTypeMemory, configs.KVTypeRedis}, GetRegisteredKVTypes())
}

// Optional: enable with ENABLE_REDIS_TEST=1 and REDIS_ADDR set (default 127.0.0.1:6379).
func TestRedisLocker(t *testing.T) {
	if os.Getenv("ENABLE_REDIS_TEST") == "" {
		t.Skip("set ENABLE_REDIS_TEST=1 to enable")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	ctx := context.Background()
	l, err := New(ctx, configs.KVConfig{
		Type:      configs.KVTypeRedis,
		KeyPrefix: "indexsync:test:",
		Redis:     configs.RedisKVConfig{Addr: addr, DialTimeout: time.Second},
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer l.Close()

	lease, err := l.TryLock(ctx, "a.txt", 5*time.Second)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "a.txt", 5*time.Second)
	require.ErrorIs(t, err, ErrLocked)

	require.ErrorIs(t, l.Release(ctx, &Lease{Key: "a.txt", Token: "other"}), ErrNotHeld)
	require.NoError(t, l.Release(ctx, lease))
}
