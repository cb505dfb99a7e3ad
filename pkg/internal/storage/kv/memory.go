package kv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yeisme/indexsync/pkg/configs"
)

// MemoryLocker 进程内的建议锁，只在单进程内有效.
type MemoryLocker struct {
	mu     sync.Mutex
	prefix string
	held   map[string]lockValue
	now    func() time.Time
}

// NewMemoryLocker 创建内存建议锁.
func NewMemoryLocker(_ context.Context, cfg configs.KVConfig) (Locker, error) {
	return newMemoryLocker(cfg.KeyPrefix, time.Now), nil
}

func newMemoryLocker(prefix string, now func() time.Time) *MemoryLocker {
	return &MemoryLocker{prefix: prefix, held: make(map[string]lockValue), now: now}
}

func (m *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := m.prefix + key

	if cur, ok := m.held[k]; ok && now.Before(cur.ExpiresAt) {
		return nil, ErrLocked
	}

	v := newLockValue(now, ttl)
	m.held[k] = v

	return &Lease{Key: key, Token: v.Token}, nil
}

func (m *MemoryLocker) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.prefix + lease.Key

	cur, ok := m.held[k]
	if !ok || cur.Token != lease.Token {
		return ErrNotHeld
	}

	delete(m.held, k)

	return nil
}

func (m *MemoryLocker) Holders(_ context.Context) ([]Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Holder, 0, len(m.held))

	for k, v := range m.held {
		if !now.Before(v.ExpiresAt) {
			delete(m.held, k)
			continue
		}

		out = append(out, Holder{Key: k, lockValue: v})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

// Close 内存实现无需操作.
func (m *MemoryLocker) Close() error {
	return nil
}

func init() {
	RegisterFactory(configs.KVTypeMemory, NewMemoryLocker)
}
