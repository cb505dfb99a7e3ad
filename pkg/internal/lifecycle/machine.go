// Package lifecycle 实现文件生命周期状态机、重置迁移的写前意图协议与启动恢复扫描.
//
// 所有状态写入都经过 store 的版本条件更新. 条件未命中时状态机重新读取记录，
// 在有限的预算内重新判断；预算耗尽返回 ErrContentionExceeded，
// 重新读取后迁移已不再合法则返回 ErrInvalidTransition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/storage/kv"
	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
	"github.com/yeisme/indexsync/pkg/queue"
)

var (
	// ErrInvalidTransition 迁移不在迁移表中，或重新读取后已不再适用.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrContentionExceeded OCC 重试预算耗尽，与远端错误无关.
	ErrContentionExceeded = errors.New("occ contention budget exceeded")
	// ErrNoResetManager 状态机未配置重置管理器.
	ErrNoResetManager = errors.New("reset manager not configured")
)

type edge struct{ from, to model.LifecycleState }

// transitions 合法迁移表. Indexed → Untracked 只能由 ResetManager 完成.
var transitions = map[edge]struct{}{
	{model.Untracked, model.Uploading}:  {},
	{model.Uploading, model.Processing}: {},
	{model.Processing, model.Indexed}:   {},
	{model.Uploading, model.Failed}:     {},
	{model.Processing, model.Failed}:    {},
	{model.Indexed, model.Untracked}:    {},
	{model.Failed, model.Untracked}:     {},
}

// CanTransition 判断 from → to 是否在迁移表中.
func CanTransition(from, to model.LifecycleState) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// Machine 生命周期状态机.
type Machine struct {
	store     *store.Store
	events    *queue.Publisher
	occ       retry.Policy
	retryOpts []retry.Option
	locker    kv.Locker
	lockTTL   time.Duration
	resets    *ResetManager
	log       zerolog.Logger
}

// Option 配置 Machine.
type Option func(*Machine)

// WithEvents 每次成功迁移后发布事件.
func WithEvents(p *queue.Publisher) Option {
	return func(m *Machine) { m.events = p }
}

// WithOCCPolicy 设置冲突重试预算.
func WithOCCPolicy(p retry.Policy) Option {
	return func(m *Machine) { m.occ = p }
}

// WithRetryOptions 透传给 retry.Do，测试中用于替换 sleeper.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(m *Machine) { m.retryOpts = append(m.retryOpts, opts...) }
}

// WithLocker 启用按路径的建议锁.
func WithLocker(l kv.Locker, ttl time.Duration) Option {
	return func(m *Machine) {
		m.locker = l
		m.lockTTL = ttl
	}
}

// WithResetManager 让 Machine.Reset 委托给 r.
func WithResetManager(r *ResetManager) Option {
	return func(m *Machine) { m.resets = r }
}

// NewMachine 创建状态机.
func NewMachine(s *store.Store, opts ...Option) *Machine {
	m := &Machine{
		store: s,
		occ:   retry.OCCDefaults(),
		log:   nlog.Component("lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Store 返回底层状态库.
func (m *Machine) Store() *store.Store {
	return m.store
}

// Lock 获取路径的建议锁，未配置 Locker 时直接成功. 锁被占用返回 kv.ErrLocked.
func (m *Machine) Lock(ctx context.Context, path string) (release func(), err error) {
	if m.locker == nil {
		return func() {}, nil
	}

	lease, err := m.locker.TryLock(ctx, path, m.lockTTL)
	if err != nil {
		return nil, err
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := m.locker.Release(rctx, lease); err != nil {
			m.log.Debug().Err(err).Str("path", path).Msg("release advisory lock")
		}
	}, nil
}

// BeginUpload Untracked → Uploading.
func (m *Machine) BeginUpload(ctx context.Context, rec model.FileRecord) (model.FileRecord, error) {
	return m.apply(ctx, rec, model.Uploading, store.Fields{})
}

// MarkProcessing Uploading → Processing，记录临时资源 ID.
func (m *Machine) MarkProcessing(ctx context.Context, rec model.FileRecord, transientID string) (model.FileRecord, error) {
	return m.apply(ctx, rec, model.Processing, store.Fields{TransientResourceID: &transientID})
}

// MarkIndexed Processing → Indexed，记录永久文档 ID.
func (m *Machine) MarkIndexed(ctx context.Context, rec model.FileRecord, permanentID string) (model.FileRecord, error) {
	return m.apply(ctx, rec, model.Indexed, store.Fields{PermanentResourceID: &permanentID})
}

// MarkFailed Uploading/Processing → Failed，清除资源 ID 并记录原因.
func (m *Machine) MarkFailed(ctx context.Context, rec model.FileRecord, reason string) (model.FileRecord, error) {
	return m.apply(ctx, rec, model.Failed, store.Fields{ClearResourceIDs: true, FailureReason: &reason})
}

// EscapeFailed 显式把 Failed 记录送回 Untracked. 记录不是 Failed 时不做任何修改，escaped 为 false.
func (m *Machine) EscapeFailed(ctx context.Context, path string) (rec model.FileRecord, escaped bool, err error) {
	err = m.occLoop(ctx, "escape_failed", func(ctx context.Context) error {
		cur, err := m.store.Get(ctx, path)
		if err != nil {
			return err
		}

		rec = cur
		if cur.LifecycleState != model.Failed || cur.HasIntent() {
			return nil
		}

		if err := m.store.EscapeFailed(ctx, path, cur.Version); err != nil {
			return err
		}

		rec = escapedRecord(cur, m.store.Now())
		escaped = true

		return nil
	})
	if err != nil {
		return rec, false, err
	}

	if escaped {
		m.committed(ctx, model.Failed, rec, false)
	}

	return rec, escaped, nil
}

// Reset Indexed → Untracked，委托给 ResetManager.
func (m *Machine) Reset(ctx context.Context, path string) (model.FileRecord, error) {
	if m.resets == nil {
		return model.FileRecord{}, ErrNoResetManager
	}

	return m.resets.Reset(ctx, path)
}

// apply 以 rec 的版本为起点执行迁移. 条件更新未命中时重新读取，
// 记录仍处于 rec 的状态则以新版本重试，否则放弃.
func (m *Machine) apply(ctx context.Context, rec model.FileRecord, to model.LifecycleState, set store.Fields) (model.FileRecord, error) {
	from := rec.LifecycleState
	if !CanTransition(from, to) || (from == model.Indexed && to == model.Untracked) {
		return rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	cur := rec
	first := true

	err := m.occLoop(ctx, from.String()+"_"+to.String(), func(ctx context.Context) error {
		if !first {
			fresh, err := m.store.Get(ctx, rec.Path)
			if err != nil {
				return err
			}

			cur = fresh
		}

		first = false

		if cur.LifecycleState != from || cur.HasIntent() {
			return fmt.Errorf("%w: %s is %s, wanted %s -> %s", ErrInvalidTransition, cur.Path, cur.LifecycleState, from, to)
		}

		return m.store.Transition(ctx, store.Transition{
			Path:            cur.Path,
			ExpectedVersion: cur.Version,
			From:            from,
			To:              to,
			Set:             set,
		})
	})
	if err != nil {
		return cur, err
	}

	next := appliedRecord(cur, to, set, m.store.Now())
	m.committed(ctx, from, next, false)

	return next, nil
}

// occLoop 在 OCC 预算内执行 fn，只有 store.ErrConflict 会触发重试.
func (m *Machine) occLoop(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opts := append([]retry.Option{
		retry.WithNotify(func(attempt int, delay time.Duration, err error) {
			metrics.OCCConflicts.WithLabelValues(op).Inc()
			m.log.Debug().Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Msg("version conflict, re-reading")
		}),
	}, m.retryOpts...)

	err := retry.Do(ctx, m.occ, isConflict, fn, opts...)

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		metrics.OCCConflicts.WithLabelValues(op).Inc()
		return fmt.Errorf("%w after %d attempts (%s)", ErrContentionExceeded, exhausted.Attempts, op)
	}

	return err
}

// committed 记录指标并发布事件. 发布失败只记日志，迁移已经提交.
func (m *Machine) committed(ctx context.Context, from model.LifecycleState, rec model.FileRecord, reset bool) {
	metrics.Transitions.WithLabelValues(from.String(), rec.LifecycleState.String()).Inc()

	m.log.Debug().
		Str("path", rec.Path).
		Stringer("from", from).
		Stringer("to", rec.LifecycleState).
		Int64("version", rec.Version).
		Msg("transition committed")

	payload := queue.TransitionPayload{
		Path:                rec.Path,
		From:                from.String(),
		To:                  rec.LifecycleState.String(),
		Version:             rec.Version,
		TransientResourceID: rec.TransientID(),
		PermanentResourceID: rec.PermanentID(),
		FailureReason:       rec.FailureReason,
	}

	if err := m.events.Transition(ctx, payload, reset); err != nil {
		m.log.Warn().Err(err).Str("path", rec.Path).Msg("publish transition event")
	}
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// appliedRecord 返回迁移提交后记录的内存视图，避免再读一次库.
func appliedRecord(rec model.FileRecord, to model.LifecycleState, set store.Fields, now time.Time) model.FileRecord {
	rec.LifecycleState = to
	rec.Version++
	rec.UpdatedAt = now

	if set.ClearResourceIDs {
		rec.TransientResourceID = nil
		rec.PermanentResourceID = nil
	}

	if set.TransientResourceID != nil {
		id := *set.TransientResourceID
		rec.TransientResourceID = &id
	}

	if set.PermanentResourceID != nil {
		id := *set.PermanentResourceID
		rec.PermanentResourceID = &id
	}

	if set.FailureReason != nil {
		rec.FailureReason = *set.FailureReason
	}

	return rec
}

func escapedRecord(rec model.FileRecord, now time.Time) model.FileRecord {
	rec.LifecycleState = model.Untracked
	rec.Version++
	rec.TransientResourceID = nil
	rec.PermanentResourceID = nil
	rec.FailureReason = ""
	rec.UpdatedAt = now

	return rec
}

func resetRecord(rec model.FileRecord, now time.Time) model.FileRecord {
	rec = escapedRecord(rec, now)
	rec.IntentKind = model.IntentNone
	rec.IntentStartedAt = nil
	rec.IntentStepsCompleted = nil

	return rec
}
