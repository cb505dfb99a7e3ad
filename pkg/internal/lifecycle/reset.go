package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
	"github.com/yeisme/indexsync/pkg/queue"
)

// Point 重置流程中可以注入崩溃的位置.
type Point int

const (
	// AfterIntent 事务 A 已提交，尚未发起任何远端调用.
	AfterIntent Point = iota + 1
	// AfterPermanentDelete 永久文档已删除，进度尚未写入.
	AfterPermanentDelete
	// AfterStep1 进度 1 已写入.
	AfterStep1
	// AfterTransientDelete 临时资源已删除，进度尚未写入.
	AfterTransientDelete
	// AfterStep2 进度 2 已写入，事务 B 尚未执行.
	AfterStep2
)

func (p Point) String() string {
	switch p {
	case AfterIntent:
		return "after_intent"
	case AfterPermanentDelete:
		return "after_permanent_delete"
	case AfterStep1:
		return "after_step_1"
	case AfterTransientDelete:
		return "after_transient_delete"
	case AfterStep2:
		return "after_step_2"
	default:
		return fmt.Sprintf("point(%d)", int(p))
	}
}

// StepHook 在每个 Point 被调用，返回错误时流程立即中止，用于模拟进程崩溃.
type StepHook func(ctx context.Context, path string, at Point) error

// ResetManager 用写前意图执行 Indexed → Untracked：
//
//  1. 事务 A 写入意图（不增加版本）
//  2. 幂等删除永久文档，记录进度 1
//  3. 幂等删除临时资源，记录进度 2
//  4. 事务 B 清除 ID 与意图并增加版本
//
// 任一步之后崩溃，Resume 都能从 intent_steps_completed 线性继续.
type ResetManager struct {
	store     *store.Store
	remote    *remote.Idempotent
	policy    retry.Policy
	occ       retry.Policy
	retryOpts []retry.Option
	events    *queue.Publisher
	hook      StepHook
	log       zerolog.Logger
}

// ResetOption 配置 ResetManager.
type ResetOption func(*ResetManager)

// WithRemotePolicy 设置 Reset 中远端调用的重试策略. Resume 从不重试.
func WithRemotePolicy(p retry.Policy) ResetOption {
	return func(r *ResetManager) { r.policy = p }
}

// WithResetOCCPolicy 设置事务 A 的冲突重试预算.
func WithResetOCCPolicy(p retry.Policy) ResetOption {
	return func(r *ResetManager) { r.occ = p }
}

// WithResetRetryOptions 透传给 retry.Do.
func WithResetRetryOptions(opts ...retry.Option) ResetOption {
	return func(r *ResetManager) { r.retryOpts = append(r.retryOpts, opts...) }
}

// WithResetEvents 完成时发布 is.file.reset 事件.
func WithResetEvents(p *queue.Publisher) ResetOption {
	return func(r *ResetManager) { r.events = p }
}

// WithStepHook 注入崩溃点，仅用于测试.
func WithStepHook(h StepHook) ResetOption {
	return func(r *ResetManager) { r.hook = h }
}

// NewResetManager 创建重置管理器. c 会被包装为幂等删除.
func NewResetManager(s *store.Store, c remote.Client, opts ...ResetOption) *ResetManager {
	idem, ok := c.(*remote.Idempotent)
	if !ok {
		idem = remote.NewIdempotent(c)
	}

	r := &ResetManager{
		store:  s,
		remote: idem,
		policy: retry.RemoteDefaults(),
		occ:    retry.OCCDefaults(),
		log:    nlog.Component("reset"),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Reset 对一个 Indexed 文件执行完整的重置迁移. 远端调用在限流或暂时错误时按策略重试；
// 失败时意图保持打开，由恢复扫描在下次启动时继续.
func (r *ResetManager) Reset(ctx context.Context, path string) (model.FileRecord, error) {
	var rec model.FileRecord

	err := r.occLoop(ctx, func(ctx context.Context) error {
		cur, err := r.store.Get(ctx, path)
		if err != nil {
			return err
		}

		if cur.LifecycleState != model.Indexed || cur.HasIntent() {
			return fmt.Errorf("%w: reset %s in state %s (intent=%t)", ErrInvalidTransition, path, cur.LifecycleState, cur.HasIntent())
		}

		started := r.store.Now()
		if err := r.store.WriteResetIntent(ctx, path, cur.Version, started); err != nil {
			return err
		}

		steps := 0
		cur.IntentKind = model.IntentReset
		cur.IntentStartedAt = &started
		cur.IntentStepsCompleted = &steps
		rec = cur

		return nil
	})
	if err != nil {
		return model.FileRecord{}, err
	}

	r.log.Debug().Str("path", path).Int64("version", rec.Version).Msg("reset intent written")

	if err := r.at(ctx, path, AfterIntent); err != nil {
		return rec, err
	}

	next, _, err := r.run(ctx, rec, true)

	return next, err
}

// Resume 从记录的意图进度继续，不做任何重试. calls 为本次实际发起的远端调用数.
func (r *ResetManager) Resume(ctx context.Context, rec model.FileRecord) (next model.FileRecord, calls int, err error) {
	if rec.IntentKind != model.IntentReset {
		return rec, 0, fmt.Errorf("%w: %s has no reset intent", ErrInvalidTransition, rec.Path)
	}

	return r.run(ctx, rec, false)
}

func (r *ResetManager) run(ctx context.Context, rec model.FileRecord, retrying bool) (model.FileRecord, int, error) {
	calls := 0
	steps := rec.Steps()

	if steps < 1 {
		if id := rec.PermanentID(); id != "" {
			calls++

			if err := r.call(ctx, remote.OpDeletePermanent, retrying, func(ctx context.Context) error {
				return r.remote.DeletePermanent(ctx, id)
			}); err != nil {
				return rec, calls, fmt.Errorf("reset %s: %w", rec.Path, err)
			}
		}

		if err := r.at(ctx, rec.Path, AfterPermanentDelete); err != nil {
			return rec, calls, err
		}

		if err := r.progress(ctx, &rec, 1); err != nil {
			return rec, calls, err
		}

		if err := r.at(ctx, rec.Path, AfterStep1); err != nil {
			return rec, calls, err
		}
	}

	if steps < 2 {
		if id := rec.TransientID(); id != "" {
			calls++

			if err := r.call(ctx, remote.OpDeleteTransient, retrying, func(ctx context.Context) error {
				return r.remote.DeleteTransient(ctx, id)
			}); err != nil {
				return rec, calls, fmt.Errorf("reset %s: %w", rec.Path, err)
			}
		}

		if err := r.at(ctx, rec.Path, AfterTransientDelete); err != nil {
			return rec, calls, err
		}

		if err := r.progress(ctx, &rec, 2); err != nil {
			return rec, calls, err
		}

		if err := r.at(ctx, rec.Path, AfterStep2); err != nil {
			return rec, calls, err
		}
	}

	if err := r.store.FinalizeReset(ctx, rec.Path, rec.Version); err != nil {
		return rec, calls, fmt.Errorf("reset %s: finalize: %w", rec.Path, err)
	}

	next := resetRecord(rec, r.store.Now())

	metrics.Transitions.WithLabelValues(model.Indexed.String(), model.Untracked.String()).Inc()
	r.log.Info().Str("path", rec.Path).Int("remote_calls", calls).Msg("reset completed")

	payload := queue.TransitionPayload{
		Path:    next.Path,
		From:    model.Indexed.String(),
		To:      model.Untracked.String(),
		Version: next.Version,
	}
	if err := r.events.Transition(ctx, payload, true); err != nil {
		r.log.Warn().Err(err).Str("path", rec.Path).Msg("publish reset event")
	}

	return next, calls, nil
}

func (r *ResetManager) progress(ctx context.Context, rec *model.FileRecord, steps int) error {
	if err := r.store.RecordIntentProgress(ctx, rec.Path, steps); err != nil {
		return fmt.Errorf("reset %s: record step %d: %w", rec.Path, steps, err)
	}

	rec.IntentStepsCompleted = &steps

	return nil
}

func (r *ResetManager) call(ctx context.Context, op remote.Op, retrying bool, fn func(ctx context.Context) error) error {
	if !retrying {
		return fn(ctx)
	}

	opts := append([]retry.Option{
		retry.WithNotify(func(attempt int, delay time.Duration, err error) {
			metrics.Retries.WithLabelValues(string(op)).Inc()
			r.log.Debug().Err(err).Str("op", string(op)).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying remote call")
		}),
	}, r.retryOpts...)

	return retry.Do(ctx, r.policy, remote.Retryable, fn, opts...)
}

func (r *ResetManager) occLoop(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := append([]retry.Option{
		retry.WithNotify(func(int, time.Duration, error) {
			metrics.OCCConflicts.WithLabelValues("reset_intent").Inc()
		}),
	}, r.retryOpts...)

	err := retry.Do(ctx, r.occ, isConflict, fn, opts...)

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w after %d attempts (reset_intent)", ErrContentionExceeded, exhausted.Attempts)
	}

	return err
}

func (r *ResetManager) at(ctx context.Context, path string, p Point) error {
	if r.hook == nil {
		return nil
	}

	return r.hook(ctx, path, p)
}
