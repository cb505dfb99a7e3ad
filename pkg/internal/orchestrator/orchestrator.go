// Package orchestrator 驱动大量文件并发走完 Untracked → Uploading → Processing → Indexed.
//
// 每个文件的状态写入都是独立的短语句，远端调用期间不持有任何数据库事务.
// 单个文件的失败不会中止批次；只有数据库错误会中止整个运行.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/lifecycle"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/storage/kv"
	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
)

const maxReasonLen = 512

// errNotVisible 导入后在截止时间内仍不可见.
var errNotVisible = errors.New("document not visible before deadline")

// RunOptions 单次运行参数.
type RunOptions struct {
	// Limit 本次最多选取的记录数，0 使用配置值.
	Limit int
}

// Summary 运行结果统计.
type Summary struct {
	// Selected 选中的记录数.
	Selected int `json:"selected"`
	// Indexed 本次到达 Indexed 的记录数.
	Indexed int `json:"indexed"`
	// Failed 本次迁移到 Failed 的记录数.
	Failed int `json:"failed"`
	// Pending 因关闭而未开始或被取消、留待下次运行的记录数.
	Pending int `json:"pending"`
	// Skipped 因版本竞争、迁移不再适用或建议锁被占用而放弃的记录数.
	Skipped int `json:"skipped"`
}

type outcome int

const (
	outIndexed outcome = iota
	outFailed
	outRetry
	outSkipped
	outPending
)

// item 一个文件在本次运行中的进度. permanentID 记录已导入但尚未确认可见的文档，
// 重试轮次里直接继续轮询，不再重复导入.
type item struct {
	rec         model.FileRecord
	permanentID string
	lastErr     error
}

// Orchestrator 上传编排器.
type Orchestrator struct {
	machine     *lifecycle.Machine
	store       *store.Store
	remote      remote.Client
	idem        *remote.Idempotent
	source      Source
	cfg         configs.UploadConfig
	concurrency atomic.Int64
	sleeper     retry.Sleeper
	retryOpts   []retry.Option
	log         zerolog.Logger
}

// Option 配置 Orchestrator.
type Option func(*Orchestrator)

// WithSleeper 替换轮询与冷却使用的等待实现.
func WithSleeper(s retry.Sleeper) Option {
	return func(o *Orchestrator) { o.sleeper = s }
}

// WithRetryOptions 透传给远端调用的 retry.Do.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}

// New 创建编排器. c 应当已经带有限速与熔断包装.
func New(m *lifecycle.Machine, c remote.Client, src Source, cfg configs.UploadConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		machine: m,
		store:   m.Store(),
		remote:  c,
		idem:    remote.NewIdempotent(c),
		source:  src,
		cfg:     cfg,
		sleeper: retry.TimerSleeper,
		log:     nlog.Component("orchestrator"),
	}
	o.SetConcurrency(cfg.Concurrency)

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// SetConcurrency 调整并发上限，下一轮生效. n < 1 按 1 处理.
func (o *Orchestrator) SetConcurrency(n int) {
	o.concurrency.Store(int64(max(n, 1)))
}

// Concurrency 返回当前并发上限.
func (o *Orchestrator) Concurrency() int {
	return int(o.concurrency.Load())
}

// Run 执行一次批量上传. sd 为 nil 时不响应关闭信号.
func (o *Orchestrator) Run(ctx context.Context, sd *Shutdown, opts RunOptions) (Summary, error) {
	if sd == nil {
		sd = NewShutdown()
	}

	var sum Summary

	limit := opts.Limit
	if limit == 0 {
		limit = o.cfg.Limit
	}

	recs, err := o.store.List(ctx, store.Filter{
		States:         []model.LifecycleState{model.Untracked, model.Uploading, model.Processing},
		EligibleOnly:   true,
		ExcludeMissing: true,
		Limit:          limit,
	})
	if err != nil {
		return sum, err
	}

	sum.Selected = len(recs)
	if len(recs) == 0 {
		o.log.Info().Msg("nothing to upload")
		return sum, nil
	}

	items := make([]*item, len(recs))
	for i := range recs {
		items[i] = &item{rec: recs[i]}
	}

	workCtx, cancel := sd.bind(ctx)
	defer cancel()

	started := time.Now()
	o.log.Info().Int("selected", len(items)).Int("concurrency", o.Concurrency()).Msg("upload batch started")

	again, err := o.pass(workCtx, sd, items, &sum)
	if err != nil {
		return sum, err
	}

	for p := 1; p <= o.cfg.RetryPasses && len(again) > 0; p++ {
		o.log.Info().Int("pass", p).Int("files", len(again)).Dur("cooldown", o.cfg.BatchCooldown).Msg("retrying transient failures after cooldown")

		if !o.cooldown(workCtx, sd) {
			break
		}

		if again, err = o.refresh(workCtx, again, &sum); err != nil {
			return sum, err
		}

		if again, err = o.pass(workCtx, sd, again, &sum); err != nil {
			return sum, err
		}
	}

	for _, it := range again {
		if sd.Stopping() || workCtx.Err() != nil {
			sum.Pending++
			continue
		}

		out, err := o.fail(workCtx, it)
		if err != nil {
			return sum, err
		}

		tally(&sum, out)
	}

	o.log.Info().
		Int("indexed", sum.Indexed).
		Int("failed", sum.Failed).
		Int("pending", sum.Pending).
		Int("skipped", sum.Skipped).
		Dur("elapsed", time.Since(started)).
		Msg("upload batch finished")

	return sum, nil
}

// pass 以当前并发上限处理 items，返回需要重试的子集.
func (o *Orchestrator) pass(ctx context.Context, sd *Shutdown, items []*item, sum *Summary) ([]*item, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Concurrency())

	var (
		mu    sync.Mutex
		again []*item
	)

	record := func(it *item, out outcome) {
		mu.Lock()
		defer mu.Unlock()

		if out == outRetry {
			again = append(again, it)
			return
		}

		tally(sum, out)
	}

	for i, it := range items {
		if sd.Stopping() || gctx.Err() != nil {
			mu.Lock()
			sum.Pending += len(items) - i
			mu.Unlock()

			break
		}

		g.Go(func() error {
			// 等待空位期间可能已经收到关闭信号
			if sd.Stopping() {
				record(it, outPending)
				return nil
			}

			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()

			out, err := o.advance(gctx, it)
			if err != nil {
				return err
			}

			record(it, out)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return again, nil
}

// refresh 重试轮次前重新读取记录，已被其他写者推进的记录不再处理.
func (o *Orchestrator) refresh(ctx context.Context, items []*item, sum *Summary) ([]*item, error) {
	out := items[:0]

	for _, it := range items {
		rec, err := o.store.Get(ctx, it.rec.Path)
		if errors.Is(err, store.ErrNotFound) {
			sum.Skipped++
			continue
		}

		if err != nil {
			return nil, err
		}

		switch rec.LifecycleState {
		case model.Uploading, model.Processing, model.Untracked:
		default:
			sum.Skipped++
			continue
		}

		if rec.LifecycleState != model.Processing || rec.TransientID() != it.rec.TransientID() {
			it.permanentID = ""
		}

		it.rec = rec
		out = append(out, it)
	}

	return out, nil
}

// advance 把一个文件尽量推进到 Indexed. 只有数据库错误会以 error 返回.
func (o *Orchestrator) advance(ctx context.Context, it *item) (outcome, error) {
	path := it.rec.Path
	log := o.log.With().Str("path", path).Logger()

	release, err := o.machine.Lock(ctx, path)
	switch {
	case errors.Is(err, kv.ErrLocked):
		log.Debug().Msg("advisory lock held elsewhere")
		return outSkipped, nil
	case err != nil && ctx.Err() != nil:
		return outPending, nil
	case err != nil:
		log.Warn().Err(err).Msg("advisory lock unavailable, relying on version checks")

		release = func() {}
	}
	defer release()

	rec := it.rec

	if rec.LifecycleState == model.Untracked {
		if rec, err = o.machine.BeginUpload(ctx, rec); err != nil {
			return o.commitFailure(ctx, log, err)
		}

		it.rec = rec
	}

	if rec.LifecycleState == model.Uploading {
		tid, err := o.upload(ctx, rec)
		if err != nil {
			return o.remoteFailure(ctx, log, it, err)
		}

		if rec, err = o.machine.MarkProcessing(ctx, rec, tid); err != nil {
			o.discard(ctx, log, tid, "")
			return o.commitFailure(ctx, log, err)
		}

		it.rec = rec
	}

	if rec.LifecycleState != model.Processing {
		return outSkipped, nil
	}

	if it.permanentID == "" {
		pid, err := o.importDocument(ctx, rec)
		if err != nil {
			return o.remoteFailure(ctx, log, it, err)
		}

		it.permanentID = pid
	}

	if err := o.awaitVisible(ctx, it.permanentID); err != nil {
		return o.remoteFailure(ctx, log, it, err)
	}

	if _, err := o.machine.MarkIndexed(ctx, rec, it.permanentID); err != nil {
		o.discard(ctx, log, "", it.permanentID)
		return o.commitFailure(ctx, log, err)
	}

	log.Debug().Str("document", it.permanentID).Msg("indexed")

	return outIndexed, nil
}

func (o *Orchestrator) upload(ctx context.Context, rec model.FileRecord) (string, error) {
	var id string

	err := o.withRetry(ctx, remote.OpUploadTransient, func(ctx context.Context) error {
		body, size, err := o.source.Open(ctx, rec.Path)
		if err != nil {
			return &localError{err: err}
		}
		defer body.Close()

		id, err = o.remote.UploadTransient(ctx, remote.UploadRequest{
			Path:        rec.Path,
			Body:        body,
			Size:        size,
			ContentType: contentType(rec.Path, o.cfg.ContentType),
			Metadata:    rec.Metadata,
		})

		return err
	})

	return id, err
}

func (o *Orchestrator) importDocument(ctx context.Context, rec model.FileRecord) (string, error) {
	var id string

	err := o.withRetry(ctx, remote.OpImportPermanent, func(ctx context.Context) error {
		var err error

		id, err = o.remote.ImportPermanent(ctx, rec.TransientID(), remote.ImportRequest{Path: rec.Path, Metadata: rec.Metadata})

		return err
	})

	return id, err
}

// awaitVisible 轮询直到文档可见. 每次尝试有独立的绝对截止时间，超时按暂时错误重试.
func (o *Orchestrator) awaitVisible(ctx context.Context, id string) error {
	return o.withRetry(ctx, remote.OpStatPermanent, func(ctx context.Context) error {
		return o.poll(ctx, id)
	})
}

func (o *Orchestrator) poll(ctx context.Context, id string) error {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.VisibilityDeadline)
	defer cancel()

	for {
		_, err := o.remote.StatPermanent(pctx, id)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if pctx.Err() == nil && !remote.IsNotFound(err) && !remote.Retryable(err) {
			return err
		}

		if pctx.Err() != nil || o.sleeper.Sleep(pctx, o.cfg.PollInterval) != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return remote.NewError(remote.OpStatPermanent, remote.KindTransient, fmt.Errorf("%w: %s", errNotVisible, id))
		}
	}
}

func (o *Orchestrator) withRetry(ctx context.Context, op remote.Op, fn func(ctx context.Context) error) error {
	opts := append([]retry.Option{
		retry.WithNotify(func(attempt int, delay time.Duration, err error) {
			metrics.Retries.WithLabelValues(string(op)).Inc()
			o.log.Debug().Err(err).Str("op", string(op)).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying remote call")
		}),
	}, o.retryOpts...)

	return retry.Do(ctx, retry.FromConfig(o.cfg.Retry), retryable, fn, opts...)
}

func retryable(err error) bool {
	var local *localError
	if errors.As(err, &local) {
		return false
	}

	return remote.Retryable(err)
}

// remoteFailure 决定远端或本地读取失败后的去向.
func (o *Orchestrator) remoteFailure(ctx context.Context, log zerolog.Logger, it *item, err error) (outcome, error) {
	// 被取消的调用不提交任何本地状态
	if ctx.Err() != nil {
		log.Debug().Err(err).Msg("cancelled in flight")
		return outPending, nil
	}

	it.lastErr = err

	var local *localError
	if errors.As(err, &local) && errors.Is(err, fs.ErrNotExist) {
		log.Info().Msg("local file vanished, marking missing")

		if err := o.store.MarkMissing(ctx, it.rec.Path); err != nil && !errors.Is(err, store.ErrNotFound) {
			return outSkipped, err
		}

		return outSkipped, nil
	}

	if retry.IsExhausted(err) || (!errors.As(err, &local) && remote.Retryable(err)) {
		log.Debug().Err(err).Msg("retry budget exhausted, deferring to retry pass")
		return outRetry, nil
	}

	return o.fail(ctx, it)
}

// fail 迁移到 Failed. Processing 中的临时资源与未记录的永久文档尽力删除，
// 之后残留的永久文档由对账清理.
func (o *Orchestrator) fail(ctx context.Context, it *item) (outcome, error) {
	rec := it.rec
	log := o.log.With().Str("path", rec.Path).Logger()

	if rec.LifecycleState == model.Processing {
		o.discard(ctx, log, rec.TransientID(), it.permanentID)
	}

	reason := "unknown error"
	if it.lastErr != nil {
		reason = it.lastErr.Error()
	}

	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}

	if _, err := o.machine.MarkFailed(ctx, rec, reason); err != nil {
		return o.commitFailure(ctx, log, err)
	}

	log.Warn().Str("reason", reason).Msg("file failed")

	return outFailed, nil
}

// commitFailure 区分可放弃的状态写入失败与必须中止运行的数据库错误.
func (o *Orchestrator) commitFailure(ctx context.Context, log zerolog.Logger, err error) (outcome, error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrContentionExceeded),
		errors.Is(err, store.ErrNotFound):
		log.Debug().Err(err).Msg("abandoning file")
		return outSkipped, nil
	case ctx.Err() != nil:
		return outPending, nil
	default:
		return outSkipped, err
	}
}

// discard 尽力删除没有被记录的远端资源.
func (o *Orchestrator) discard(ctx context.Context, log zerolog.Logger, transientID, permanentID string) {
	if ctx.Err() != nil {
		return
	}

	if permanentID != "" {
		if err := o.idem.DeletePermanent(ctx, permanentID); err != nil {
			log.Debug().Err(err).Str("document", permanentID).Msg("discard permanent document")
		}
	}

	if transientID != "" {
		if err := o.idem.DeleteTransient(ctx, transientID); err != nil {
			log.Debug().Err(err).Str("transient", transientID).Msg("discard transient resource")
		}
	}
}

// cooldown 等待批次冷却. 收到关闭信号或 ctx 结束时提前返回 false.
func (o *Orchestrator) cooldown(ctx context.Context, sd *Shutdown) bool {
	if sd.Stopping() {
		return false
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sd.StopC():
			cancel()
		case <-cctx.Done():
		}
	}()

	return o.sleeper.Sleep(cctx, o.cfg.BatchCooldown) == nil && !sd.Stopping()
}

func tally(sum *Summary, out outcome) {
	switch out {
	case outIndexed:
		sum.Indexed++
	case outFailed:
		sum.Failed++
	case outSkipped:
		sum.Skipped++
	case outPending, outRetry:
		sum.Pending++
	}
}
