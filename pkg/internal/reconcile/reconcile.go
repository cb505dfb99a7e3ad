// Package reconcile 对比状态库的规范永久文档集合与远端完整列举，删除孤儿文档.
//
// 对账从不修改本地状态.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
	"github.com/yeisme/indexsync/pkg/queue"
)

// Options 单次对账参数.
type Options struct {
	// DryRun 只报告孤儿，不删除.
	DryRun bool
	// SkipCooldown 跳过对账前的冷却等待.
	SkipCooldown bool
}

// OrphanError 删除单个孤儿失败.
type OrphanError struct {
	DocumentID string `json:"document_id"`
	Err        string `json:"error"`
}

// Report 对账结果.
type Report struct {
	Listed    int      `json:"listed"`
	Canonical int      `json:"canonical"`
	Orphans   []string `json:"orphans"`
	// Deferred 路径仍有进行中迁移的文档，本次不删除
	Deferred []string      `json:"deferred,omitempty"`
	Deleted  int           `json:"deleted"`
	Errors   []OrphanError `json:"errors,omitempty"`
	DryRun   bool          `json:"dry_run"`
}

// Reconciler 孤儿文档对账.
type Reconciler struct {
	store    *store.Store
	remote   *remote.Idempotent
	cfg      configs.ReconcileConfig
	pageSize int
	events   *queue.Publisher
	sleeper  retry.Sleeper
	log      zerolog.Logger
}

// Option 配置 Reconciler.
type Option func(*Reconciler)

// WithEvents 每删除一个孤儿发布一条事件.
func WithEvents(p *queue.Publisher) Option {
	return func(r *Reconciler) { r.events = p }
}

// WithPageSize 设置列举分页大小.
func WithPageSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithSleeper 替换冷却等待实现.
func WithSleeper(s retry.Sleeper) Option {
	return func(r *Reconciler) { r.sleeper = s }
}

// New 创建对账器.
func New(s *store.Store, c remote.Client, cfg configs.ReconcileConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    s,
		remote:   remote.NewIdempotent(c),
		cfg:      cfg,
		pageSize: configs.DefaultRemotePageSize,
		sleeper:  retry.TimerSleeper,
		log:      nlog.Component("reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run 执行一次对账. 列举或读取规范集合失败时返回错误；单个孤儿删除失败只记入报告.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Report, error) {
	report := Report{DryRun: opts.DryRun, Orphans: []string{}}

	if !opts.SkipCooldown && r.cfg.Cooldown > 0 {
		r.log.Info().Dur("cooldown", r.cfg.Cooldown).Msg("waiting for remote propagation")

		if err := r.sleeper.Sleep(ctx, r.cfg.Cooldown); err != nil {
			return report, err
		}
	}

	started := time.Now()

	// 顺序固定为：列举远端、快照进行中的路径、读规范集合.
	// 快照之后才提交的 Indexed 必然出现在规范集合里，快照之前仍在进行中的路径会被推迟
	docs, err := remote.ListAll(ctx, r.remote, r.pageSize)
	if err != nil {
		return report, err
	}

	active, err := r.activePaths(ctx)
	if err != nil {
		return report, err
	}

	canonical, err := r.store.CanonicalPermanentIDs(ctx)
	if err != nil {
		return report, err
	}

	report.Listed = len(docs)
	report.Canonical = len(canonical)

	var orphans []remote.Document

	for _, d := range docs {
		if _, ok := canonical[d.ID]; ok {
			continue
		}

		if active.has(d) {
			report.Deferred = append(report.Deferred, d.ID)
			continue
		}

		orphans = append(orphans, d)
		report.Orphans = append(report.Orphans, d.ID)
	}

	sort.Strings(report.Orphans)

	if opts.DryRun {
		r.log.Info().Int("listed", report.Listed).Int("orphans", len(orphans)).Msg("dry run, nothing deleted")
		return report, nil
	}

	for _, d := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// 删除前逐个复查，读规范集合之后才提交的引用不能被删
		referenced, err := r.store.ReferencesPermanent(ctx, d.ID)
		if err != nil {
			return report, err
		}

		if referenced {
			r.log.Debug().Str("document", d.ID).Msg("orphan became canonical, kept")
			report.Deferred = append(report.Deferred, d.ID)

			continue
		}

		if err := r.remote.DeletePermanent(ctx, d.ID); err != nil {
			r.log.Warn().Err(err).Str("document", d.ID).Msg("delete orphan")
			report.Errors = append(report.Errors, OrphanError{DocumentID: d.ID, Err: err.Error()})

			continue
		}

		report.Deleted++

		metrics.OrphansDeleted.Inc()

		if err := r.events.OrphanDeleted(ctx, queue.OrphanDeletedPayload{DocumentID: d.ID, Path: d.Path}); err != nil {
			r.log.Warn().Err(err).Str("document", d.ID).Msg("publish orphan event")
		}
	}

	r.log.Info().
		Int("listed", report.Listed).
		Int("canonical", report.Canonical).
		Int("deleted", report.Deleted).
		Int("errors", len(report.Errors)).
		Int("deferred", len(report.Deferred)).
		Dur("elapsed", time.Since(started)).
		Msg("reconcile finished")

	return report, nil
}

// activeSet 进行中的路径及其归属键.
type activeSet struct {
	paths map[string]struct{}
	keys  map[string]struct{}
}

// has 文档带路径时按路径判断，否则按 ID 中编入的归属键判断.
func (a activeSet) has(d remote.Document) bool {
	if d.Path != "" {
		_, ok := a.paths[d.Path]
		return ok
	}

	if d.PathKey != "" {
		_, ok := a.keys[d.PathKey]
		return ok
	}

	return false
}

// activePaths 返回处于 Uploading/Processing 或带有打开意图的路径.
func (r *Reconciler) activePaths(ctx context.Context) (activeSet, error) {
	recs, err := r.store.List(ctx, store.Filter{States: []model.LifecycleState{model.Uploading, model.Processing}})
	if err != nil {
		return activeSet{}, err
	}

	open, err := r.store.OpenIntents(ctx)
	if err != nil {
		return activeSet{}, err
	}

	set := activeSet{
		paths: make(map[string]struct{}, len(recs)+len(open)),
		keys:  make(map[string]struct{}, len(recs)+len(open)),
	}

	for _, rec := range append(recs, open...) {
		set.paths[rec.Path] = struct{}{}
		set.keys[remote.PathKey(rec.Path)] = struct{}{}
	}

	return set, nil
}
