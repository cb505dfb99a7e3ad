// Package app 把配置、存储与各业务组件组装成一个可运行的应用.
// 命令行与定时任务都只通过 App 调用业务逻辑.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/lifecycle"
	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/orchestrator"
	"github.com/yeisme/indexsync/pkg/internal/reconcile"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	"github.com/yeisme/indexsync/pkg/internal/remote/memory"
	remotes3 "github.com/yeisme/indexsync/pkg/internal/remote/s3"
	"github.com/yeisme/indexsync/pkg/internal/retry"
	"github.com/yeisme/indexsync/pkg/internal/router"
	"github.com/yeisme/indexsync/pkg/internal/scan"
	"github.com/yeisme/indexsync/pkg/internal/storage"
	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/queue"
	"github.com/yeisme/indexsync/pkg/scheduler"
)

// Producer 事件头中的生产者名.
const Producer = "indexsync"

// ErrBusy 同一进程内已有上传批次在运行.
var ErrBusy = errors.New("an upload batch is already running")

// App 应用容器.
type App struct {
	Config       *configs.AppConfig
	Storage      *storage.Manager
	Store        *store.Store
	Remote       remote.Client
	Events       *queue.Publisher
	Machine      *lifecycle.Machine
	Resets       *lifecycle.ResetManager
	Crawler      *lifecycle.Crawler
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconcile.Reconciler
	Scanner      *scan.Scanner

	mu       sync.Mutex
	running  bool
	idle     chan struct{}
	shutdown *orchestrator.Shutdown
	log      zerolog.Logger
}

// Option 配置 App.
type Option func(*options)

type options struct {
	remote    remote.Client
	storage   *storage.Manager
	retryOpts []retry.Option
	sleeper   retry.Sleeper
}

// WithRemote 使用给定的远端实现（不再按配置创建），测试中传入内存实现.
func WithRemote(c remote.Client) Option {
	return func(o *options) { o.remote = c }
}

// WithStorage 使用已打开的存储资源，App.Close 会关闭它.
func WithStorage(m *storage.Manager) Option {
	return func(o *options) { o.storage = m }
}

// WithRetryOptions 透传给所有重试循环，测试中用于替换 sleeper.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithSleeper 替换编排冷却与对账冷却的等待实现.
func WithSleeper(s retry.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// New 打开存储、迁移状态库并组装全部组件. 不执行恢复扫描，调用方应先调用 Recover.
func New(ctx context.Context, cfg *configs.AppConfig, opts ...Option) (a *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	mgr := o.storage
	if mgr == nil {
		if mgr, err = storage.New(ctx, cfg); err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}

	defer func() {
		if err != nil {
			_ = mgr.Close()
		}
	}()

	if mgr.GetDBClient() == nil {
		return nil, errors.New("state database not initialized")
	}

	st := store.New(mgr.GetDBClient().GetDB())
	if err = st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	rc := o.remote
	if rc == nil {
		if rc, err = newRemote(cfg, mgr); err != nil {
			return nil, err
		}
	}

	events := queue.NewPublisher(mgr.GetMQClient().Publisher(), Producer)

	resets := lifecycle.NewResetManager(st, rc,
		lifecycle.WithRemotePolicy(retry.FromConfig(cfg.Upload.Retry)),
		lifecycle.WithResetOCCPolicy(retry.FromConfig(cfg.Upload.OCC)),
		lifecycle.WithResetRetryOptions(o.retryOpts...),
		lifecycle.WithResetEvents(events),
	)

	machineOpts := []lifecycle.Option{
		lifecycle.WithEvents(events),
		lifecycle.WithOCCPolicy(retry.FromConfig(cfg.Upload.OCC)),
		lifecycle.WithRetryOptions(o.retryOpts...),
		lifecycle.WithResetManager(resets),
	}
	if l := mgr.GetLocker(); l != nil {
		machineOpts = append(machineOpts, lifecycle.WithLocker(l, cfg.Upload.AdvisoryLockTTL))
	}

	machine := lifecycle.NewMachine(st, machineOpts...)

	orchOpts := []orchestrator.Option{orchestrator.WithRetryOptions(o.retryOpts...)}
	recOpts := []reconcile.Option{
		reconcile.WithEvents(events),
		reconcile.WithPageSize(cfg.Remote.ListPageSize),
	}

	if o.sleeper != nil {
		orchOpts = append(orchOpts, orchestrator.WithSleeper(o.sleeper))
		recOpts = append(recOpts, reconcile.WithSleeper(o.sleeper))
	}

	a = &App{
		Config:       cfg,
		Storage:      mgr,
		Store:        st,
		Remote:       rc,
		Events:       events,
		Machine:      machine,
		Resets:       resets,
		Crawler:      lifecycle.NewCrawler(st, resets),
		Orchestrator: orchestrator.New(machine, rc, orchestrator.DirSource{Root: cfg.Upload.Root}, cfg.Upload, orchOpts...),
		Reconciler:   reconcile.New(st, rc, cfg.Reconcile, recOpts...),
		Scanner:      scan.New(st, cfg.Upload.Root),
		shutdown:     orchestrator.NewShutdown(),
		log:          nlog.Component("app"),
	}

	return a, nil
}

// newRemote 按 remote.type 创建远端实现，外面套上限速、熔断与追踪.
func newRemote(cfg *configs.AppConfig, mgr *storage.Manager) (remote.Client, error) {
	var base remote.Client

	switch cfg.Remote.Type {
	case configs.RemoteTypeS3:
		if mgr.GetS3Client() == nil {
			return nil, errors.New("remote type s3 requires an s3 client")
		}

		base = remotes3.New(mgr.GetS3Client())
	case configs.RemoteTypeMemory:
		base = memory.New()
	default:
		return nil, fmt.Errorf("unsupported remote type: %s", cfg.Remote.Type)
	}

	return remote.NewGuarded(base, cfg.Remote), nil
}

// Close 释放存储资源.
func (a *App) Close() error {
	return a.Storage.Close()
}

// Recover 执行启动恢复扫描. 返回 *lifecycle.RecoveryError 时需要运维介入，不应继续处理.
func (a *App) Recover(ctx context.Context) (lifecycle.RecoveryReport, error) {
	return a.Crawler.Run(ctx)
}

// UploadOptions 单次上传命令的参数.
type UploadOptions struct {
	// Limit 本次最多选取的文件数，0 表示使用配置.
	Limit int
	// Concurrency 大于 0 时覆盖配置的并发上限.
	Concurrency int
	// Reconcile 上传结束后执行一次对账.
	Reconcile bool
}

// UploadReport upload 命令的完整结果.
type UploadReport struct {
	Recovery  lifecycle.RecoveryReport `json:"recovery"`
	Summary   orchestrator.Summary     `json:"summary"`
	Reconcile *reconcile.Report        `json:"reconcile,omitempty"`
}

// Upload 恢复扫描 → 批量上传 → 可选的对账. 同一进程内同时只允许一个批次.
// 收到停止信号后不再进入对账.
func (a *App) Upload(ctx context.Context, sd *orchestrator.Shutdown, opts UploadOptions) (UploadReport, error) {
	var report UploadReport

	if !a.begin() {
		return report, ErrBusy
	}
	defer a.end()

	if sd == nil {
		sd = orchestrator.NewShutdown()
	}

	rec, err := a.Recover(ctx)
	report.Recovery = rec

	if err != nil {
		return report, fmt.Errorf("recovery: %w", err)
	}

	if opts.Concurrency > 0 {
		a.Orchestrator.SetConcurrency(opts.Concurrency)
	}

	limit := opts.Limit
	if limit == 0 {
		limit = a.Config.Upload.Limit
	}

	sum, err := a.Orchestrator.Run(ctx, sd, orchestrator.RunOptions{Limit: limit})
	report.Summary = sum

	if err != nil {
		return report, err
	}

	if !opts.Reconcile || sd.Stopping() || ctx.Err() != nil {
		return report, nil
	}

	rr, err := a.Reconciler.Run(ctx, reconcile.Options{})
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}

	report.Reconcile = &rr

	return report, nil
}

func (a *App) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return false
	}

	a.running = true
	a.idle = make(chan struct{})

	return true
}

func (a *App) end() {
	a.mu.Lock()
	a.running = false
	close(a.idle)
	a.mu.Unlock()
}

// Shutdown 定时任务共用的两级关闭信号.
// 第一级之后定时任务不再开始新批次，进行中的批次继续完成；第二级取消进行中的远端调用.
func (a *App) Shutdown() *orchestrator.Shutdown {
	return a.shutdown
}

// Drain 等待进行中的批次结束，或 ctx 结束.
func (a *App) Drain(ctx context.Context) error {
	for {
		a.mu.Lock()
		running, idle := a.running, a.idle
		a.mu.Unlock()

		if !running {
			return nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UploadBatch 定时任务入口，批次结束后按配置对账. 已收到停止信号时直接返回.
func (a *App) UploadBatch(ctx context.Context) error {
	if a.shutdown.Stopping() {
		a.log.Debug().Msg("stopping, scheduled upload skipped")
		return nil
	}

	report, err := a.Upload(ctx, a.shutdown, UploadOptions{Reconcile: a.Config.Reconcile.AfterUpload})
	if err != nil {
		return err
	}

	a.log.Info().
		Int("selected", report.Summary.Selected).
		Int("indexed", report.Summary.Indexed).
		Int("failed", report.Summary.Failed).
		Int("pending", report.Summary.Pending).
		Msg("scheduled upload batch finished")

	return nil
}

// WatchConfig 注册热重载回调：日志级别与上传并发可以在运行中调整.
func (a *App) WatchConfig() {
	configs.OnReload(func(c *configs.AppConfig) {
		nlog.SetLevel(c.Log.Level)
		a.Orchestrator.SetConcurrency(c.Upload.Concurrency)
		a.log.Info().Int("concurrency", c.Upload.Concurrency).Str("log_level", c.Log.Level).Msg("config reloaded")
	})
}

// ReconcileOnce 定时任务入口. 已收到停止信号时直接返回.
func (a *App) ReconcileOnce(ctx context.Context) error {
	if a.shutdown.Stopping() {
		return nil
	}

	report, err := a.Reconcile(ctx, reconcile.Options{})
	if err != nil {
		return err
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("reconcile: %d orphan deletes failed", len(report.Errors))
	}

	return nil
}

// Reconcile 先完成恢复扫描再执行一次对账，半完成的重置不会留到对账里.
func (a *App) Reconcile(ctx context.Context, opts reconcile.Options) (reconcile.Report, error) {
	if _, err := a.Recover(ctx); err != nil {
		return reconcile.Report{}, fmt.Errorf("recovery: %w", err)
	}

	return a.Reconciler.Run(ctx, opts)
}

// EscapeResult 一条 Failed 记录的显式恢复结果.
type EscapeResult struct {
	Path    string `json:"path"`
	Escaped bool   `json:"escaped"`
	State   string `json:"state"`
}

// RecoverFailed 把给定路径的 Failed 记录送回 Untracked；all 为 true 时处理全部 Failed 记录.
func (a *App) RecoverFailed(ctx context.Context, paths []string, all bool) ([]EscapeResult, error) {
	if all {
		recs, err := a.Store.List(ctx, store.Filter{States: []model.LifecycleState{model.Failed}})
		if err != nil {
			return nil, err
		}

		paths = make([]string, 0, len(recs))
		for _, rec := range recs {
			paths = append(paths, rec.Path)
		}
	}

	results := make([]EscapeResult, 0, len(paths))

	for _, p := range paths {
		rec, escaped, err := a.Machine.EscapeFailed(ctx, p)
		if err != nil {
			return results, fmt.Errorf("escape %s: %w", p, err)
		}

		results = append(results, EscapeResult{Path: p, Escaped: escaped, State: rec.LifecycleState.String()})
	}

	return results, nil
}

// Reset 对一个 Indexed 文件执行重置迁移.
func (a *App) Reset(ctx context.Context, path string) (model.FileRecord, error) {
	return a.Machine.Reset(ctx, path)
}

// Engine 创建只读 API 的 gin 引擎.
func (a *App) Engine(sched *scheduler.Scheduler) *gin.Engine {
	return router.New(a.Config, a.Storage, sched)
}

// Serve 运行只读 API 直到 ctx 结束，然后在超时内优雅关闭.
func (a *App) Serve(ctx context.Context, sched *scheduler.Scheduler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler:           a.Engine(sched),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.Config.Server.GetTimeoutDuration(),
	}

	errc := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("status API listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.GetTimeoutDuration())
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
