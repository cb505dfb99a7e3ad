// Package metrics 提供监控指标功能.
// 支持Prometheus标准，收集状态迁移、远端调用、对账与只读 API 的指标.
//
// Example:
//
//	import "github.com/yeisme/indexsync/pkg/metrics"
//
//	err := metrics.InitMetrics(config.Metrics)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// 记录指标
//	metrics.Transitions.WithLabelValues("uploading", "processing").Inc()
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yeisme/indexsync/pkg/configs"
)

const namespace = "indexsync"

// 全局指标变量. 未调用 InitMetrics 时依然可以安全记录，只是不会被导出.
var (
	// RequestCounter HTTP请求计数器.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration HTTP请求持续时间.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Transitions 已提交的生命周期迁移.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	// OCCConflicts 版本号不匹配导致的条件写入失败.
	OCCConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occ_conflicts_total",
			Help:      "Conditional writes rejected because the version moved",
		},
		[]string{"op"},
	)

	// RemoteCalls 远端调用结果，outcome 为 ok 或错误类别.
	RemoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Calls to the remote index service by outcome",
		},
		[]string{"op", "outcome"},
	)

	// RemoteDuration 远端调用耗时.
	RemoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Remote index service call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Retries 重试次数（不含首次尝试）.
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts after a retryable failure",
		},
		[]string{"op"},
	)

	// InFlight 正在处理的文件数.
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrator_inflight",
			Help:      "Files currently being processed by the orchestrator",
		},
	)

	// FilesByState 各生命周期状态下的记录数，由 status/stats 刷新.
	FilesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "files",
			Help:      "Tracked file records per lifecycle state",
		},
		[]string{"state"},
	)

	// OrphansDeleted 对账删除的孤儿文档.
	OrphansDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_orphans_deleted_total",
			Help:      "Orphan permanent documents deleted by reconciliation",
		},
	)

	// IntentsRecovered 恢复扫描处理的重置意图.
	IntentsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_intents_total",
			Help:      "Reset intents processed by the recovery crawler",
		},
		[]string{"outcome"},
	)

	// registry Prometheus注册表.
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

// InitMetrics 初始化Metrics. 可重复调用，只有第一次生效.
func InitMetrics(config configs.MetricsConfig) error {
	if !config.Enabled {
		return nil
	}

	var err error

	registerOnce.Do(func() {
		var reg prometheus.Registerer = registry
		if len(config.Labels) > 0 {
			reg = prometheus.WrapRegistererWith(prometheus.Labels(config.Labels), registry)
		}

		// 默认注册表自带运行时收集器，gorm 插件也注册在默认注册表上
		if !config.RuntimeMetrics {
			prometheus.Unregister(collectors.NewGoCollector())
			prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}

		for _, c := range []prometheus.Collector{
			RequestCounter, RequestDuration, Transitions, OCCConflicts, RemoteCalls,
			RemoteDuration, Retries, InFlight, FilesByState, OrphansDeleted, IntentsRecovered,
		} {
			if e := reg.Register(c); e != nil {
				err = errors.Join(err, e)
			}
		}
	})

	return err
}

// Handler 返回同时导出本包注册表与默认注册表的 HTTP handler.
func Handler() http.Handler {
	gatherers := prometheus.Gatherers{registry, prometheus.DefaultGatherer}

	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// StartMetricsServer 在 gin 引擎上挂载 /metrics.
func StartMetricsServer(config configs.MetricsConfig, engine *gin.Engine) error {
	if !config.Enabled {
		return nil
	}

	engine.GET("/metrics", gin.WrapH(Handler()))

	return nil
}

// Serve 在独立地址上导出指标直到 ctx 结束，供一次性命令使用.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// GetRegistry 获取Prometheus注册表.
func GetRegistry() *prometheus.Registry {
	return registry
}

// ObserveRemote 记录一次远端调用的耗时与结果.
func ObserveRemote(op, outcome string, started time.Time) {
	RemoteCalls.WithLabelValues(op, outcome).Inc()
	RemoteDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
