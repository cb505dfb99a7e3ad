// Package router 管理只读状态 API 的路由配置.
package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/handle"
	"github.com/yeisme/indexsync/pkg/internal/storage"
	"github.com/yeisme/indexsync/pkg/metrics"
	"github.com/yeisme/indexsync/pkg/middleware"
	"github.com/yeisme/indexsync/pkg/scheduler"
)

// New 创建挂好中间件与路由的 gin 引擎. sched 可以为 nil.
//
//	GET /healthz
//	GET /metrics                      (metrics.enabled 时)
//	GET /api/v1/files
//	GET /api/v1/files/*path
//	GET /api/v1/stats
//	GET /api/v1/scheduler/jobs
//	GET /api/v1/scheduler/queue
//	GET /api/v1/health/{db,s3,mq,kv}
func New(cfg *configs.AppConfig, mgr *storage.Manager, sched *scheduler.Scheduler) *gin.Engine {
	engine := gin.New()

	engine.Use(
		gin.Recovery(),
		middleware.StorageMiddleware(mgr),
		middleware.SchedulerMiddleware(sched),
		middleware.GinLoggerMiddleware(),
		middleware.CORSMiddleware(cfg.Server),
		middleware.TracingMiddleware(),
		middleware.RateLimitMiddleware(cfg.Server.RateLimit),
		gzip.Gzip(gzip.DefaultCompression),
	)

	if cfg.Metrics.Enabled {
		engine.Use(middleware.PrometheusMiddleware())
		_ = metrics.StartMetricsServer(cfg.Metrics, engine)
	}

	engine.NoRoute(handle.NotFound)

	Register(engine)

	return engine
}

// Register 绑定全部只读路由.
func Register(engine *gin.Engine) {
	engine.GET("/healthz", handle.Healthz)

	v1 := engine.Group("/api/v1")
	{
		RegisterFilesRoutes(v1)
		RegisterStatsRoutes(v1)
		RegisterSchedulerRoutes(v1)
		RegisterHealthCheckRoute(v1)
	}
}
