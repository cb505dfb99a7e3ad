package router

import (
	"github.com/gin-gonic/gin"

	"github.com/yeisme/indexsync/pkg/internal/handle"
)

// RegisterSchedulerRoutes 注册调度器查询路由. 任务只能由 cron 或 CLI 触发，这里不提供写操作.
func RegisterSchedulerRoutes(g *gin.RouterGroup) {
	g.GET("/scheduler/jobs", handle.SchedulerJobs)
	g.GET("/scheduler/queue", handle.SchedulerQueueWaiting)
}
