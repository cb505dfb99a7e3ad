package handle

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	ctxPkg "github.com/yeisme/indexsync/pkg/context"
)

const timeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func healthy(component string) componentStatus {
	return componentStatus{Component: component, Status: "ok"}
}

func unhealthy(component string, err string) componentStatus {
	return componentStatus{Component: component, Status: "unhealthy", Error: err}
}

func checkDB(ctx context.Context) componentStatus {
	dbc := ctxPkg.GetDBClient(ctx)
	if dbc == nil || dbc.DB == nil { // dbc.DB 来自于嵌入的 *gorm.DB
		return unhealthy("db", "db client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sqlDB, err := dbc.DB.DB()
	if err != nil {
		return unhealthy("db", err.Error())
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return unhealthy("db", err.Error())
	}

	return healthy("db")
}

// checkS3 未使用 S3 远端时视为健康.
func checkS3(ctx context.Context) componentStatus {
	s3c := ctxPkg.GetS3Client(ctx)
	if s3c == nil {
		return componentStatus{Component: "s3", Status: "disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s3c.HealthCheck(ctx); err != nil {
		return unhealthy("s3", err.Error())
	}

	return healthy("s3")
}

func checkMQ(ctx context.Context) componentStatus {
	if !ctxPkg.GetMQClient(ctx).Enabled() {
		return componentStatus{Component: "mq", Status: "disabled"}
	}

	return healthy("mq")
}

func checkKV(ctx context.Context) componentStatus {
	l := ctxPkg.GetLocker(ctx)
	if l == nil {
		return componentStatus{Component: "kv", Status: "disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := l.Holders(ctx); err != nil {
		return unhealthy("kv", err.Error())
	}

	return healthy("kv")
}

func respond(c *gin.Context, st componentStatus) {
	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, st)
}

// Healthz 汇总所有组件的健康状态，任一组件不健康时返回 503.
func Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	checks := []componentStatus{checkDB(ctx), checkS3(ctx), checkMQ(ctx), checkKV(ctx)}

	code, status := http.StatusOK, "ok"

	for _, st := range checks {
		if st.Status == "unhealthy" {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		}
	}

	c.JSON(code, gin.H{"status": status, "components": checks})
}

// HealthDB 数据库健康检查.
func HealthDB(c *gin.Context) { respond(c, checkDB(c.Request.Context())) }

// HealthS3 S3/对象存储健康检查.
func HealthS3(c *gin.Context) { respond(c, checkS3(c.Request.Context())) }

// HealthMQ 消息队列健康检查.
func HealthMQ(c *gin.Context) { respond(c, checkMQ(c.Request.Context())) }

// HealthKV 建议锁后端健康检查.
func HealthKV(c *gin.Context) { respond(c, checkKV(c.Request.Context())) }
