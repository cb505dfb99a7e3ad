// Package handle 提供只读状态 API 的请求处理器. 处理器从不写入状态库.
package handle

import (
	"net/http"

	"github.com/gin-gonic/gin"

	ctxPkg "github.com/yeisme/indexsync/pkg/context"
	"github.com/yeisme/indexsync/pkg/internal/store"
)

// NotFound 未匹配路由时返回 JSON 格式的 404.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "path": c.Request.URL.Path})
}

// getStore 取出请求上下文中的状态库，未初始化时直接写 503.
func getStore(c *gin.Context) (*store.Store, bool) {
	s := ctxPkg.GetStore(c.Request.Context())
	if s == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store not initialized"})
		return nil, false
	}

	return s, true
}
