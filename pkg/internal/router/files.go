package router

import (
	"github.com/gin-gonic/gin"

	"github.com/yeisme/indexsync/pkg/internal/handle"
)

// RegisterFilesRoutes 注册文件记录查询路由. 路径参数为相对根目录的文件路径，可包含 /.
func RegisterFilesRoutes(g *gin.RouterGroup) {
	filesRoutes := g.Group("/files")
	{
		filesRoutes.GET("", handle.ListFiles)
		filesRoutes.GET("/*path", handle.GetFile)
	}
}
