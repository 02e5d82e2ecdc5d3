package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nlfolio/converter/api/handlers"
	"github.com/nlfolio/converter/api/middleware"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	// 全局中间件
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API 版本组
	v1 := r.Group("/api/v1")

	// 文档转换路由组
	docs := v1.Group("/documents")
	{
		docs.POST("", h.Document.SubmitDocument)
		docs.POST("/batch", h.Document.SubmitBatch)
		docs.GET("/:documentId/events", h.Document.StreamEvents)
		docs.GET("/:documentId/status", h.Document.GetStatus)
	}

	v1.GET("/artifacts/*location", h.Artifact.Download)
}
