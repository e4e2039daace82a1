package api

import (
	"github.com/gin-gonic/gin"

	"longaudio/config"
	"longaudio/settings"
	"longaudio/task"
)

func SetupRouter(c *task.Coordinator, tasks *task.Store, st *settings.Store, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	// Multipart bodies above this spill to temp files.
	r.MaxMultipartMemory = 32 << 20
	h := NewHandler(c, tasks, st, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.GET("/tasks/:taskId/transcript", h.handleGetTranscript)
		v1.GET("/submitters/:submitterId/tasks", h.handleListSubmitterTasks)
		v1.GET("/queue", h.handleQueueStats)

		v1.GET("/settings", h.handleGetSettings)
		v1.PUT("/settings/:key", h.handlePutSetting)
		v1.POST("/settings/invalidate", h.handleInvalidateSettings)
	}
	return r
}
