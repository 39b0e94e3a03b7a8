package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		// Health check
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		accounts := api.Group("/accounts")
		accounts.Use(OwnerMiddleware())
		{
			accounts.POST("", h.CreateAccount)
			accounts.POST("/:id/test", h.TestConnection)
			accounts.POST("/:id/sync", h.SyncAccount)
		}

		messages := api.Group("/messages")
		messages.Use(OwnerMiddleware())
		{
			messages.POST("/send", h.SendMessage)
			messages.POST("/bulk", h.BulkMutate)
			messages.GET("/thread/:id", h.ListThreadMessages)
		}

		maintenance := api.Group("/maintenance")
		maintenance.Use(OwnerMiddleware())
		{
			maintenance.POST("/cleanup", h.FlushCaches)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("/:queue/:id", h.GetJob)
		}
	}
}
