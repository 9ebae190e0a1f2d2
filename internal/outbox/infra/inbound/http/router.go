package http

import "github.com/gin-gonic/gin"

func RegisterOutboxRoutes(r gin.IRouter, handler *OutboxHandler) {
	outbox := r.Group("/outbox")
	{
		outbox.POST("/events", handler.AddEvent)
		outbox.GET("/events", handler.ListEvents)
		outbox.POST("/events/retry-failed", handler.RetryAllFailed)
		outbox.GET("/events/:id", handler.GetEvent)
		outbox.POST("/events/:id/retry", handler.RetryEvent)
		outbox.POST("/cleanup", handler.CleanupPublished)
		outbox.GET("/routing", handler.ListRoutingConfigs)
		outbox.PUT("/routing/:eventType", handler.UpdateRoutingConfig)
		outbox.GET("/publisher/status", handler.GetPublisherStatus)
	}
}
