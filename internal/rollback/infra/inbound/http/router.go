package http

import "github.com/gin-gonic/gin"

func RegisterRollbackRoutes(r gin.IRouter, handler *RollbackHandler) {
	rollbacks := r.Group("/rollbacks")
	{
		rollbacks.POST("", handler.ExecuteRollback)
		rollbacks.GET("", handler.ListExecutions)
		rollbacks.GET("/:id", handler.GetExecution)
	}
}
