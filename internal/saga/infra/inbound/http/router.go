package http

import "github.com/gin-gonic/gin"

func RegisterSagaRoutes(r gin.IRouter, handler *SagaHandler) {
	sagas := r.Group("/sagas")
	{
		sagas.POST("", handler.StartSaga)
		sagas.GET("/dead-letters", handler.ListDeadLetters)
		sagas.POST("/dead-letters/:id/retry", handler.RetryDeadLetter)
		sagas.POST("/dead-letters/:id/resolve", handler.ResolveDeadLetter)
		sagas.GET("/:id", handler.GetSaga)
		sagas.POST("/:id/resume", handler.ResumeSaga)
		sagas.POST("/:id/cancel", handler.CancelSaga)
	}
}
