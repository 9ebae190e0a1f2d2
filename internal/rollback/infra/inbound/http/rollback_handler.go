package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/rollback/application"
	"github.com/davicafu/fleetguard/internal/rollback/domain"
	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	"github.com/davicafu/fleetguard/pkg/utils"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

type RollbackHandler struct {
	service *application.RollbackService
}

func NewRollbackHandler(service *application.RollbackService) *RollbackHandler {
	return &RollbackHandler{service: service}
}

// ExecuteRollback endpoint POST /rollbacks
func (h *RollbackHandler) ExecuteRollback(c *gin.Context) {
	var req domain.RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	exec, err := h.service.ExecuteRollback(c.Request.Context(), req)
	if err != nil {
		writeRollbackError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, exec)
}

// GetExecution endpoint GET /rollbacks/:id
func (h *RollbackHandler) GetExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid execution id")
		return
	}
	exec, err := h.service.GetExecution(c.Request.Context(), id)
	if err != nil {
		writeRollbackError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, exec)
}

// ListExecutions endpoint GET /rollbacks?status&targetType&targetId&limit&offset
func (h *RollbackHandler) ListExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	execs, err := h.service.ListExecutions(c.Request.Context(), domain.ExecutionFilter{
		Status:     domain.ExecutionStatus(c.Query("status")),
		TargetType: domain.TargetType(c.Query("targetType")),
		TargetID:   c.Query("targetId"),
		Pagination: sharedQuery.OffsetPagination{Limit: limit, Offset: offset},
	})
	if err != nil {
		writeRollbackError(c, err)
		return
	}
	if execs == nil {
		execs = []*domain.RollbackExecution{}
	}
	utils.SendSuccess(c, http.StatusOK, execs)
}

func writeRollbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, sagaDomain.ErrUnknownSagaType):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, domain.ErrExecutionNotFound):
		utils.SendNotFound(c, err.Error())
	case errors.Is(err, domain.ErrExecutionExists), errors.Is(err, sagaDomain.ErrSagaAlreadyExists):
		utils.SendConflict(c, err.Error())
	default:
		utils.SendInternalServerError(c, err.Error())
	}
}
