package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/saga/application"
	"github.com/davicafu/fleetguard/internal/saga/domain"
	"github.com/davicafu/fleetguard/pkg/utils"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

// SagaHandler expone el orquestador y el almacén de dead letters por HTTP.
type SagaHandler struct {
	orchestrator *application.Orchestrator
	deadLetters  *application.DeadLetterService
}

func NewSagaHandler(orchestrator *application.Orchestrator, deadLetters *application.DeadLetterService) *SagaHandler {
	return &SagaHandler{orchestrator: orchestrator, deadLetters: deadLetters}
}

type sagaAccepted struct {
	SagaID string            `json:"sagaId"`
	Status domain.SagaStatus `json:"status"`
}

// StartSaga endpoint POST /sagas
func (h *SagaHandler) StartSaga(c *gin.Context) {
	var req struct {
		SagaType string               `json:"sagaType" binding:"required"`
		SagaID   string               `json:"sagaId"`
		Input    sharedDomain.Payload `json:"input"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	var opts []application.ExecOption
	if req.SagaID != "" {
		opts = append(opts, application.WithSagaID(req.SagaID))
	}
	inst, err := h.orchestrator.Start(c.Request.Context(), req.SagaType, req.Input, opts...)
	if err != nil {
		writeSagaError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, sagaAccepted{SagaID: inst.ID, Status: inst.Status})
}

// GetSaga endpoint GET /sagas/:id
func (h *SagaHandler) GetSaga(c *gin.Context) {
	detail, err := h.orchestrator.GetSagaDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSagaError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, detail)
}

// ResumeSaga endpoint POST /sagas/:id/resume
func (h *SagaHandler) ResumeSaga(c *gin.Context) {
	inst, err := h.orchestrator.ResumeInBackground(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSagaError(c, err)
		return
	}
	status := http.StatusAccepted
	if inst.Status.IsTerminal() {
		status = http.StatusOK
	}
	utils.SendSuccess(c, status, sagaAccepted{SagaID: inst.ID, Status: inst.Status})
}

// CancelSaga endpoint POST /sagas/:id/cancel
func (h *SagaHandler) CancelSaga(c *gin.Context) {
	id := c.Param("id")
	if err := h.orchestrator.Cancel(c.Request.Context(), id); err != nil {
		writeSagaError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, gin.H{"sagaId": id, "cancelRequested": true})
}

// ListDeadLetters endpoint GET /sagas/dead-letters?limit&offset&unresolved&sagaType
func (h *SagaHandler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	unresolved, _ := strconv.ParseBool(c.DefaultQuery("unresolved", "false"))

	list, err := h.deadLetters.ListDeadLetters(c.Request.Context(), domain.DeadLetterFilter{
		UnresolvedOnly: unresolved,
		SagaType:       c.Query("sagaType"),
		Pagination:     sharedQuery.OffsetPagination{Limit: limit, Offset: offset},
	})
	if err != nil {
		writeSagaError(c, err)
		return
	}
	if list == nil {
		list = []*domain.DeadLetter{}
	}
	utils.SendSuccess(c, http.StatusOK, list)
}

// RetryDeadLetter endpoint POST /sagas/dead-letters/:id/retry
func (h *SagaHandler) RetryDeadLetter(c *gin.Context) {
	id, ok := parseDeadLetterID(c)
	if !ok {
		return
	}
	res, err := h.deadLetters.RetryDeadLetter(c.Request.Context(), id)
	if err != nil && res == nil {
		writeSagaError(c, err)
		return
	}
	// Si la reejecución no pudo arrancar el resultado sigue siendo útil: la
	// resolución del dead letter explica el motivo.
	utils.SendSuccess(c, http.StatusOK, res)
}

// ResolveDeadLetter endpoint POST /sagas/dead-letters/:id/resolve
func (h *SagaHandler) ResolveDeadLetter(c *gin.Context) {
	id, ok := parseDeadLetterID(c)
	if !ok {
		return
	}
	var req struct {
		ResolvedBy string `json:"resolvedBy" binding:"required"`
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	dl, err := h.deadLetters.ResolveDeadLetter(c.Request.Context(), id, req.ResolvedBy, req.Resolution)
	if err != nil {
		writeSagaError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, dl)
}

func parseDeadLetterID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid dead letter id")
		return uuid.Nil, false
	}
	return id, true
}

// writeSagaError traduce los errores de dominio a códigos HTTP.
func writeSagaError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownSagaType):
		utils.SendError(c, http.StatusBadRequest, "unknown_saga_type", err.Error())
	case errors.Is(err, domain.ErrSagaNotFound), errors.Is(err, domain.ErrDeadLetterNotFound):
		utils.SendNotFound(c, err.Error())
	case errors.Is(err, domain.ErrSagaAlreadyExists),
		errors.Is(err, domain.ErrSagaInProgress),
		errors.Is(err, domain.ErrSagaTerminal),
		errors.Is(err, domain.ErrConcurrentUpdate),
		errors.Is(err, domain.ErrDeadLetterNotRetryable),
		errors.Is(err, domain.ErrDeadLetterResolved):
		utils.SendConflict(c, err.Error())
	default:
		utils.SendInternalServerError(c, err.Error())
	}
}
