package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/outbox/application"
	"github.com/davicafu/fleetguard/internal/outbox/domain"
	"github.com/davicafu/fleetguard/pkg/utils"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

// OutboxHandler expone la administración del outbox.
type OutboxHandler struct {
	service *application.OutboxService
}

func NewOutboxHandler(service *application.OutboxService) *OutboxHandler {
	return &OutboxHandler{service: service}
}

// AddEvent endpoint POST /outbox/events
func (h *OutboxHandler) AddEvent(c *gin.Context) {
	var req domain.NewEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	id, err := h.service.AddEvent(c.Request.Context(), req)
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusCreated, gin.H{"eventId": id})
}

// ListEvents endpoint GET /outbox/events?status&eventType&limit&offset
func (h *OutboxHandler) ListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.service.ListEvents(c.Request.Context(), domain.EventFilter{
		Status:     domain.Status(c.Query("status")),
		EventType:  c.Query("eventType"),
		Pagination: sharedQuery.OffsetPagination{Limit: limit, Offset: offset},
	})
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	if events == nil {
		events = []*domain.OutboxEvent{}
	}
	utils.SendSuccess(c, http.StatusOK, events)
}

// GetEvent endpoint GET /outbox/events/:id
func (h *OutboxHandler) GetEvent(c *gin.Context) {
	id, ok := parseEventID(c)
	if !ok {
		return
	}
	evt, err := h.service.GetEvent(c.Request.Context(), id)
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, evt)
}

// RetryEvent endpoint POST /outbox/events/:id/retry
func (h *OutboxHandler) RetryEvent(c *gin.Context) {
	id, ok := parseEventID(c)
	if !ok {
		return
	}
	evt, err := h.service.RetryEvent(c.Request.Context(), id)
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, evt)
}

// RetryAllFailed endpoint POST /outbox/events/retry-failed
func (h *OutboxHandler) RetryAllFailed(c *gin.Context) {
	n, err := h.service.RetryAllFailed(c.Request.Context())
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"requeued": n})
}

// CleanupPublished endpoint POST /outbox/cleanup?retentionDays=
func (h *OutboxHandler) CleanupPublished(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("retentionDays", "7"))
	if err != nil {
		utils.SendBadRequest(c, "retentionDays must be an integer")
		return
	}
	n, err := h.service.CleanupPublished(c.Request.Context(), days)
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"deleted": n, "retentionDays": days})
}

// ListRoutingConfigs endpoint GET /outbox/routing
func (h *OutboxHandler) ListRoutingConfigs(c *gin.Context) {
	routes, err := h.service.ListRoutingConfigs(c.Request.Context())
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	if routes == nil {
		routes = []domain.RoutingConfig{}
	}
	utils.SendSuccess(c, http.StatusOK, routes)
}

// UpdateRoutingConfig endpoint PUT /outbox/routing/:eventType
func (h *OutboxHandler) UpdateRoutingConfig(c *gin.Context) {
	var req application.RoutingUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	cfg, err := h.service.UpdateRoutingConfig(c.Request.Context(), c.Param("eventType"), req)
	if err != nil {
		writeOutboxError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, cfg)
}

// GetPublisherStatus endpoint GET /outbox/publisher/status
func (h *OutboxHandler) GetPublisherStatus(c *gin.Context) {
	utils.SendSuccess(c, http.StatusOK, h.service.GetPublisherStatus())
}

func parseEventID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}

func writeOutboxError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidRoutingConfig),
		errors.Is(err, domain.ErrInvalidRetention):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, domain.ErrEventNotFound), errors.Is(err, domain.ErrRoutingNotFound):
		utils.SendNotFound(c, err.Error())
	case errors.Is(err, domain.ErrStatusConflict):
		utils.SendConflict(c, err.Error())
	default:
		utils.SendInternalServerError(c, err.Error())
	}
}
