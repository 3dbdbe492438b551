// Package httpapi is the bridge's operator HTTP surface, scaled down to
// the observability surface a running bridge actually needs: a health
// check, manual Task resolution, and manual message re-enqueue.
package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
)

type Handler struct {
	coordinator *mapping.Coordinator
	messages    *hl7intake.Service
}

func NewHandler(coordinator *mapping.Coordinator, messages *hl7intake.Service) *Handler {
	return &Handler{coordinator: coordinator, messages: messages}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.POST("/admin/tasks/:id/resolve", h.ResolveTask)
	e.POST("/admin/messages/:id/reenqueue", h.ReenqueueMessage)
}

func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type resolveTaskRequest struct {
	ResolvedCode    string `json:"resolvedCode"`
	ResolvedDisplay string `json:"resolvedDisplay"`
}

// ResolveTask invokes the Task-resolution coordinator directly from an
// operator request.
func (h *Handler) ResolveTask(c echo.Context) error {
	taskID := c.Param("id")
	var req resolveTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorOutcome(err.Error()))
	}
	if req.ResolvedCode == "" {
		return c.JSON(http.StatusBadRequest, errorOutcome("resolvedCode is required"))
	}

	result, err := h.coordinator.Resolve(c.Request().Context(), taskID, req.ResolvedCode, req.ResolvedDisplay)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, errorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, result)
}

// ReenqueueMessage forces a message at StatusError back to StatusReceived
// for operator-driven retry.
func (h *Handler) ReenqueueMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorOutcome("invalid id"))
	}
	if _, err := h.messages.Get(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusNotFound, notFoundOutcome("IncomingHL7v2Message", c.Param("id")))
	}
	if err := h.messages.ReenqueueManually(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusInternalServerError, errorOutcome(err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}
