// Package v1 provides HTTP handlers for the orchestrator ledger API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session lifecycle
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.POST("/v1/sessions/:session_id/pause", h.PauseSession)
	e.POST("/v1/sessions/:session_id/resume", h.ResumeSession)
	e.POST("/v1/sessions/:session_id/cancel", h.CancelSession)
	e.GET("/v1/sessions/:session_id/dashboard", h.Dashboard)

	// Ledger
	e.PUT("/v1/sessions/:session_id/state/:kind", h.SaveState)
	e.GET("/v1/sessions/:session_id/state/:kind", h.GetState)
	e.POST("/v1/sessions/:session_id/interactions", h.LogInteraction)
	e.GET("/v1/sessions/:session_id/interactions", h.ListInteractions)
	e.POST("/v1/sessions/:session_id/reasoning", h.SaveReasoning)
	e.POST("/v1/sessions/:session_id/events", h.SaveEvent)

	// Task groups
	e.POST("/v1/sessions/:session_id/groups", h.CreateTaskGroup)
	e.GET("/v1/sessions/:session_id/groups", h.ListTaskGroups)
	e.PATCH("/v1/groups/:group_id", h.UpdateTaskGroup)

	// Success criteria
	e.POST("/v1/sessions/:session_id/criteria", h.CreateCriterion)
	e.GET("/v1/sessions/:session_id/criteria", h.ListCriteria)
	e.PATCH("/v1/criteria/:criterion_id", h.UpdateCriterion)

	// Context packages
	e.POST("/v1/sessions/:session_id/packages", h.PublishPackage)
	e.GET("/v1/sessions/:session_id/packages", h.FetchPackages)
	e.POST("/v1/packages/:package_id/consume", h.ConsumePackage)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// writeError maps domain error classes to HTTP statuses.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrConsistency):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
