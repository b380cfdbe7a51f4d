package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kestrelworks/foreman/internal/service"
)

// CreateSession creates a new orchestration session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := h.service.CreateSession(ctx, req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, session)
}

// GetSession returns one session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()

	session, err := h.service.GetSession(ctx, c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, session)
}

// PauseSession stops further scheduling for a session.
// POST /v1/sessions/:session_id/pause
func (h *Handler) PauseSession(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.service.PauseSession(ctx, c.Param("session_id")); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ResumeSession returns a paused session to active.
// POST /v1/sessions/:session_id/resume
func (h *Handler) ResumeSession(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.service.ResumeSession(ctx, c.Param("session_id")); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// CancelSession terminates a session permanently.
// POST /v1/sessions/:session_id/cancel
func (h *Handler) CancelSession(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.service.CancelSession(ctx, c.Param("session_id")); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Dashboard returns the session's aggregate snapshot.
// GET /v1/sessions/:session_id/dashboard
func (h *Handler) Dashboard(c echo.Context) error {
	ctx := c.Request().Context()

	snapshot, err := h.service.DashboardSnapshot(ctx, c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, snapshot)
}
