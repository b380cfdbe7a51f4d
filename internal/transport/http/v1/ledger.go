package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/service"
)

// SaveState upserts a session state document.
// PUT /v1/sessions/:session_id/state/:kind?scope=
func (h *Handler) SaveState(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}
	if !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "payload must be valid JSON"})
	}

	if err := h.service.SaveState(ctx, c.Param("session_id"), c.Param("kind"), c.QueryParam("scope"), body); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// GetState reads a session state document back.
// GET /v1/sessions/:session_id/state/:kind?scope=
func (h *Handler) GetState(c echo.Context) error {
	ctx := c.Request().Context()

	entry, err := h.service.GetState(ctx, c.Param("session_id"), c.Param("kind"), c.QueryParam("scope"))
	if err != nil {
		return writeError(c, err)
	}
	if entry == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "state not found"})
	}

	return c.JSON(http.StatusOK, entry)
}

// LogInteraction appends one ledger record.
// POST /v1/sessions/:session_id/interactions
func (h *Handler) LogInteraction(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.LogInteractionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	rec, err := h.service.LogInteraction(ctx, c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, rec)
}

// ListInteractions reads the ledger back, newest first.
// GET /v1/sessions/:session_id/interactions?group_id=&limit=
func (h *Handler) ListInteractions(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	records, err := h.service.ListInteractions(ctx, c.Param("session_id"), c.QueryParam("group_id"), limit)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"interactions": records})
}

// SaveReasoningRequest is the request body for a reasoning trace.
type SaveReasoningRequest struct {
	GroupID    string  `json:"group_id,omitempty"`
	WorkerType string  `json:"worker_type"`
	Phase      string  `json:"phase"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SaveReasoning records a worker's reasoning trace.
// POST /v1/sessions/:session_id/reasoning
func (h *Handler) SaveReasoning(c echo.Context) error {
	ctx := c.Request().Context()

	var req SaveReasoningRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	rec, err := h.service.SaveReasoning(ctx, c.Param("session_id"), req.GroupID, req.WorkerType, domain.ReasoningPayload{
		Phase:      req.Phase,
		Content:    req.Content,
		Confidence: req.Confidence,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, rec)
}

// SaveEvent records a deduplicated session event.
// POST /v1/sessions/:session_id/events
func (h *Handler) SaveEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.SaveEventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	event, created, err := h.service.SaveEvent(ctx, c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{
		"event":   event,
		"created": created,
	})
}
