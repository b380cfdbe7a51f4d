package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kestrelworks/foreman/internal/service"
)

// CreateTaskGroup registers a task group under a session.
// POST /v1/sessions/:session_id/groups
func (h *Handler) CreateTaskGroup(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.CreateGroupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	group, err := h.service.CreateTaskGroup(ctx, c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, group)
}

// ListTaskGroups lists every group under a session.
// GET /v1/sessions/:session_id/groups
func (h *Handler) ListTaskGroups(c echo.Context) error {
	ctx := c.Request().Context()

	groups, err := h.service.ListTaskGroups(ctx, c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"groups": groups})
}

// UpdateTaskGroup applies an operator patch to a group.
// PATCH /v1/groups/:group_id
func (h *Handler) UpdateTaskGroup(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.UpdateGroupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	group, err := h.service.UpdateTaskGroup(ctx, c.Param("group_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, group)
}

// CreateCriterion registers a success criterion under a session.
// POST /v1/sessions/:session_id/criteria
func (h *Handler) CreateCriterion(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.CreateCriterionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	criterion, err := h.service.CreateSuccessCriterion(ctx, c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, criterion)
}

// ListCriteria lists every success criterion under a session.
// GET /v1/sessions/:session_id/criteria
func (h *Handler) ListCriteria(c echo.Context) error {
	ctx := c.Request().Context()

	criteria, err := h.service.ListSuccessCriteria(ctx, c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"criteria": criteria})
}

// UpdateCriterion records a criterion status change with evidence.
// PATCH /v1/criteria/:criterion_id
func (h *Handler) UpdateCriterion(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.UpdateCriterionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.service.UpdateSuccessCriterion(ctx, c.Param("criterion_id"), req); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
