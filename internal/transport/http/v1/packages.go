package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kestrelworks/foreman/internal/service"
)

// PublishPackage publishes a context package for downstream workers.
// POST /v1/sessions/:session_id/packages
func (h *Handler) PublishPackage(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.PublishPackageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	pkg, err := h.service.PublishPackage(ctx, c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, pkg)
}

// FetchPackages returns packages due to one consumer under one scope.
// GET /v1/sessions/:session_id/packages?consumer=&group_id=&iteration_scope=&include_consumed=
func (h *Handler) FetchPackages(c echo.Context) error {
	ctx := c.Request().Context()

	consumer := c.QueryParam("consumer")
	if consumer == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "consumer is required"})
	}

	packages, err := h.service.FetchPackages(ctx,
		c.Param("session_id"),
		c.QueryParam("group_id"),
		consumer,
		c.QueryParam("iteration_scope"),
		c.QueryParam("include_consumed") == "true",
	)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"packages": packages})
}

// ConsumePackageRequest is the request body for recording a delivery.
type ConsumePackageRequest struct {
	Consumer       string `json:"consumer"`
	IterationScope string `json:"iteration_scope"`
}

// ConsumePackage records delivery of one package under one iteration scope.
// POST /v1/packages/:package_id/consume
func (h *Handler) ConsumePackage(c echo.Context) error {
	ctx := c.Request().Context()

	var req ConsumePackageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Consumer == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "consumer is required"})
	}

	if err := h.service.ConsumePackage(ctx, c.Param("package_id"), req.Consumer, req.IterationScope); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
