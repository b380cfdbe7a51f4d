// Package http provides the HTTP server for the orchestrator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kestrelworks/foreman/internal/service"
	v1 "github.com/kestrelworks/foreman/internal/transport/http/v1"
)

// NewServer creates and configures the orchestrator's HTTP server. Workers
// and operator tooling share the same surface.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)

	return e
}
