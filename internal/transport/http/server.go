// Package http provides the HTTP server implementation for crmweb.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/crmweb/internal/config"
	"github.com/xiaot623/crmweb/internal/service"
	v1 "github.com/xiaot623/crmweb/internal/transport/http/v1"
)

// NewServer creates and configures the browser-facing HTTP server.
// It serves the chat stream endpoints and the message history API.
func NewServer(svc *service.Service, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	handler := v1.NewHandler(svc, v1.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WSPingInterval:    cfg.WSPingInterval,
		WSWriteTimeout:    cfg.WSWriteTimeout,
	})

	// Register Routes
	handler.RegisterRoutes(e)

	return e
}
