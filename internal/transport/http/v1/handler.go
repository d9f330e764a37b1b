// Package v1 provides the HTTP handlers of the chat API.
package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crmweb/internal/domain"
	"github.com/xiaot623/crmweb/internal/service"
)

// Options tune the streaming transports. Zero values select defaults.
type Options struct {
	HeartbeatInterval time.Duration
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
}

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.WSPingInterval <= 0 {
		opts.WSPingInterval = 30 * time.Second
	}
	if opts.WSWriteTimeout <= 0 {
		opts.WSWriteTimeout = 10 * time.Second
	}
	return &Handler{
		service: service,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Chat runs
	e.POST("/api/chat", h.StartChat)
	e.GET("/api/chat/stream", h.StreamChat)
	e.POST("/api/chat/stop", h.StopChat)
	e.GET("/api/chat/status", h.ChatStatus)
	e.GET("/api/chat/runs", h.ListActiveRuns)
	e.GET("/api/chat/ws", h.AttachWebSocket)

	// Conversation history
	e.GET("/api/sessions/:session_id", h.GetSession)
	e.GET("/api/sessions/:session_id/messages", h.GetSessionMessages)
	e.POST("/api/sessions/:session_id/messages", h.SaveSessionMessages)
	e.GET("/api/sessions/:session_id/runs", h.GetSessionRuns)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
