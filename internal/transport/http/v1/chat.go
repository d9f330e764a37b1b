package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crmweb/internal/domain"
)

// StartChat starts a run and streams its events.
// POST /api/chat
func (h *Handler) StartChat(c echo.Context) error {
	var req domain.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	// The run is detached from this request; only the subscription is tied to it.
	run, sub, err := h.service.StartChat(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}

	writeSSEHeaders(c, run)
	return h.streamSSE(c, run, sub)
}

// StreamChat replays the session's run and follows it live.
// GET /api/chat/stream?sessionId=
func (h *Handler) StreamChat(c echo.Context) error {
	run, sub, err := h.service.AttachStream(c.QueryParam("sessionId"))
	if err != nil {
		return errorJSON(c, err)
	}

	writeSSEHeaders(c, run)
	setRunHeaders(c, run)
	return h.streamSSE(c, run, sub)
}

// StopChat aborts the session's active run.
// POST /api/chat/stop
func (h *Handler) StopChat(c echo.Context) error {
	var req domain.StopRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, err := h.service.StopChat(req.SessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ChatStatus reports whether the session has an active run.
// GET /api/chat/status?sessionId=
func (h *Handler) ChatStatus(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "sessionId is required"})
	}
	return c.JSON(http.StatusOK, h.service.ChatStatus(sessionID))
}

// ListActiveRuns lists the runs currently held in memory.
// GET /api/chat/runs
func (h *Handler) ListActiveRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": h.service.ActiveRuns(),
	})
}
