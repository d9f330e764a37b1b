package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crmweb/internal/domain"
)

// GetSession returns a session's timestamps.
// GET /api/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// GetSessionMessages retrieves messages for a session.
// GET /api/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	sessionID := c.Param("session_id")
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	before := c.QueryParam("before")

	ctx := c.Request().Context()

	messages, err := h.service.GetMessages(ctx, sessionID, limit, before)
	if err != nil {
		return errorJSON(c, err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"hasMore":  len(messages) == limit, // Approximate
	})
}

// SaveSessionMessages upserts messages finalized by the client.
// POST /api/sessions/:session_id/messages
func (h *Handler) SaveSessionMessages(c echo.Context) error {
	var req domain.SaveMessagesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	sessionID := c.Param("session_id")
	if err := h.service.SaveMessages(c.Request().Context(), sessionID, req.Messages); err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"saved":     len(req.Messages),
	})
}

// GetSessionRuns lists the recorded runs of a session, newest first.
// GET /api/sessions/:session_id/runs
func (h *Handler) GetSessionRuns(c echo.Context) error {
	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	runs, err := h.service.ListRuns(c.Request().Context(), c.Param("session_id"), limit)
	if err != nil {
		return errorJSON(c, err)
	}
	if runs == nil {
		runs = []domain.RunRecord{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}
