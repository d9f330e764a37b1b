package v1

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crmweb/internal/domain"
)

const wsReadLimit = 4096

// wsClientMessage is a control message sent by a WebSocket client.
type wsClientMessage struct {
	Type string `json:"type"`
}

// AttachWebSocket replays the session's run and follows it live over a
// WebSocket, one text frame per event. The socket is closed with a normal
// closure when the run completes, or with 1013 if the subscription fell
// behind. A client may send {"type":"stop"} to abort
// the run.
// GET /api/chat/ws?sessionId=
func (h *Handler) AttachWebSocket(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	run, sub, err := h.service.AttachStream(sessionID)
	if err != nil {
		return errorJSON(c, err)
	}
	defer sub.Close()

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "session_id", sessionID, "error", err)
		return nil
	}
	defer ws.Close()

	readDone := make(chan struct{})
	go h.wsReadPump(ws, sessionID, readDone)

	ping := time.NewTicker(h.opts.WSPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			ws.SetWriteDeadline(time.Now().Add(h.opts.WSWriteTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, wsCloseMessage(run.Status(), sub.Err()))
				return nil
			}
			if err := ws.WriteMessage(websocket.TextMessage, evt.Data); err != nil {
				slog.Debug("websocket write failed", "session_id", sessionID, "seq", evt.Seq, "error", err)
				return nil
			}

		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(h.opts.WSWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}

		case <-readDone:
			// Client disconnected
			return nil
		}
	}
}

// wsCloseMessage is a normal closure when the run completed, and "try again
// later" when the subscription ended early so the client reattaches.
func wsCloseMessage(status domain.RunStatus, err error) []byte {
	if err != nil {
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status))
}

// wsReadPump handles client control messages until the connection drops.
func (h *Handler) wsReadPump(ws *websocket.Conn, sessionID string, done chan<- struct{}) {
	defer close(done)

	ws.SetReadLimit(wsReadLimit)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "session_id", sessionID, "error", err)
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "stop" {
			if _, err := h.service.StopChat(sessionID); err != nil {
				slog.Warn("websocket stop failed", "session_id", sessionID, "error", err)
			}
		}
	}
}
