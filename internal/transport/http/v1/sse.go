package v1

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/crmweb/internal/broadcast"
	"github.com/xiaot623/crmweb/internal/ledger"
)

const (
	headerRunID     = "X-Run-Id"
	headerRunStatus = "X-Run-Status"
	headerRunActive = "X-Run-Active"
)

// writeSSEHeaders starts an event-stream response.
func writeSSEHeaders(c echo.Context, run *ledger.Run) {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set(headerRunID, run.ID)
}

// sendSSEData writes one event frame: data: <json>\n\n.
func sendSSEData(c echo.Context, data json.RawMessage) error {
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// sendSSEComment writes a comment line, ignored by EventSource clients.
func sendSSEComment(c echo.Context, text string) error {
	if _, err := fmt.Fprintf(c.Response(), ": %s\n\n", text); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// streamSSE relays sub to the response until the run completes or the
// client goes away. Only the subscription is released on disconnect; the run
// keeps going. A closed response means the run is complete, so a subscription
// that ends early aborts the connection instead and the client reconnects.
func (h *Handler) streamSSE(c echo.Context, run *ledger.Run, sub *broadcast.Subscription) error {
	defer sub.Close()

	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					slog.Warn("stream subscriber ended early, aborting response", "session_id", run.SessionID, "run_id", run.ID, "error", err)
					panic(http.ErrAbortHandler)
				}
				return nil
			}
			if err := sendSSEData(c, evt.Data); err != nil {
				slog.Debug("client write failed", "session_id", run.SessionID, "seq", evt.Seq, "error", err)
				return nil
			}

		case <-heartbeat.C:
			if err := sendSSEComment(c, "ping"); err != nil {
				return nil
			}

		case <-ctx.Done():
			// Client disconnected
			return nil
		}
	}
}

func setRunHeaders(c echo.Context, run *ledger.Run) {
	status := run.Status()
	c.Response().Header().Set(headerRunStatus, string(status))
	c.Response().Header().Set(headerRunActive, strconv.FormatBool(status.IsActive()))
}
