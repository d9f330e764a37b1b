// Package streamclient provides an HTTP client for the crmweb chat API with
// SSE streaming.
package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/crmweb/internal/domain"
)

const maxEventSize = 4 * 1024 * 1024

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the server.
type EventHandler func(event SSEEvent) error

// StreamInfo describes the run behind a stream.
type StreamInfo struct {
	RunID  string
	Status domain.RunStatus
	Active bool
}

// StatusError is returned for non-200 responses. It unwraps to the domain
// error matching the status code, so callers can use errors.Is.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return domain.ErrInvalidRequest
	case http.StatusForbidden:
		return domain.ErrPolicyDenied
	case http.StatusNotFound:
		return domain.ErrRunNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusServiceUnavailable:
		return domain.ErrCapacity
	default:
		return nil
	}
}

// Client is an HTTP client for the chat API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new client for the server at baseURL.
// Streams are long-lived, so the HTTP client has no overall timeout;
// bound calls with the context instead.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Start sends a message, starting a run, and streams its events until the
// run completes.
func (c *Client) Start(ctx context.Context, req domain.StartRequest, handler EventHandler) (StreamInfo, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	return c.stream(httpReq, handler)
}

// Attach replays the session's run and follows it until it completes.
func (c *Client) Attach(ctx context.Context, sessionID string, handler EventHandler) (StreamInfo, error) {
	u := c.baseURL + "/api/chat/stream?sessionId=" + url.QueryEscape(sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	return c.stream(httpReq, handler)
}

// Stop aborts the session's active run.
func (c *Client) Stop(ctx context.Context, sessionID string) (domain.StopResponse, error) {
	var resp domain.StopResponse
	body, _ := json.Marshal(domain.StopRequest{SessionID: sessionID})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stop", bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	err = c.doJSON(httpReq, &resp)
	return resp, err
}

// Status reports the state of the session's run.
func (c *Client) Status(ctx context.Context, sessionID string) (domain.StatusResponse, error) {
	var resp domain.StatusResponse
	u := c.baseURL + "/api/chat/status?sessionId=" + url.QueryEscape(sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return resp, fmt.Errorf("failed to create request: %w", err)
	}

	err = c.doJSON(httpReq, &resp)
	return resp, err
}

func (c *Client) doJSON(httpReq *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) stream(httpReq *http.Request, handler EventHandler) (StreamInfo, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StreamInfo{}, statusError(resp)
	}

	info := StreamInfo{
		RunID:  resp.Header.Get("X-Run-Id"),
		Status: domain.RunStatus(resp.Header.Get("X-Run-Status")),
		Active: resp.Header.Get("X-Run-Active") != "false",
	}
	return info, parseSSE(resp.Body, handler)
}

func statusError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(bodyBytes))
	if json.Unmarshal(bodyBytes, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		// Parse event/data lines
		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// DecodeEvent extracts the worker event fields from an SSE data payload.
func DecodeEvent(event SSEEvent) (domain.WorkerEvent, error) {
	evt, err := domain.ParseWorkerEvent([]byte(event.Data))
	if err != nil {
		return domain.WorkerEvent{}, fmt.Errorf("failed to parse event: %w", err)
	}
	return evt, nil
}

// WaitInactive polls Status until the session has no active run.
func (c *Client) WaitInactive(ctx context.Context, sessionID string, interval time.Duration) (domain.StatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, sessionID)
		if err != nil || !status.Active {
			return status, err
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
