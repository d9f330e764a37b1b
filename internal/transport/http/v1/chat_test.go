//go:build unix

package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/crmweb/internal/domain"
)

const quickWorker = `
read line
printf '{"type":"text-delta","delta":"a"}\n'
printf '{"type":"text-delta","delta":"b"}\n'
`

// gatedWorker emits one event, waits for gate to exist, then emits another.
func gatedWorker(gate string) string {
	return fmt.Sprintf(`
read line
printf '{"type":"text-delta","delta":"first"}\n'
while [ ! -f %q ]; do sleep 0.02; done
printf '{"type":"text-delta","delta":"second"}\n'
`, gate)
}

func waitInactive(t *testing.T, baseURL, sessionID string) domain.StatusResponse {
	t.Helper()
	var status domain.StatusResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/api/chat/status?sessionId=" + sessionID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return !status.Active
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestChatLifecycle(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	srv, _ := newTestServer(t, gatedWorker(gate), Options{})

	// 1. Start: 200 and the stream begins.
	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)
	assert.Equal(t, "text/event-stream", start.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", start.Header.Get("Cache-Control"))
	assert.NotEmpty(t, start.Header.Get("X-Run-Id"))

	stream := newSSEReader(start)
	kind, payload, ok := stream.next()
	require.True(t, ok)
	assert.Equal(t, "data", kind)
	assert.JSONEq(t, `{"type":"text-delta","delta":"first"}`, payload)

	// 2. A second start while the run is active conflicts.
	conflict := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"again"}`)
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	// 3. The run finishes and the start stream closes.
	require.NoError(t, os.WriteFile(gate, nil, 0o644))
	rest := stream.data()
	require.Len(t, rest, 1)
	assert.JSONEq(t, `{"type":"text-delta","delta":"second"}`, rest[0])

	status := waitInactive(t, srv.URL, "s1")
	assert.Equal(t, domain.RunStatusDone, status.Status)

	// 4. Reconnect after completion replays everything and closes.
	reconnect := get(t, srv.URL+"/api/chat/stream?sessionId=s1")
	require.Equal(t, http.StatusOK, reconnect.StatusCode)
	assert.Equal(t, "false", reconnect.Header.Get("X-Run-Active"))
	assert.Equal(t, "done", reconnect.Header.Get("X-Run-Status"))
	assert.Len(t, newSSEReader(reconnect).data(), 2)

	// 5. A new run can start.
	again := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"next"}`)
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.NotEqual(t, start.Header.Get("X-Run-Id"), again.Header.Get("X-Run-Id"))
}

func TestStartChatErrors(t *testing.T) {
	srv, _ := newTestServer(t, quickWorker, Options{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "missing session", body: `{"message":"hi"}`, want: http.StatusBadRequest},
		{name: "missing message", body: `{"sessionId":"s1"}`, want: http.StatusBadRequest},
		{name: "too large", body: fmt.Sprintf(`{"sessionId":"s1","message":%q}`, strings.Repeat("x", 2048)), want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/chat", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestReconnectUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, quickWorker, Options{})

	resp := get(t, srv.URL+"/api/chat/stream?sessionId=nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconnectMidRunReplaysThenFollows(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	srv, _ := newTestServer(t, gatedWorker(gate), Options{})

	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)
	_, _, ok := newSSEReader(start).next()
	require.True(t, ok)

	// The first client drops; the run keeps going.
	start.Body.Close()

	reconnect := get(t, srv.URL+"/api/chat/stream?sessionId=s1")
	require.Equal(t, http.StatusOK, reconnect.StatusCode)
	assert.Equal(t, "true", reconnect.Header.Get("X-Run-Active"))
	assert.Equal(t, "running", reconnect.Header.Get("X-Run-Status"))

	stream := newSSEReader(reconnect)
	_, first, ok := stream.next()
	require.True(t, ok)
	assert.Contains(t, first, "first")

	require.NoError(t, os.WriteFile(gate, nil, 0o644))
	rest := stream.data()
	require.Len(t, rest, 1)
	assert.Contains(t, rest[0], "second")
}

func TestStopChat(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	srv, _ := newTestServer(t, gatedWorker(gate), Options{})

	unknown := postJSON(t, srv.URL+"/api/chat/stop", `{"sessionId":"nope"}`)
	require.Equal(t, http.StatusOK, unknown.StatusCode)
	var resp domain.StopResponse
	require.NoError(t, json.NewDecoder(unknown.Body).Decode(&resp))
	assert.False(t, resp.Aborted)

	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)
	stream := newSSEReader(start)
	_, _, ok := stream.next()
	require.True(t, ok)

	stop := postJSON(t, srv.URL+"/api/chat/stop", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, stop.StatusCode)
	require.NoError(t, json.NewDecoder(stop.Body).Decode(&resp))
	assert.True(t, resp.Aborted)

	// The start stream completes without further events.
	assert.Empty(t, stream.data())
	status := waitInactive(t, srv.URL, "s1")
	assert.Equal(t, domain.RunStatusError, status.Status)

	again := postJSON(t, srv.URL+"/api/chat/stop", `{"sessionId":"s1"}`)
	require.NoError(t, json.NewDecoder(again.Body).Decode(&resp))
	assert.False(t, resp.Aborted)
}

func TestHeartbeatComments(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	srv, _ := newTestServer(t, gatedWorker(gate), Options{HeartbeatInterval: 20 * time.Millisecond})

	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)
	stream := newSSEReader(start)

	sawPing := false
	for i := 0; i < 10 && !sawPing; i++ {
		kind, payload, ok := stream.next()
		require.True(t, ok)
		if kind == "comment" {
			assert.Equal(t, "ping", payload)
			sawPing = true
		}
	}
	assert.True(t, sawPing)

	require.NoError(t, os.WriteFile(gate, nil, 0o644))
	assert.Len(t, stream.data(), 1)
}

func TestActiveRunsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, quickWorker, Options{})

	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)
	_, err := io.ReadAll(start.Body)
	require.NoError(t, err)

	resp := get(t, srv.URL+"/api/chat/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Runs []domain.RunInfo `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "s1", body.Runs[0].SessionID)
	assert.Equal(t, uint64(2), body.Runs[0].EventCount)
}

func TestWebSocketAttach(t *testing.T) {
	srv, _ := newTestServer(t, quickWorker, Options{})

	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)
	_, err := io.ReadAll(start.Body)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws?sessionId=s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		frames = append(frames, string(data))
	}
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"text-delta","delta":"a"}`, frames[0])

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat/ws?sessionId=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStop(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	srv, _ := newTestServer(t, gatedWorker(gate), Options{})

	start := postJSON(t, srv.URL+"/api/chat", `{"sessionId":"s1","message":"hello"}`)
	require.Equal(t, http.StatusOK, start.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws?sessionId=s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), "first")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "stop"}))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
	waitInactive(t, srv.URL, "s1")
}
