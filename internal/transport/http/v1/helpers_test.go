//go:build unix

package v1

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/crmweb/internal/config"
	"github.com/xiaot623/crmweb/internal/ledger"
	"github.com/xiaot623/crmweb/internal/policy"
	"github.com/xiaot623/crmweb/internal/service"
	"github.com/xiaot623/crmweb/tests/helpers"
)

func newTestHandler(t *testing.T, script string, opts Options) (*Handler, *helpers.Stack) {
	t.Helper()
	return newTestHandlerWithLedger(t, script, ledger.Config{GracePeriod: time.Minute}, opts)
}

func newTestHandlerWithLedger(t *testing.T, script string, cfg ledger.Config, opts Options) (*Handler, *helpers.Stack) {
	t.Helper()

	stack := helpers.NewStack(t, script, cfg)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	svc := service.New(stack.Store, stack.Ledger, stack.Sink, &config.Config{MaxMessageBytes: 1024}, engine)
	return NewHandler(svc, opts), stack
}

func newTestServer(t *testing.T, script string, opts Options) (*httptest.Server, *helpers.Stack) {
	t.Helper()
	return newTestServerWithLedger(t, script, ledger.Config{GracePeriod: time.Minute}, opts)
}

func newTestServerWithLedger(t *testing.T, script string, cfg ledger.Config, opts Options) (*httptest.Server, *helpers.Stack) {
	t.Helper()

	h, stack := newTestHandlerWithLedger(t, script, cfg, opts)
	e := echo.New()
	h.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, stack
}

// sseReader reads data frames and comments from an event-stream body.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(resp *http.Response) *sseReader {
	return &sseReader{r: bufio.NewReader(resp.Body)}
}

// next returns the next frame: ("data", payload) or ("comment", text).
// ok is false at the end of the stream.
func (s *sseReader) next() (kind, payload string, ok bool) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return "", "", false
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "data: "):
			return "data", strings.TrimPrefix(line, "data: "), true
		case strings.HasPrefix(line, ":"):
			return "comment", strings.TrimSpace(strings.TrimPrefix(line, ":")), true
		}
	}
}

// data collects every remaining data frame.
func (s *sseReader) data() []string {
	var out []string
	for {
		kind, payload, ok := s.next()
		if !ok {
			return out
		}
		if kind == "data" {
			out = append(out, payload)
		}
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
