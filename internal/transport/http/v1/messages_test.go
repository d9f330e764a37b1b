//go:build unix

package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/crmweb/internal/domain"
)

func TestGetSession(t *testing.T) {
	e := echo.New()
	h, stack := newTestHandler(t, quickWorker, Options{})

	get := func(sessionID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+sessionID, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("session_id")
		c.SetParamValues(sessionID)
		require.NoError(t, h.GetSession(c))
		return rec
	}

	assert.Equal(t, http.StatusNotFound, get("s1").Code)

	require.NoError(t, stack.Store.UpsertMessage(context.Background(), &domain.Message{
		MessageID: "m1", SessionID: "s1", Role: domain.RoleUser, Content: "hi",
	}))
	rec := get("s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var session domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "s1", session.SessionID)
	assert.False(t, session.CreatedAt.IsZero())
}

func TestGetSessionMessagesDefaults(t *testing.T) {
	e := echo.New()
	h, stack := newTestHandler(t, quickWorker, Options{})

	msg := &domain.Message{
		MessageID: "m1",
		SessionID: "s1",
		Role:      domain.RoleUser,
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	require.NoError(t, stack.Store.UpsertMessage(context.Background(), msg))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1/messages", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	require.NoError(t, h.GetSessionMessages(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []domain.Message `json:"messages"`
		HasMore  bool             `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.False(t, resp.HasMore)
	assert.Equal(t, "hello", resp.Messages[0].Content)
}

func TestGetSessionMessagesEmpty(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t, quickWorker, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/none/messages?limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("none")

	require.NoError(t, h.GetSessionMessages(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[],"hasMore":false}`, rec.Body.String())
}

func TestSaveSessionMessages(t *testing.T) {
	e := echo.New()
	h, stack := newTestHandler(t, quickWorker, Options{})

	body := `{"messages":[
		{"id":"u1","role":"user","content":"question"},
		{"id":"a1","role":"assistant","content":"answer","reasoning":"because"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	require.NoError(t, h.SaveSessionMessages(c))
	require.Equal(t, http.StatusOK, rec.Code)

	messages, err := stack.Store.GetMessages(context.Background(), "s1", 0, "")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	byID := map[string]domain.Message{}
	for _, msg := range messages {
		byID[msg.MessageID] = msg
	}
	assert.Equal(t, "answer", byID["a1"].Content)
	assert.Equal(t, "because", byID["a1"].Reasoning)
	assert.Equal(t, "s1", byID["u1"].SessionID)
}

func TestSaveSessionMessagesRejectsMissingID(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t, quickWorker, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/messages", strings.NewReader(`{"messages":[{"role":"user"}]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	require.NoError(t, h.SaveSessionMessages(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionRuns(t *testing.T) {
	e := echo.New()
	h, stack := newTestHandler(t, quickWorker, Options{})

	require.NoError(t, stack.Store.UpsertRun(context.Background(), &domain.RunRecord{
		RunID: "r1", SessionID: "s1", Status: domain.RunStatusDone, StartedAt: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1/runs", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	require.NoError(t, h.GetSessionRuns(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []domain.RunRecord `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "r1", resp.Runs[0].RunID)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrPolicyDenied, http.StatusForbidden},
		{domain.ErrRunNotFound, http.StatusNotFound},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrCapacity, http.StatusServiceUnavailable},
		{domain.ErrWorkerSpawn, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t, quickWorker, Options{})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
