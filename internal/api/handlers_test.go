package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/session"
)

type stubBroker struct {
	records  map[string]*index.SandboxRecord
	turnErr  error
	detached []string
	removed  []string
}

func newStubBroker() *stubBroker {
	return &stubBroker{records: map[string]*index.SandboxRecord{}}
}

func (b *stubBroker) GetOrCreate(ctx context.Context, agentID string, sc orchestrator.SessionConfig) (*session.Session, error) {
	rec, ok := b.records[agentID]
	if !ok {
		binding := sc.Binding
		if binding == "" {
			binding = index.BindingEphemeral
		}
		rec = &index.SandboxRecord{
			AgentID:   agentID,
			SandboxID: "sb-" + agentID,
			State:     index.StateRunning,
			Binding:   binding,
			Model:     "gpt-5-codex",
		}
		b.records[agentID] = rec
	}
	return &session.Session{AgentID: agentID, SandboxID: rec.SandboxID}, nil
}

func (b *stubBroker) Turn(ctx context.Context, agentID, text string, timeout time.Duration) (string, error) {
	if b.turnErr != nil {
		return "", b.turnErr
	}
	if _, ok := b.records[agentID]; !ok {
		return "", apperrors.ErrSessionNotFound
	}
	return "echo: " + text, nil
}

func (b *stubBroker) List() []*index.SandboxRecord {
	out := make([]*index.SandboxRecord, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	return out
}

func (b *stubBroker) Status(ctx context.Context, agentID string) (*orchestrator.SessionStatus, error) {
	rec, ok := b.records[agentID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return &orchestrator.SessionStatus{Record: rec, EngineState: "running"}, nil
}

func (b *stubBroker) Logs(ctx context.Context, agentID, tail string) (string, error) {
	if _, ok := b.records[agentID]; !ok {
		return "", apperrors.ErrSessionNotFound
	}
	return "bridge: agent ready\n", nil
}

func (b *stubBroker) Stop(ctx context.Context, agentID string) error {
	if _, ok := b.records[agentID]; !ok {
		return apperrors.ErrSessionNotFound
	}
	b.records[agentID].State = index.StateStopped
	return nil
}

func (b *stubBroker) Restart(ctx context.Context, agentID string) error {
	if _, ok := b.records[agentID]; !ok {
		return apperrors.ErrSessionNotFound
	}
	b.records[agentID].State = index.StateRunning
	return nil
}

func (b *stubBroker) Remove(ctx context.Context, agentID string) error {
	delete(b.records, agentID)
	b.removed = append(b.removed, agentID)
	return nil
}

func (b *stubBroker) Detach(ctx context.Context, agentID string) error {
	b.detached = append(b.detached, agentID)
	return nil
}

type stubMapper struct {
	mappings map[string]string
}

func newStubMapper() *stubMapper { return &stubMapper{mappings: map[string]string{}} }

func (m *stubMapper) ResolveOrCreate(key string) string {
	if id, ok := m.mappings[key]; ok {
		return id
	}
	id := "agent-for-" + key
	m.mappings[key] = id
	return id
}

func (m *stubMapper) Touch(key string) {}

func (m *stubMapper) End(key string) string {
	id := m.mappings[key]
	delete(m.mappings, key)
	return id
}

func newTestRouter(t *testing.T, b *stubBroker, m *stubMapper) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	h := NewHandler(b, m, nil, log)
	return NewRouter(h, m, log)
}

func TestCreateSession_RequiresSessionKey(t *testing.T) {
	router := newTestRouter(t, newStubBroker(), newStubMapper())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSession_ProvisionsForSessionKey(t *testing.T) {
	b := newStubBroker()
	router := newTestRouter(t, b, newStubMapper())

	body, _ := json.Marshal(CreateSessionRequest{Binding: "persistent"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(body))
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "agent-for-conn-1", resp.AgentID)
	assert.Equal(t, "persistent", resp.Binding)
	assert.Equal(t, index.StateRunning, resp.State)
}

func TestCreateSession_RejectsBadBinding(t *testing.T) {
	router := newTestRouter(t, newStubBroker(), newStubMapper())

	body := []byte(`{"binding":"sometimes"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(body))
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTurn_RoundTrip(t *testing.T) {
	b := newStubBroker()
	m := newStubMapper()
	router := newTestRouter(t, b, m)

	// Create the session first
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	body, _ := json.Marshal(TurnRequest{Text: "write a hello world in python"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/turns", bytes.NewReader(body))
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Reply, "hello world")
}

func TestTurn_MissingText(t *testing.T) {
	router := newTestRouter(t, newStubBroker(), newStubMapper())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/turns", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTurn_BusyMapsTo409(t *testing.T) {
	b := newStubBroker()
	b.turnErr = apperrors.ErrBusy
	router := newTestRouter(t, b, newStubMapper())

	body, _ := json.Marshal(TurnRequest{Text: "hi"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/turns", bytes.NewReader(body))
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTurn_CapExceededMapsTo429(t *testing.T) {
	b := newStubBroker()
	b.turnErr = apperrors.ErrCapExceeded
	router := newTestRouter(t, b, newStubMapper())

	body, _ := json.Marshal(TurnRequest{Text: "hi"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/turns", bytes.NewReader(body))
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestEndSession_DetachesAgent(t *testing.T) {
	b := newStubBroker()
	m := newStubMapper()
	router := newTestRouter(t, b, m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions", nil)
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"agent-for-conn-1"}, b.detached)
}

func TestAgents_ListGetStopRestartRemove(t *testing.T) {
	b := newStubBroker()
	m := newStubMapper()
	router := newTestRouter(t, b, m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.Header.Set(SessionKeyHeader, "conn-1")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	agentID := "agent-for-conn-1"

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list ListSessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+agentID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "running", st.EngineState)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+agentID+"/logs?tail=50", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent ready")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+agentID+"/stop", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+agentID+"/restart", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/agents/"+agentID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{agentID}, b.removed)
}

func TestGetAgent_NotFound(t *testing.T) {
	router := newTestRouter(t, newStubBroker(), newStubMapper())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, newStubBroker(), newStubMapper())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
