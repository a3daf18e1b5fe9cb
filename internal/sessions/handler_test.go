package sessions

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

	"github.com/aura-emotion/sessiond/internal/admission"
	"github.com/aura-emotion/sessiond/pkg/response"
)

// openCounter counts this worker's open sessions straight from the registry.
type openCounter struct{ reg *Registry }

func (o openCounter) OpenSessionCount(ctx context.Context, workerID string) (int, error) {
	list, err := o.reg.SessionsByWorker(ctx, workerID)
	return len(list), err
}

func newTestRouter(t *testing.T, maxSessions, maxParticipants int) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t, maxParticipants)
	ctrl := admission.NewController(openCounter{h.reg}, admission.Config{
		WorkerID:   testWorker,
		MaxAllowed: maxSessions,
		RetryAfter: 30 * time.Second,
		Timeout:    time.Second,
	}, nil)
	r := gin.New()
	NewHandler(h.reg, ctrl, nil).Register(r.Group("/api"))
	return r, h
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out response.Body
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHandler_CreateRejectsOverCapacity(t *testing.T) {
	r, _ := newTestRouter(t, 1, 5)

	w, _ := do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "s1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, body := do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "s2"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeCapacityExceeded, body.Code)
	assert.Equal(t, 30, body.RetryAfterSeconds)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	w, _ = do(t, r, http.MethodDelete, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "s2"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandler_CreateRejectedAfterDrain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t, 5)
	ctrl := admission.NewController(openCounter{h.reg}, admission.Config{
		WorkerID:   testWorker,
		MaxAllowed: 10,
		RetryAfter: 5 * time.Second,
		Timeout:    time.Second,
	}, nil)
	r := gin.New()
	NewHandler(h.reg, ctrl, nil).Register(r.Group("/api"))

	w, _ := do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "early"})
	require.Equal(t, http.StatusCreated, w.Code)

	ctrl.Drain()
	n, err := h.reg.DrainWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, body := do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "late"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeWorkerDraining, body.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	open, err := h.reg.SessionsByWorker(context.Background(), testWorker)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHandler_SessionLifecycle(t *testing.T) {
	r, _ := newTestRouter(t, 10, 5)

	w, _ := do(t, r, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "s1", ClientID: "c1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, body := do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.CodeDuplicateSession, body.Code)

	w, _ = do(t, r, http.MethodPatch, "/api/sessions/s1", UpdateRequest{Metadata: map[string]any{"room": "blue"}})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPatch, "/api/sessions/missing", UpdateRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, r, http.MethodGet, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]any)
	assert.Equal(t, "s1", data["session_id"])
	assert.Equal(t, "blue", data["metadata"].(map[string]any)["room"])

	w, _ = do(t, r, http.MethodDelete, "/api/clients/c1/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, body = do(t, r, http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body.Data.(map[string]any)["existed"])
}

func TestHandler_ParticipantFlow(t *testing.T) {
	r, _ := newTestRouter(t, 10, 1)
	w, _ := do(t, r, http.MethodPost, "/api/sessions", CreateRequest{SessionID: "s1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/sessions/s1/participants", JoinRequest{ParticipantID: "p1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, body := do(t, r, http.MethodPost, "/api/sessions/s1/participants", JoinRequest{ParticipantID: "p2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.CodeSessionFull, body.Code)
	w, body = do(t, r, http.MethodPost, "/api/sessions/missing/participants", JoinRequest{ParticipantID: "p2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body.Error, "reconnect")

	latency, loss := 120.0, 0.02
	w, body = do(t, r, http.MethodPost, "/api/participants/p1/health", HealthRequest{Latency: &latency, PacketLoss: &loss})
	require.Equal(t, http.StatusOK, w.Code)
	health := body.Data.(map[string]any)["connection_health"].(map[string]any)
	assert.Equal(t, "good", health["quality"])

	w, _ = do(t, r, http.MethodPost, "/api/participants/ghost/health", HealthRequest{Latency: &latency})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(t, r, http.MethodPost, "/api/participants/p1/health", HealthRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPatch, "/api/participants/p1/status", StatusRequest{Status: "reconnecting"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodDelete, "/api/sessions/s1/participants/p1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(t, r, http.MethodDelete, "/api/sessions/s1/participants/p1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(t, r, http.MethodGet, "/api/participants/p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StoreUnavailable(t *testing.T) {
	r, h := newTestRouter(t, 10, 5)
	h.mr.Close()

	w, body := do(t, r, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeStoreUnavailable, body.Code)

	w, body = do(t, r, http.MethodPost, "/api/sessions", CreateRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeStoreUnavailable, body.Code, "unknown load is never admitted")
}

func TestHealthRequest_Sample(t *testing.T) {
	latency := 42.0
	req := HealthRequest{Latency: &latency}
	s := req.Sample()
	require.NotNil(t, s.Latency)
	assert.Equal(t, 42.0, *s.Latency)
	assert.Nil(t, s.PacketLoss)
}
