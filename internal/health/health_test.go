package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stateNameStarting = "starting"
	stateNameReady    = "ready"
	stateNameDraining = "draining"
	goroutineCount    = 100
)

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

type fakeCounter struct {
	active, total int
	err           error
}

func (f fakeCounter) ActiveSessionCount(context.Context) (int, error) { return f.active, f.err }
func (f fakeCounter) TotalSessionCount(context.Context) (int, error)  { return f.total, f.err }

func TestChecker_StateTransitions(t *testing.T) {
	hc := NewChecker()
	assert.Equal(t, stateNameStarting, hc.State())
	assert.False(t, hc.IsReady())

	hc.SetReady()
	assert.Equal(t, stateNameReady, hc.State())
	assert.True(t, hc.IsReady())

	hc.SetDraining()
	assert.Equal(t, stateNameDraining, hc.State())
	assert.False(t, hc.IsReady())
}

func TestChecker_ConcurrentAccess(t *testing.T) {
	hc := NewChecker()
	var wg sync.WaitGroup
	for i := 0; i < goroutineCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				hc.SetReady()
			} else {
				_ = hc.State()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, stateNameReady, hc.State())
}

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hc := NewChecker()
	r := gin.New()
	r.GET("/readyz", hc.Readiness)
	r.GET("/healthz", hc.Liveness)

	tests := []struct {
		name  string
		setup func()
		code  int
		live  int
	}{
		{"starting", func() {}, http.StatusServiceUnavailable, http.StatusOK},
		{"ready", hc.SetReady, http.StatusOK, http.StatusOK},
		{"draining", hc.SetDraining, http.StatusServiceUnavailable, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.name)

			w = httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.live, w.Code)
		})
	}
}

func serveHealth(t *testing.T, rep *Reporter) Report {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", rep.Health)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth_Connected(t *testing.T) {
	hc := NewChecker()
	hc.SetReady()
	out := serveHealth(t, NewReporter(hc, fakeStore{}, fakeCounter{active: 3, total: 5}, "w1", 0, nil))

	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, StoreConnected, out.Store)
	require.NotNil(t, out.Connections)
	assert.Equal(t, Connections{Active: 3, Total: 5}, *out.Connections)
	assert.Equal(t, "w1", out.WorkerID)
	assert.Positive(t, out.CPU.NumCPU)
	assert.Positive(t, out.Memory.SysBytes)
}

func TestHealth_StoreDownIsDegradedNotFailed(t *testing.T) {
	hc := NewChecker()
	hc.SetReady()
	out := serveHealth(t, NewReporter(hc, fakeStore{err: errors.New("refused")}, fakeCounter{}, "w1", 0, nil))

	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, StoreDisconnected, out.Store)
	assert.Nil(t, out.Connections)
}

func TestHealth_CountFailureIsDegraded(t *testing.T) {
	hc := NewChecker()
	hc.SetReady()
	out := serveHealth(t, NewReporter(hc, fakeStore{}, fakeCounter{err: errors.New("timeout")}, "w1", 0, nil))

	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, StoreConnected, out.Store)
}

func TestHealth_Draining(t *testing.T) {
	hc := NewChecker()
	hc.SetDraining()
	out := serveHealth(t, NewReporter(hc, fakeStore{}, fakeCounter{}, "w1", 0, nil))
	assert.Equal(t, "draining", out.Status)
}
