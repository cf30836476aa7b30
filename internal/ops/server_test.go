package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
)

func healthy() Checker { return CheckFunc(func(context.Context) error { return nil }) }

func failing(msg string) Checker {
	return CheckFunc(func(context.Context) error { return errors.New(msg) })
}

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

	var body HealthResponse
	if rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	}
	return rr, body
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, prometheus.NewRegistry(), "1.2.0", logger.New("error", "text"))

	rr, body := serve(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.0", body.Version)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name   string
		deps   []Dependency
		code   int
		status string
		checks map[string]string
	}{
		{
			name:   "all healthy",
			deps:   []Dependency{{Name: "store", Check: healthy()}, {Name: "redis", Check: healthy(), Optional: true}},
			code:   http.StatusOK,
			status: "ok",
			checks: map[string]string{"store": "healthy", "redis": "healthy"},
		},
		{
			name:   "store down",
			deps:   []Dependency{{Name: "store", Check: failing("connection refused")}},
			code:   http.StatusServiceUnavailable,
			status: "degraded",
			checks: map[string]string{"store": "unhealthy: connection refused"},
		},
		{
			name:   "optional dependency down",
			deps:   []Dependency{{Name: "store", Check: healthy()}, {Name: "redis", Check: failing("timeout"), Optional: true}},
			code:   http.StatusOK,
			status: "ok",
			checks: map[string]string{"store": "healthy", "redis": "unhealthy: timeout"},
		},
		{
			name:   "not configured",
			deps:   []Dependency{{Name: "store", Check: healthy()}, {Name: "kafka"}},
			code:   http.StatusOK,
			status: "ok",
			checks: map[string]string{"store": "healthy", "kafka": "not configured"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.deps, prometheus.NewRegistry(), "", logger.New("error", "text"))
			rr, body := serve(t, h, "/readyz")
			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.checks, body.Checks)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveSchedulerRun("exception-sweep", nil)

	h := NewHandler(nil, reg, "", logger.New("error", "text"))
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `job="exception-sweep"`)
}

func TestUnknownRoute(t *testing.T) {
	h := NewHandler(nil, prometheus.NewRegistry(), "", logger.New("error", "text"))
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
