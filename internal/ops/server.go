// Package ops serves the health, readiness and metrics endpoints of the
// governance daemon.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Ping implements Checker.
func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// Dependency is one readiness check. Optional dependencies are reported
// but never fail readiness.
type Dependency struct {
	Name     string
	Check    Checker
	Optional bool
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves the ops endpoints.
type Handler struct {
	deps     []Dependency
	gatherer prometheus.Gatherer
	version  string
	log      *logger.Logger
}

// NewHandler creates an ops handler. gatherer is the registry the engine
// metrics were registered on.
func NewHandler(deps []Dependency, gatherer prometheus.Gatherer, version string, log *logger.Logger) *Handler {
	return &Handler{deps: deps, gatherer: gatherer, version: version, log: log.WithComponent("ops")}
}

// Router returns the chi router for the ops listener.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware)

	r.Get("/healthz", h.Liveness)
	r.Get("/readyz", h.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Liveness returns 200 while the process is running.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// Readiness returns 200 only when every required dependency answers.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	ready := true
	for _, d := range h.deps {
		if d.Check == nil {
			checks[d.Name] = "not configured"
			continue
		}
		if err := d.Check.Ping(ctx); err != nil {
			checks[d.Name] = "unhealthy: " + err.Error()
			if !d.Optional {
				ready = false
			}
			continue
		}
		checks[d.Name] = "healthy"
	}

	status, code := "ok", http.StatusOK
	if !ready {
		status, code = "degraded", http.StatusServiceUnavailable
		h.log.WarnContext(ctx, "readiness check failed", "checks", checkSummary(checks))
	}
	writeJSON(w, code, HealthResponse{Status: status, Version: h.version, Checks: checks})
}

// Server is the ops listener.
type Server struct {
	http            *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// NewServer creates a listener for handler on addr.
func NewServer(addr string, handler *Handler, shutdownTimeout time.Duration, log *logger.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		log:             log.WithComponent("ops"),
	}
}

// Start serves in the background. Listener failures are sent on the
// returned channel.
func (s *Server) Start() <-chan error {
	errs := make(chan error, 1)
	go func() {
		s.log.Info("ops listener started", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()
	return errs
}

// Shutdown drains the listener, forcing it closed after the timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", "error", err)
		return s.http.Close()
	}
	return nil
}

func checkSummary(checks map[string]string) []string {
	out := make([]string, 0, len(checks))
	for name, state := range checks {
		out = append(out, name+"="+state)
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
