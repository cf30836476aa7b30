// Package api exposes the governance engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quantumlayerhq/ql-cgov/internal/cab"
	"github.com/quantumlayerhq/ql-cgov/internal/evidence"
	"github.com/quantumlayerhq/ql-cgov/internal/exception"
	"github.com/quantumlayerhq/ql-cgov/internal/incident"
	"github.com/quantumlayerhq/ql-cgov/internal/maturity"
	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/internal/security"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// Authenticator turns an Authorization header into an actor.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (context.Context, rbac.Actor, error)
}

// Config holds the services the router dispatches to.
type Config struct {
	Evidence      *evidence.Builder
	Gate          *security.Gate
	CAB           *cab.Service
	Exceptions    *exception.Service
	Incidents     *incident.Service
	Maturity      *maturity.Engine
	RiskModels    *riskmodel.Registry
	Audit         AuditVerifier
	Roles         rbac.Provider
	Authenticator Authenticator
	Logger        *logger.Logger

	// MaturityWindow is used when an evaluation request names no window.
	MaturityWindow time.Duration

	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string
}

// New creates the chi router for the governance API.
func New(cfg Config) http.Handler {
	h := &handler{
		evidence:       cfg.Evidence,
		gate:           cfg.Gate,
		cab:            cfg.CAB,
		exceptions:     cfg.Exceptions,
		incidents:      cfg.Incidents,
		maturity:       cfg.Maturity,
		riskModels:     cfg.RiskModels,
		audit:          cfg.Audit,
		roles:          cfg.Roles,
		maturityWindow: cfg.MaturityWindow,
		log:            cfg.Logger.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(telemetry.HTTPMiddleware)
	r.Use(requestLogger(h.log))
	r.Use(recoverer(h.log))

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate(cfg.Authenticator, h.log))

		r.Route("/evidence", func(r chi.Router) {
			r.Post("/", h.buildEvidence)
			r.Get("/{id}", h.getEvidence)
			r.Get("/{id}/breakdown", h.getBreakdown)
			r.Post("/{id}/verify", h.verifyEvidence)
		})

		r.Route("/cab/requests", func(r chi.Router) {
			r.Post("/", h.submitRequest)
			r.Get("/{id}", h.getRequest)
			r.Get("/{id}/votes", h.listVotes)
			r.Get("/{id}/decision", h.getDecision)
			r.Get("/{id}/clearance", h.checkClearance)
			r.Get("/{id}/exception", h.requestException)
			r.Post("/{id}/approve", h.approveRequest)
			r.Post("/{id}/reject", h.rejectRequest)
		})

		r.Route("/exceptions", func(r chi.Router) {
			r.Post("/", h.createException)
			r.Get("/{id}", h.getException)
			r.Post("/{id}/approve", h.approveException)
			r.Post("/{id}/reject", h.rejectException)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Post("/", h.reportIncident)
			r.Get("/", h.listIncidents)
			r.Get("/{id}", h.getIncident)
			r.Post("/{id}/resolve", h.resolveIncident)
		})

		r.Route("/maturity", func(r chi.Router) {
			r.Get("/levels", h.maturityLevels)
			r.Get("/state", h.maturityState)
			r.Get("/history", h.maturityHistory)
			r.Post("/evaluations", h.evaluateMaturity)
			r.Post("/evaluations/{id}/approve", h.approveProgression)
		})

		r.Route("/risk-models", func(r chi.Router) {
			r.Get("/", h.listRiskModels)
			r.Post("/", h.importRiskModel)
			r.Get("/active", h.activeRiskModel)
			r.Get("/{version}", h.getRiskModel)
			r.Post("/{version}/approve", h.approveRiskModel)
			r.Post("/{version}/activate", h.activateRiskModel)
		})

		r.Get("/audit/integrity", h.verifyAudit)
	})

	return r
}

type handler struct {
	evidence       *evidence.Builder
	gate           *security.Gate
	cab            *cab.Service
	exceptions     *exception.Service
	incidents      *incident.Service
	maturity       *maturity.Engine
	riskModels     *riskmodel.Registry
	audit          AuditVerifier
	roles          rbac.Provider
	maturityWindow time.Duration
	log            *logger.Logger
}
