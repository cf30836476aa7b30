package api

import (
	"net/http"
	"runtime/debug"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// authenticate rejects requests without a verified bearer token and stores
// the token's actor for the role provider.
func authenticate(authn Authenticator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, actor, err := authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				log.Warn("authentication failed", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated", Message: "invalid or missing bearer token"})
				return
			}
			ctx = logger.WithActorID(ctx, actor.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// actorID returns the authenticated actor of the request.
func actorID(r *http.Request) string {
	a, _ := rbac.ActorFromContext(r.Context())
	return a.ID
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := logger.WithRequestID(r.Context(), chimiddleware.GetReqID(r.Context()))

			next.ServeHTTP(ww, r.WithContext(ctx))

			log.InfoContext(ctx, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"trace_id", telemetry.GetTraceID(ctx),
			)
		})
	}
}

func recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.ErrorContext(r.Context(), "panic recovered", "panic", rec, "stack", string(debug.Stack()))
					writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
