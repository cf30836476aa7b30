package api

import (
	"context"
	"net/http"
	"time"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
)

const defaultAuditWindow = 24 * time.Hour

// AuditVerifier re-walks the stored event hash chain.
type AuditVerifier interface {
	VerifyIntegrity(ctx context.Context, start, end time.Time) (*audit.IntegrityReport, error)
}

// verifyAudit checks the audit chain over [start, end]. Only security
// reviewers may run it. A broken chain is reported with 200 and valid=false.
func (h *handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeError(w, r, &apperrors.FatalError{Message: "audit verification is not configured"})
		return
	}
	if err := rbac.Require(r.Context(), h.roles, actorID(r), rbac.CapabilitySecurityReviewer); err != nil {
		h.writeError(w, r, err)
		return
	}

	start, end, err := queryWindow(r, defaultAuditWindow)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	report, err := h.audit.VerifyIntegrity(r.Context(), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !report.Valid {
		h.log.WarnContext(r.Context(), "audit chain verification failed",
			"violations", len(report.Violations), "start", start, "end", end)
	}
	writeJSON(w, http.StatusOK, report)
}
