package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quantumlayerhq/ql-cgov/internal/evidence"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
)

type buildEvidenceRequest struct {
	CorrelationID string          `json:"correlation_id"`
	DeploymentRef string          `json:"deployment_ref"`
	Evidence      json.RawMessage `json:"evidence"`
}

// buildEvidence seals a package. An incomplete package is still stored, so
// it is returned with 201 and its missing fields.
func (h *handler) buildEvidence(w http.ResponseWriter, r *http.Request) {
	var in buildEvidenceRequest
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	pkg, err := h.evidence.Build(r.Context(), evidence.BuildRequest{
		CorrelationID: in.CorrelationID,
		DeploymentRef: in.DeploymentRef,
		Evidence:      in.Evidence,
		ActorID:       actorID(r),
	})
	var incomplete *apperrors.IncompleteEvidenceError
	if err != nil && !(errors.As(err, &incomplete) && pkg != nil) {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *handler) getEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pkg, err := h.evidence.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *handler) getBreakdown(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	breakdown, err := h.evidence.Breakdown(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// verifyEvidence runs the security gate against the stored artifact.
func (h *handler) verifyEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pkg, err := h.evidence.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gate.ValidateRef(r.Context(), actorID(r), pkg); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence_package_id": pkg.ID, "valid": true})
}
