package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
)

func (h *handler) listRiskModels(w http.ResponseWriter, r *http.Request) {
	versions, err := h.riskModels.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *handler) activeRiskModel(w http.ResponseWriter, r *http.Request) {
	v, err := h.riskModels.Active(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) getRiskModel(w http.ResponseWriter, r *http.Request) {
	v, err := h.riskModels.Get(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// importRiskModel creates a draft from a YAML (or JSON) definition body.
func (h *handler) importRiskModel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperrors.Validation("malformed_request", "", "failed to read body: %v", err))
		return
	}
	def, err := riskmodel.ParseDefinition(body)
	if err != nil {
		h.writeError(w, r, apperrors.Validation("invalid_definition", "", "%v", err))
		return
	}
	v, err := h.riskModels.Import(r.Context(), actorID(r), def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) approveRiskModel(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if err := h.riskModels.Approve(r.Context(), actorID(r), version); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.getRiskModel(w, r)
}

func (h *handler) activateRiskModel(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if err := h.riskModels.Activate(r.Context(), actorID(r), version); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.getRiskModel(w, r)
}
