package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/quantumlayerhq/ql-cgov/internal/maturity"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
)

type evaluateRequest struct {
	// Window is a Go duration such as "672h".
	Window string `json:"window,omitempty"`
}

// maturityLevels lists the level templates from L0 upward.
func (h *handler) maturityLevels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"levels": maturity.Levels()})
}

func (h *handler) maturityState(w http.ResponseWriter, r *http.Request) {
	state, err := h.maturity.State(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) maturityHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	history, err := h.maturity.History(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": history})
}

func (h *handler) evaluateMaturity(w http.ResponseWriter, r *http.Request) {
	var in evaluateRequest
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	window := h.maturityWindow
	if in.Window != "" {
		d, err := time.ParseDuration(in.Window)
		if err != nil || d <= 0 {
			h.writeError(w, r, apperrors.Validation("invalid_window", "window", "invalid window %q", in.Window))
			return
		}
		window = d
	}
	// Progress records are append-only, so only admins may evaluate over a
	// window other than the configured one.
	if window != h.maturityWindow {
		if err := rbac.Require(r.Context(), h.roles, actorID(r), rbac.CapabilityAdmin); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	p, err := h.maturity.EvaluateCurrent(r.Context(), window)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) approveProgression(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in reviewRequest
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.maturity.ApproveProgression(r.Context(), actorID(r), id, in.Rationale)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
