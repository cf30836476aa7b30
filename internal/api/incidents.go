package api

import (
	"net/http"
	"time"

	"github.com/quantumlayerhq/ql-cgov/internal/incident"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

const defaultIncidentWindow = 30 * 24 * time.Hour

func (h *handler) reportIncident(w http.ResponseWriter, r *http.Request) {
	var in incident.ReportRequest
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	in.ReportedBy = actorID(r)

	inc, err := h.incidents.Report(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// listIncidents lists incidents detected in [start, end). The default is
// the trailing 30 days.
func (h *handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	start, end, err := queryWindow(r, defaultIncidentWindow)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	incidents, err := h.incidents.List(r.Context(), models.Window{Start: start, End: end})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (h *handler) getIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *handler) resolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in incident.ResolveRequest
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	inc, err := h.incidents.Resolve(r.Context(), actorID(r), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
