package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Field   string   `json:"field,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// writeError maps an engine error onto a status code by its kind.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: string(apperrors.KindOf(err)), Message: err.Error()}
	status := http.StatusInternalServerError

	var (
		verr       *apperrors.ValidationError
		incomplete *apperrors.IncompleteEvidenceError
		sec        *apperrors.SecurityValidationError
	)
	switch {
	case errors.As(err, &incomplete):
		status = http.StatusUnprocessableEntity
		resp.Missing = incomplete.Missing
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Error = verr.Code
		resp.Field = verr.Field
	case apperrors.IsSecurity(err):
		status = http.StatusUnprocessableEntity
		if errors.As(err, &sec) {
			resp.Reason = sec.Reason
		}
	case apperrors.IsValidation(err):
		status = http.StatusBadRequest
	case apperrors.IsUnauthorized(err):
		status = http.StatusForbidden
	case apperrors.IsConflict(err):
		status = http.StatusConflict
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsFatal(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		if resp.Error == "" {
			resp.Error = "internal"
			resp.Message = "internal server error"
		}
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Validation("malformed_request", "", "failed to decode request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperrors.Validation("invalid_id", "id", "invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// queryWindow reads the RFC 3339 start and end query parameters. Missing
// bounds default to the trailing def ending now.
func queryWindow(r *http.Request, def time.Duration) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-def)

	q := r.URL.Query()
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, apperrors.Validation("invalid_time", name, "%s must be RFC 3339", name)
		}
		*dst = t
	}
	return start, end, nil
}
