package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/lifecycle"
	"github.com/fitrun/fitrun/pkg/sizing"
	"github.com/fitrun/fitrun/pkg/storage"
	"github.com/fitrun/fitrun/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// errorStatus maps a domain error to its HTTP status and public message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrAuthentication):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, identity.ErrAuthorizationMismatch):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lifecycle.ErrValidation),
		errors.Is(err, storage.ErrInvalidFile),
		errors.Is(err, sizing.ErrInvalidRules),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, lifecycle.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, storage.ErrAssetNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrGateway):
		return http.StatusBadGateway, "worker unavailable"
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError writes the mapped response for err. Unexpected errors are
// logged and reported without detail.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)

	switch {
	case status == http.StatusBadGateway:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Warn("Worker request failed")
	case status >= http.StatusInternalServerError:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")
	}

	writeJSON(w, status, errorResponse{msg})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
