package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/funagig/gigrelay/internal/apperr"
	"github.com/funagig/gigrelay/repository"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError writes the response for a handler failure. Internal details are
// logged, never returned.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.ErrAuthentication:
		writeError(w, http.StatusUnauthorized, "authentication required")
	case apperr.ErrAuthorization:
		writeError(w, http.StatusForbidden, "forbidden")
	case apperr.ErrRateLimited:
		writeError(w, http.StatusTooManyRequests, "too many requests")
	default:
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a single JSON object into v, refusing unknown fields and
// trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid request body: %s", "unexpected trailing data")
	}
	return nil
}
