package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"mediaforge/internal/auth"
	"mediaforge/internal/metadata"
	"mediaforge/internal/stream"
	"mediaforge/internal/upload"
	"mediaforge/internal/validation"
)

// errBadRequest marks malformed request input that is not a chunk contract
// violation.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// statusForError maps collaborator errors onto HTTP status codes.
func statusForError(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest), errors.Is(err, upload.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, stream.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, validation.ErrRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeStatusError writes err with its mapped status. Server errors are
// logged and replaced with a generic message.
func (h *Handler) writeStatusError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.loggerFor(r).Error("request failed", "error", err)
		writeError(w, status, errors.New("internal server error"))
		return
	}
	writeError(w, status, err)
}
