package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/support-relay/internal/enrich"
	"github.com/capitalize-ai/support-relay/internal/identity"
	"github.com/capitalize-ai/support-relay/internal/queue"
	"github.com/capitalize-ai/support-relay/internal/service"
	"github.com/capitalize-ai/support-relay/internal/storage"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrMissingIdentifier),
		errors.Is(err, queue.ErrMissingActor),
		errors.Is(err, queue.ErrUnknownStatus),
		errors.Is(err, service.ErrInvalidReply):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, enrich.ErrCRMNotConfigured):
		return http.StatusNotImplemented
	case errors.Is(err, service.ErrReplyNotDelivered):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Internal errors are
// not echoed to the client.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
