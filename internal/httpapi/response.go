package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"crowdalert/internal/engine"
	"crowdalert/internal/notification"
	"crowdalert/internal/prefs"
)

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notification.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, prefs.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}

// decodeStrict decodes a JSON body, rejecting unknown fields.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
