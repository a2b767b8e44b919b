package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/star/orbitguard/internal/fault"
)

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, fault.ErrInvalidOrbit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes err with the status from StatusFor. Cancelled work is
// reported as "superseded" without further detail.
func WriteFault(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusConflict:
		msg = "superseded"
	case http.StatusInternalServerError:
		msg = "internal error"
	}
	WriteError(w, status, msg)
}
