package utils

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"beaconsync/internal/errs"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": msg,
	})
}

// StatusOf maps an error category to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrSensorNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrDuplicateIdentity), errors.Is(err, errs.ErrImmutable):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotAuthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrInvalidIdentity):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrTransport), errors.Is(err, errs.ErrDecodeFailure):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErr writes err with the status of its category. Server-side
// failures are logged.
func WriteErr(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	WriteError(w, status, err.Error())
}
