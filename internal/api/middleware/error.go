// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/ttlock-bridge/backend/internal/auth"
	"github.com/ttlock-bridge/backend/internal/command"
	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
)

// ErrorResponse represents a standardized API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	WriteErrorWithDetails(w, status, errCode, message, nil)
}

// WriteErrorWithDetails writes a JSON error response with additional details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, errCode, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
		Details: details,
	})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Classify maps a domain error to an HTTP status and error code.
func Classify(err error) (int, string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrValidation
	case errors.Is(err, state.ErrNotFound), errors.Is(err, command.ErrUnknownCommand):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, auth.ErrAuthExpired):
		return http.StatusUnauthorized, ErrReauthRequired
	case ttlock.IsRateLimited(err):
		return http.StatusBadGateway, ErrRateLimited
	case ttlock.IsRemote(err):
		return http.StatusBadGateway, ErrRemote
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrTimeout
	case errors.Is(err, command.ErrStopped):
		return http.StatusServiceUnavailable, ErrUnavailable
	default:
		return http.StatusInternalServerError, ErrInternalError
	}
}

// WriteDomainError classifies err and writes it. Server-side failures are
// logged; their message is not echoed to the caller.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	WriteDomainErrorWithDetails(w, logger, err, nil)
}

// WriteDomainErrorWithDetails is WriteDomainError with a details payload,
// used when part of a multi-lock request succeeded.
func WriteDomainErrorWithDetails(w http.ResponseWriter, logger *slog.Logger, err error, details any) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		msg = "An unexpected error occurred"
	}
	WriteErrorWithDetails(w, status, code, msg, details)
}

// ErrorRecovery is middleware that recovers from panics and returns a 500 error.
func ErrorRecovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "panic", err, "path", r.URL.Path, "stack", string(debug.Stack()))
					WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Common error codes
const (
	ErrNotFound       = "not_found"
	ErrBadRequest     = "bad_request"
	ErrInternalError  = "internal_error"
	ErrValidation     = "validation_error"
	ErrUnauthorized   = "unauthorized"
	ErrReauthRequired = "reauth_required"
	ErrRemote         = "remote_error"
	ErrRateLimited    = "rate_limited"
	ErrTimeout        = "timeout"
	ErrUnavailable    = "unavailable"
	ErrConflict       = "conflict"
)
