package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	// Retryable tells the caller the same request may succeed later.
	Retryable bool `json:"retryable,omitempty"`
}

// statusFor maps an error to its HTTP status and code
func statusFor(err error) (int, string) {
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case domainErrors.ErrorTypeValidation:
			return http.StatusBadRequest, appErr.Code
		case domainErrors.ErrorTypeNotFound:
			return http.StatusNotFound, appErr.Code
		case domainErrors.ErrorTypeConflict:
			return http.StatusConflict, appErr.Code
		case domainErrors.ErrorTypeConfiguration:
			return http.StatusServiceUnavailable, appErr.Code
		default:
			return http.StatusInternalServerError, appErr.Code
		}
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout, "REQUEST_CANCELED"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout, "REQUEST_TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// writeJSON writes JSON response with proper headers
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)

	message := err.Error()
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	retryable := domainErrors.IsRetryable(err)
	if retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: message, Retryable: retryable})
}
