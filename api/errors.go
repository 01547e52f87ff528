package api

import (
	"errors"
	"net/http"

	"github.com/szer/settlement/settlement"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// statusFor maps a settlement error kind to an HTTP status and a stable code.
// Order matters: ErrProgramNotFound wraps ErrNotFound.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrAlreadyOwned):
		return http.StatusConflict, "already_owned"
	case errors.Is(err, settlement.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_points"
	case errors.Is(err, settlement.ErrNotPurchasable):
		return http.StatusBadRequest, "not_purchasable"
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrInvalidPurpose),
		errors.Is(err, settlement.ErrInvalidIntent),
		errors.Is(err, settlement.ErrInvalidMovement):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, settlement.ErrProgramNotFound):
		return http.StatusNotFound, "program_not_found"
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, settlement.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeDomainError writes err with its mapped status. Internal errors are not
// echoed to the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	} else {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
