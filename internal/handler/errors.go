package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusByCode maps domain.Code values to HTTP statuses.
var statusByCode = map[string]int{
	"invalid_transition":       http.StatusConflict,
	"forbidden":                http.StatusForbidden,
	"amount_mismatch":          http.StatusUnprocessableEntity,
	"already_funded":           http.StatusConflict,
	"invalid_escrow_state":     http.StatusInternalServerError,
	"verification_unavailable": http.StatusServiceUnavailable,
	"transfer_failed":          http.StatusBadGateway,
	"not_found":                http.StatusNotFound,
	"validation_error":         http.StatusUnprocessableEntity,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeError maps a service error to its status and code. Errors that match
// no domain sentinel are logged and reported as an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		s.log.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
		writeErrorBody(w, http.StatusInternalServerError, code, "internal server error")
		return
	}
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeErrorBody(w, status, code, unwrapMessage(err))
}

// writeBodyError reports a body that could not be decoded.
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}
	writeErrorBody(w, http.StatusUnprocessableEntity, "validation_error", "malformed JSON body: "+err.Error())
}

// unwrapMessage drops the operation prefix from a wrapped service error.
// e.g. "service.PurchaseService.FundEscrow: amount mismatch: expected 520000, got 500000"
// → "amount mismatch: expected 520000, got 500000"
func unwrapMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "service.") {
		if i := strings.Index(msg, ": "); i >= 0 {
			return msg[i+2:]
		}
	}
	return msg
}
