package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/lease"
)

// Error represents a structured error response. For lease failures Code
// is the allocation code name and ID its catalogue identifier (ER-xx).
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Device  string `json:"device,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// leaseStatus maps an allocation code to an HTTP status.
//
// Request validation failures surface as FatalConfiguration from the
// coordinator; they are the caller's fault and map to 400. Any other
// FatalConfiguration came from the inventory and maps to 502.
func leaseStatus(err error) int {
	if errors.Is(err, lease.ErrInvalidDuration) || errors.Is(err, lease.ErrInvalidHolder) ||
		errors.Is(err, device.ErrInvalidGroupMatch) || errors.Is(err, device.ErrInvalidMAC) {
		return http.StatusBadRequest
	}
	switch lease.CodeOf(err) {
	case lease.CodeNoCandidate, lease.CodeNotFound:
		return http.StatusNotFound
	case lease.CodeAllLocked, lease.CodeConflict:
		return http.StatusConflict
	case lease.CodeTransientNetworkFailure:
		return http.StatusServiceUnavailable
	case lease.CodeLeaseLost:
		return http.StatusGone
	case lease.CodeCancelled:
		return http.StatusRequestTimeout
	case lease.CodeFatalConfiguration:
		return http.StatusBadGateway
	}
	if errors.Is(err, lease.ErrUnknownLease) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeLeaseError writes a coordinator error. The body carries the stable
// code so runners can decide whether to retry.
func writeLeaseError(w http.ResponseWriter, err error) {
	status := leaseStatus(err)
	body := Error{Status: status, Detail: err.Error()}

	var ae *lease.AllocationError
	switch {
	case errors.As(err, &ae):
		body.Code = ae.Code.String()
		body.ID = ae.Code.ID()
		body.Message = lease.Message(ae.Code)
		body.Device = ae.Device
	case errors.Is(err, lease.ErrUnknownLease):
		body.Code = ErrCodeNotFound
		body.Message = "lease not found"
	default:
		body.Code = ErrCodeInternal
		body.Message = "internal server error"
		body.Detail = ""
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}
