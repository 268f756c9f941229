package inventory

import (
	"errors"
	"fmt"
)

// Sentinel errors for the inventory client.
var (
	// ErrInvalidConfig is returned by NewRESTClient for an unusable configuration.
	ErrInvalidConfig = errors.New("inventory: invalid configuration")

	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("inventory: malformed response")
)

// FAILURE reasons reported by the inventory service.
const (
	ReasonLocked         = "LOCKED"
	ReasonAlreadyLocked  = "ALREADY_LOCKED"
	ReasonHeldByOther    = "HELD_BY_OTHER"
	ReasonNotFound       = "NOT_FOUND"
	ReasonNotLocked      = "NOT_LOCKED"
	ReasonNoAllocation   = "NO_ALLOCATION"
	ReasonInvalidRequest = "INVALID_REQUEST"
	ReasonUnauthorized   = "UNAUTHORIZED"
	ReasonUnavailable    = "UNAVAILABLE"
)

// StatusError is a response the inventory service actually sent: either a
// non-2xx HTTP status or a 2xx body with status FAILURE.
type StatusError struct {
	Op         string
	MAC        string
	HTTPStatus int
	Reason     string
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("inventory %s", e.Op)
	if e.MAC != "" {
		msg += " " + e.MAC
	}
	msg += fmt.Sprintf(": http %d", e.HTTPStatus)
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
