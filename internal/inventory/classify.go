package inventory

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/nerrad567/devicelease/internal/device"
)

// Class is the retry-relevant category of an inventory outcome.
type Class int

const (
	// ClassNone means the call succeeded.
	ClassNone Class = iota
	// ClassConflict means the device is held by someone else.
	ClassConflict
	// ClassNotFound means the device or its lock is unknown to the inventory.
	ClassNotFound
	// ClassTransient covers timeouts, resets and overload; retrying may help.
	ClassTransient
	// ClassFatal covers malformed requests and auth failures; retrying cannot help.
	ClassFatal
)

var classNames = map[Class]string{
	ClassNone:      "none",
	ClassConflict:  "conflict",
	ClassNotFound:  "not_found",
	ClassTransient: "transient",
	ClassFatal:     "fatal",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

// Classify maps an error returned by a Locker, DeviceSource or Details call to
// a Class. Unrecognised errors are Fatal so they surface instead of looping.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr)
	}

	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return ClassNotFound
	case errors.Is(err, ErrMalformedResponse):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ClassTransient
		}
		return classifyTransport(urlErr.Err)
	}
	return classifyTransport(err)
}

// IsRetryable reports whether err is worth retrying against the same device.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

func classifyTransport(err error) Class {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassFatal
}

func classifyStatus(e *StatusError) Class {
	switch e.Reason {
	case ReasonLocked, ReasonAlreadyLocked, ReasonHeldByOther:
		return ClassConflict
	case ReasonNotFound, ReasonNotLocked, ReasonNoAllocation:
		return ClassNotFound
	case ReasonInvalidRequest, ReasonUnauthorized:
		return ClassFatal
	case ReasonUnavailable:
		return ClassTransient
	}

	switch code := e.HTTPStatus; {
	case code == http.StatusConflict:
		return ClassConflict
	case code == http.StatusNotFound || code == http.StatusGone:
		return ClassNotFound
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return ClassTransient
	case code >= http.StatusBadRequest:
		return ClassFatal
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		// FAILURE with a reason we do not know: the service refused the
		// state change, which for a lock means someone else has it.
		return ClassConflict
	}
	return ClassFatal
}
