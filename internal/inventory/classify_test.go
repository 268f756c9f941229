package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"

	"github.com/nerrad567/devicelease/internal/device"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"cancelled", context.Canceled, ClassFatal},
		{"deadline", fmt.Errorf("lock: %w", context.DeadlineExceeded), ClassTransient},
		{"eof", io.EOF, ClassTransient},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassTransient},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, ClassTransient},
		{"connection refused", syscall.ECONNREFUSED, ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"url timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, ClassTransient},
		{"dns", &net.DNSError{Err: "no such host", Name: "inventory"}, ClassTransient},
		{"malformed body", fmt.Errorf("%w: bad json", ErrMalformedResponse), ClassTransient},
		{"device not found", fmt.Errorf("%w: gone", device.ErrDeviceNotFound), ClassNotFound},
		{"unknown error", errors.New("boom"), ClassFatal},

		{"http 409", &StatusError{HTTPStatus: http.StatusConflict}, ClassConflict},
		{"http 404", &StatusError{HTTPStatus: http.StatusNotFound}, ClassNotFound},
		{"http 408", &StatusError{HTTPStatus: http.StatusRequestTimeout}, ClassTransient},
		{"http 425", &StatusError{HTTPStatus: http.StatusTooEarly}, ClassTransient},
		{"http 429", &StatusError{HTTPStatus: http.StatusTooManyRequests}, ClassTransient},
		{"http 500", &StatusError{HTTPStatus: http.StatusInternalServerError}, ClassTransient},
		{"http 503", &StatusError{HTTPStatus: http.StatusServiceUnavailable}, ClassTransient},
		{"http 400", &StatusError{HTTPStatus: http.StatusBadRequest}, ClassFatal},
		{"http 401", &StatusError{HTTPStatus: http.StatusUnauthorized}, ClassFatal},
		{"http 422", &StatusError{HTTPStatus: http.StatusUnprocessableEntity}, ClassFatal},

		{"reason locked", &StatusError{HTTPStatus: 200, Reason: ReasonLocked}, ClassConflict},
		{"reason already locked", &StatusError{HTTPStatus: 200, Reason: ReasonAlreadyLocked}, ClassConflict},
		{"reason held by other", &StatusError{HTTPStatus: 200, Reason: ReasonHeldByOther}, ClassConflict},
		{"reason not found", &StatusError{HTTPStatus: 200, Reason: ReasonNotFound}, ClassNotFound},
		{"reason not locked", &StatusError{HTTPStatus: 200, Reason: ReasonNotLocked}, ClassNotFound},
		{"reason no allocation", &StatusError{HTTPStatus: 200, Reason: ReasonNoAllocation}, ClassNotFound},
		{"reason invalid request", &StatusError{HTTPStatus: 200, Reason: ReasonInvalidRequest}, ClassFatal},
		{"reason unauthorized", &StatusError{HTTPStatus: 200, Reason: ReasonUnauthorized}, ClassFatal},
		{"reason unavailable", &StatusError{HTTPStatus: 200, Reason: ReasonUnavailable}, ClassTransient},
		{"unknown failure reason", &StatusError{HTTPStatus: 200, Reason: "QUOTA"}, ClassConflict},
		{"reason wins over status", &StatusError{HTTPStatus: http.StatusBadRequest, Reason: ReasonLocked}, ClassConflict},
		{"wrapped status error", fmt.Errorf("acquire: %w", &StatusError{HTTPStatus: http.StatusConflict}), ClassConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(io.EOF) {
		t.Error("IsRetryable(io.EOF) = false, want true")
	}
	if IsRetryable(&StatusError{HTTPStatus: http.StatusConflict}) {
		t.Error("IsRetryable(409) = true, want false")
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true, want false")
	}
}

func TestClass_String(t *testing.T) {
	if ClassTransient.String() != "transient" {
		t.Errorf("ClassTransient.String() = %q", ClassTransient.String())
	}
	if Class(99).String() != "unknown" {
		t.Errorf("Class(99).String() = %q", Class(99).String())
	}
}
