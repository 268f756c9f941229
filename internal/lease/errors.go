package lease

import (
	"errors"
	"fmt"
)

// Code classifies why an allocation operation failed.
type Code int

const (
	// CodeConflict means the device is locked by another holder.
	CodeConflict Code = iota + 1
	// CodeNotFound means the device or its lock is unknown to the inventory.
	CodeNotFound
	// CodeTransientNetworkFailure means the inventory could not be reached
	// after every retry.
	CodeTransientNetworkFailure
	// CodeFatalConfiguration means the request can never succeed as made.
	CodeFatalConfiguration
	// CodeNoCandidate means no device matched the criteria.
	CodeNoCandidate
	// CodeAllLocked means every matching device was held by someone else.
	CodeAllLocked
	// CodeLeaseLost means the inventory no longer considers the lease ours.
	CodeLeaseLost
	// CodeCancelled means the caller gave up before a result was reached.
	CodeCancelled
)

type codeInfo struct {
	name string
	id   string
	text string
}

// codeTable is the single place a code is turned into text.
var codeTable = map[Code]codeInfo{
	CodeConflict:                {"conflict", "ER-40", "Device is locked by another holder"},
	CodeNotFound:                {"not_found", "ER-41", "Device or allocation not known to the inventory service"},
	CodeTransientNetworkFailure: {"transient_network_failure", "ER-42", "Inventory service unreachable after retries"},
	CodeFatalConfiguration:      {"fatal_configuration", "ER-43", "Request rejected by the inventory service; retrying cannot help"},
	CodeNoCandidate:             {"no_candidate", "ER-44", "No device matches the selection criteria"},
	CodeAllLocked:               {"all_locked", "ER-45", "Every matching device is currently locked"},
	CodeLeaseLost:               {"lease_lost", "ER-46", "Lease was reclaimed remotely; re-acquire a device"},
	CodeCancelled:               {"cancelled", "ER-47", "Allocation cancelled by the caller"},
}

func (c Code) String() string {
	if info, ok := codeTable[c]; ok {
		return info.name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ID returns the stable catalogue identifier for c, such as "ER-45".
func (c Code) ID() string {
	if info, ok := codeTable[c]; ok {
		return info.id
	}
	return "ER-00"
}

// Message returns the human-readable text for code.
func Message(code Code) string {
	if info, ok := codeTable[code]; ok {
		return info.id + ": " + info.text
	}
	return "ER-00: Unknown allocation error"
}

// AllocationError is the error returned by every Coordinator operation that
// fails. Device and Holder are empty when they do not apply.
type AllocationError struct {
	Code   Code
	Device string
	Holder string
	Err    error
}

func (e *AllocationError) Error() string {
	msg := "lease: " + Message(e.Code)
	if e.Device != "" {
		msg += " (device " + e.Device + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Is matches any *AllocationError with the same Code, so the sentinels below
// work with errors.Is.
func (e *AllocationError) Is(target error) bool {
	var t *AllocationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is. Compare by code only.
var (
	ErrConflict                = &AllocationError{Code: CodeConflict}
	ErrNotFound                = &AllocationError{Code: CodeNotFound}
	ErrTransientNetworkFailure = &AllocationError{Code: CodeTransientNetworkFailure}
	ErrFatalConfiguration      = &AllocationError{Code: CodeFatalConfiguration}
	ErrNoCandidate             = &AllocationError{Code: CodeNoCandidate}
	ErrAllLocked               = &AllocationError{Code: CodeAllLocked}
	ErrLeaseLost               = &AllocationError{Code: CodeLeaseLost}
	ErrCancelled               = &AllocationError{Code: CodeCancelled}
)

// Plain sentinels for local validation and lookup failures.
var (
	// ErrInvalidDuration is wrapped in a FatalConfiguration error when a
	// duration or extension is not positive or exceeds the configured maximum.
	ErrInvalidDuration = errors.New("lease: invalid duration")

	// ErrInvalidHolder is wrapped in a FatalConfiguration error when the holder is empty.
	ErrInvalidHolder = errors.New("lease: holder is required")

	// ErrUnknownLease is returned by Get and friends for an ID the coordinator never issued.
	ErrUnknownLease = errors.New("lease: unknown lease")
)

// CodeOf extracts the Code from err, or 0 when err is not an AllocationError.
func CodeOf(err error) Code {
	var ae *AllocationError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return 0
}

func newError(code Code, mac, holder string, err error) *AllocationError {
	return &AllocationError{Code: code, Device: mac, Holder: holder, Err: err}
}
