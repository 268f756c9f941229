package device

import "errors"

// Domain errors for the device package.
var (
	// ErrDeviceNotFound is returned when a MAC is unknown to the catalog or inventory.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidMAC is returned when a MAC address cannot be parsed.
	ErrInvalidMAC = errors.New("device: invalid MAC address")

	// ErrInvalidDevice is returned when a record fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidGroupMatch is returned for a group match mode other than any or all.
	ErrInvalidGroupMatch = errors.New("device: invalid group match mode")
)
