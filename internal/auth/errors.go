package auth

import "errors"

// Sentinel errors for token handling.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrInvalidScope = errors.New("invalid scope")
	ErrEmptyHolder  = errors.New("holder identity is required")
	ErrWeakSecret   = errors.New("signing secret is too short")
)
