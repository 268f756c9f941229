package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scope is the authorisation tier carried in a token.
type Scope string

const (
	// ScopeRunner may acquire devices and manage leases it holds.
	ScopeRunner Scope = "runner"

	// ScopeAdmin may act on any lease and trigger reconciliation.
	ScopeAdmin Scope = "admin"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

const defaultTokenTTL = 12 * time.Hour

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeRunner || s == ScopeAdmin
}

// HolderClaims extends JWT registered claims with the caller's scope.
// Subject is the lease holder identity.
type HolderClaims struct {
	jwt.RegisteredClaims
	Scope Scope `json:"scope"`
}

// Holder returns the token subject.
func (c *HolderClaims) Holder() string { return c.Subject }

// IsAdmin reports whether the token carries the admin scope.
func (c *HolderClaims) IsAdmin() bool { return c.Scope == ScopeAdmin }

// GenerateHolderToken signs a token for holder. A non-positive ttl uses
// the 12 hour default, which outlives a typical test run.
func GenerateHolderToken(holder string, scope Scope, secret string, ttl time.Duration) (string, error) {
	if holder == "" {
		return "", ErrEmptyHolder
	}
	if !scope.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if len(secret) < MinSecretLength {
		return "", ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	claims := HolderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   holder,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing holder token: %w", err)
	}
	return signed, nil
}

// ParseToken validates the signature, expiry and required claims.
func ParseToken(tokenString, secret string) (*HolderClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HolderClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*HolderClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !claims.Scope.Valid() {
		return nil, fmt.Errorf("%w: %w %q", ErrTokenInvalid, ErrInvalidScope, claims.Scope)
	}
	return claims, nil
}
