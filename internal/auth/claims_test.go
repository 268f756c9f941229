package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

func TestGenerateAndParseHolderToken(t *testing.T) {
	token, err := GenerateHolderToken("ci-runner-7", ScopeRunner, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateHolderToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Holder() != "ci-runner-7" {
		t.Errorf("Holder() = %q", claims.Holder())
	}
	if claims.IsAdmin() {
		t.Error("runner token reported as admin")
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("lifetime = %v, want 1h", got)
	}
}

func TestGenerateHolderToken_Validation(t *testing.T) {
	tests := []struct {
		name    string
		holder  string
		scope   Scope
		secret  string
		wantErr error
	}{
		{"empty holder", "", ScopeRunner, testSecret, ErrEmptyHolder},
		{"bad scope", "h", Scope("owner"), testSecret, ErrInvalidScope},
		{"short secret", "h", ScopeAdmin, "short", ErrWeakSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GenerateHolderToken(tt.holder, tt.scope, tt.secret, 0); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseToken_Rejects(t *testing.T) {
	valid, err := GenerateHolderToken("h", ScopeAdmin, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateHolderToken() error = %v", err)
	}

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	now := time.Now()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"garbage", "not-a-valid-jwt", ErrTokenInvalid},
		{"wrong secret", valid, ErrTokenInvalid},
		{"expired", sign(HolderClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "h", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))},
			Scope:            ScopeRunner,
		}, jwt.SigningMethodHS256, []byte(testSecret)), ErrTokenExpired},
		{"no expiry", sign(HolderClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "h"},
			Scope:            ScopeRunner,
		}, jwt.SigningMethodHS256, []byte(testSecret)), ErrTokenInvalid},
		{"missing subject", sign(HolderClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
			Scope:            ScopeRunner,
		}, jwt.SigningMethodHS256, []byte(testSecret)), ErrTokenInvalid},
		{"unknown scope", sign(HolderClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "h", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
			Scope:            "owner",
		}, jwt.SigningMethodHS256, []byte(testSecret)), ErrInvalidScope},
		{"alg none", sign(HolderClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "h", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
			Scope:            ScopeAdmin,
		}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType), ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret := testSecret
			if tt.name == "wrong secret" {
				secret = strings.Repeat("x", MinSecretLength)
			}
			if _, err := ParseToken(tt.token, secret); !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
