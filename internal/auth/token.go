// Package auth issues and checks the operator tokens that guard the
// mutating HTTP endpoints.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes understood by the API.
const (
	ScopeSeal   = "seal:write" // create, watch
	ScopeCycle  = "seal:cycle" // trigger seal/sync and failure cycles
	ScopeLedger = "ledger:admin"
)

// AllScopes is the scope set granted by default to CLI-issued tokens.
var AllScopes = []string{ScopeSeal, ScopeCycle, ScopeLedger}

// ErrEmptySecret is returned by NewTokenIssuer for a zero-length secret.
var ErrEmptySecret = errors.New("token secret must not be empty")

// OperatorClaims are the JWT claims of an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the token grants scope.
func (c *OperatorClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenIssuer issues and verifies HS256 operator tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl defaults to 24 hours.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for subject carrying scopes.
func (t *TokenIssuer) Issue(subject string, scopes []string) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims on success.
func (t *TokenIssuer) Verify(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
