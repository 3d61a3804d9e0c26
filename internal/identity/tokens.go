package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator verifies provider access tokens locally with the shared HS256 secret.
type TokenValidator struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenValidator constructs a validator. now may be nil.
func NewTokenValidator(secret string, now func() time.Time) *TokenValidator {
	if now == nil {
		now = time.Now
	}
	return &TokenValidator{secret: []byte(secret), now: now, leeway: 5 * time.Second}
}

// Validate parses the token and checks signature and expiry. Expired but
// otherwise valid tokens return the claims together with ErrTokenExpired so
// callers may try a refresh.
func (v *TokenValidator) Validate(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	if len(v.secret) == 0 {
		return Claims{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return claims, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if _, err := claims.UserID(); err != nil {
		return Claims{}, err
	}
	return claims, nil
}
