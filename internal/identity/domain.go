// Package identity talks to the GoTrue-compatible identity provider: password
// sign-in, token refresh, MFA factors, credential updates and sign-out.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Level is an authenticator assurance level.
type Level string

const (
	// LevelNone marks an absent level, e.g. no next level without enrolled factors.
	LevelNone Level = ""
	// LevelAAL1 is a password-only session.
	LevelAAL1 Level = "aal1"
	// LevelAAL2 is a session that also cleared a second factor.
	LevelAAL2 Level = "aal2"
)

// FactorVerified is the status of a factor usable for challenges.
const FactorVerified = "verified"

// SignOutGlobal revokes every session of the user.
const SignOutGlobal = "global"

var (
	// ErrInvalidCredentials is returned for a rejected email/password pair.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrInvalidToken is returned for missing, malformed or rejected tokens.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("identity: token expired")
	// ErrInvalidCode is returned when an MFA code or OTP is rejected.
	ErrInvalidCode = errors.New("identity: invalid code")
)

// APIError is a 4xx answer from the provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity: provider returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity: provider returned %d: %s", e.Status, e.Message)
}

// Factor is an enrolled MFA factor.
type Factor struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	FactorType   string `json:"factor_type"`
	Status       string `json:"status"`
}

// User is the provider's view of an account.
type User struct {
	ID      uuid.UUID `json:"id"`
	Email   string    `json:"email"`
	Factors []Factor  `json:"factors"`
}

// HasVerifiedFactor reports whether the user can be challenged for aal2.
func (u User) HasVerifiedFactor() bool {
	for _, f := range u.Factors {
		if f.Status == FactorVerified {
			return true
		}
	}
	return false
}

// VerifiedFactors returns the factors that can be challenged.
func (u User) VerifiedFactors() []Factor {
	var out []Factor
	for _, f := range u.Factors {
		if f.Status == FactorVerified {
			out = append(out, f)
		}
	}
	return out
}

// Session is a token pair issued by the provider.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// TOTPEnrollment carries what the user needs to register an authenticator app.
type TOTPEnrollment struct {
	FactorID string `json:"id"`
	QRCode   string `json:"qr_code"`
	Secret   string `json:"secret"`
	URI      string `json:"uri"`
}

// Claims are the access-token claims the application relies on.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	AAL       Level  `json:"aal,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject as the user id.
func (c Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return id, nil
}
