package auth

import (
	"errors"
	"net/url"
	"strings"

	"github.com/ijj-records/ijj-records/internal/identity"
)

// OTP types the auth callback understands.
const (
	OTPRecovery = "recovery"
	OTPSignup   = "signup"
	OTPMagic    = "magiclink"
	OTPInvite   = "invite"
	OTPEmail    = "email"
)

// ErrNoFactor is returned when the user has no verified factor to challenge.
var ErrNoFactor = errors.New("auth: no verified factor")

type loginForm struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,max=256"`
	Next     string
}

type mfaForm struct {
	FactorID string
	Code     string `validate:"required,numeric,len=6"`
}

// MFAStatus is what the MFA page shows about the current user.
type MFAStatus struct {
	Factors    []identity.Factor
	Enrollment *identity.TOTPEnrollment
}

// LocalTarget returns next when it is a same-origin path and fallback
// otherwise, so redirects never leave the application.
func LocalTarget(next, fallback string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return next
}

func knownOTPType(t string) bool {
	switch t {
	case OTPRecovery, OTPSignup, OTPMagic, OTPInvite, OTPEmail:
		return true
	}
	return false
}
