// Package recovery implements password changes for users who forgot their
// password: through an email-link session or through security questions.
package recovery

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// ErrWeakPassword is returned when a new password violates the policy.
var ErrWeakPassword = errors.New("recovery: password does not meet policy")

// PasswordPolicy defines the requirements for password complexity.
type PasswordPolicy struct {
	MinLength          int
	RequireUppercase   bool
	RequireLowercase   bool
	RequireDigit       bool
	RequireSpecialChar bool
}

// DefaultPasswordPolicy returns the application policy.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:          10,
		RequireUppercase:   true,
		RequireLowercase:   true,
		RequireDigit:       true,
		RequireSpecialChar: true,
	}
}

// Check verifies that password meets the policy. Length counts characters, not bytes.
func (p PasswordPolicy) Check(password string) error {
	if utf8.RuneCountInString(password) < p.MinLength {
		return fmt.Errorf("%w: must be at least %d characters long", ErrWeakPassword, p.MinLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r):
			special = true
		}
	}
	if p.RequireUppercase && !upper {
		return fmt.Errorf("%w: must contain at least one uppercase letter", ErrWeakPassword)
	}
	if p.RequireLowercase && !lower {
		return fmt.Errorf("%w: must contain at least one lowercase letter", ErrWeakPassword)
	}
	if p.RequireDigit && !digit {
		return fmt.Errorf("%w: must contain at least one digit", ErrWeakPassword)
	}
	if p.RequireSpecialChar && !special {
		return fmt.Errorf("%w: must contain at least one special character", ErrWeakPassword)
	}
	return nil
}
