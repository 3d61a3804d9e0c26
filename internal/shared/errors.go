package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrUnauthenticated indicates a missing or invalid session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates an authenticated user without the module permission.
	ErrForbidden = errors.New("forbidden")
	// ErrStoreUnavailable wraps failures reading the persistent store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrProviderUnavailable wraps failures talking to the identity provider.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)
