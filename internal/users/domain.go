package users

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates an unknown user.
	ErrNotFound = errors.New("users: not found")
	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = errors.New("users: email already registered")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("users: invalid input")
)

// User is the application profile of an identity-provider account. Role is
// the legacy single-role field; user_roles holds the authoritative assignments.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateInput is the admin payload for a new user.
type CreateInput struct {
	Email    string   `json:"email" validate:"required,email,max=254"`
	FullName string   `json:"full_name" validate:"required,max=120"`
	Password string   `json:"password" validate:"required"`
	Roles    []string `json:"roles" validate:"required,min=1,dive,required,max=64"`
}

// RolesInput replaces a user's roles. The first role is mirrored into the legacy field.
type RolesInput struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,required,max=64"`
}
