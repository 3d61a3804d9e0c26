package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Refresher exchanges refresh tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// Identity is the authenticated user behind a session.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Claims Claims
	// Refreshed is set when the tokens had to be renewed; the caller must
	// store the new pair in its session.
	Refreshed *Session
}

// Authenticator turns the token pair stored in a session into an Identity.
type Authenticator struct {
	tokens    *TokenValidator
	refresher Refresher
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(tokens *TokenValidator, refresher Refresher) *Authenticator {
	return &Authenticator{tokens: tokens, refresher: refresher}
}

// Authenticate validates accessToken and refreshes it once when expired.
// Any failure means there is no valid session.
func (a *Authenticator) Authenticate(ctx context.Context, accessToken, refreshToken string) (Identity, error) {
	claims, err := a.tokens.Validate(accessToken)
	if err == nil {
		return identityFrom(claims, nil)
	}
	if !errors.Is(err, ErrTokenExpired) || refreshToken == "" || a.refresher == nil {
		return Identity{}, err
	}

	sess, err := a.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: refresh: %w", err)
	}
	claims, err = a.tokens.Validate(sess.AccessToken)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: refreshed token: %w", err)
	}
	return identityFrom(claims, &sess)
}

func identityFrom(claims Claims, refreshed *Session) (Identity, error) {
	id, err := claims.UserID()
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: id, Email: claims.Email, Claims: claims, Refreshed: refreshed}, nil
}
