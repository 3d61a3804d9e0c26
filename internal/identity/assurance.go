package identity

import (
	"context"
	"fmt"
)

// AssuranceLevels is the current and next-available level of a session.
type AssuranceLevels struct {
	Current Level
	Next    Level
}

// ChallengeRequired reports whether a second factor is enrolled but not yet
// satisfied this session.
func (l AssuranceLevels) ChallengeRequired() bool {
	return l.Current != LevelAAL2 && l.Next == LevelAAL2
}

// UserReader reads the live user record for a token.
type UserReader interface {
	GetUser(ctx context.Context, accessToken string) (User, error)
}

// AssuranceTracker reads assurance levels. It keeps no state between calls.
type AssuranceTracker struct {
	tokens *TokenValidator
	users  UserReader
}

// NewAssuranceTracker constructs an AssuranceTracker.
func NewAssuranceTracker(tokens *TokenValidator, users UserReader) *AssuranceTracker {
	return &AssuranceTracker{tokens: tokens, users: users}
}

// Levels returns the session's current level, taken from the token's aal
// claim, and its next level: aal2 when the live user record has a verified
// factor, absent otherwise.
func (t *AssuranceTracker) Levels(ctx context.Context, accessToken string) (AssuranceLevels, error) {
	claims, err := t.tokens.Validate(accessToken)
	if err != nil {
		return AssuranceLevels{}, fmt.Errorf("identity: assurance: %w", err)
	}
	levels := AssuranceLevels{Current: claims.AAL}
	if levels.Current == LevelNone {
		levels.Current = LevelAAL1
	}

	user, err := t.users.GetUser(ctx, accessToken)
	if err != nil {
		return AssuranceLevels{}, fmt.Errorf("identity: assurance: %w", err)
	}
	if user.HasVerifiedFactor() {
		levels.Next = LevelAAL2
	}
	return levels, nil
}
