package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// Provider is the subset of the identity client the auth flows use.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (identity.Session, error)
	VerifyOTP(ctx context.Context, tokenHash, otpType string) (identity.Session, error)
	GetUser(ctx context.Context, accessToken string) (identity.User, error)
	EnrollTOTP(ctx context.Context, accessToken, friendlyName string) (identity.TOTPEnrollment, error)
	ChallengeAndVerify(ctx context.Context, accessToken, factorID, code string) (identity.Session, error)
}

// Service wraps the provider-backed authentication flows and their audit trail.
type Service struct {
	provider Provider
	audit    shared.AuditRecorder
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(provider Provider, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, audit: audit, logger: logger}
}

// Login exchanges email and password for a provider session.
func (s *Service) Login(ctx context.Context, email, password string) (identity.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.record(ctx, shared.AuditLog{Action: shared.AuditLoginFailed, Entity: "auth", EntityID: "anonymous", Meta: map[string]any{"email": email}})
			return identity.Session{}, shared.ErrInvalidCredentials
		}
		return identity.Session{}, fmt.Errorf("auth: login: %w", err)
	}
	actor := sess.User.ID
	s.record(ctx, shared.AuditLog{ActorID: &actor, Action: shared.AuditLoginSucceeded, Entity: "auth", EntityID: actor.String()})
	return sess, nil
}

// Callback redeems an email link token.
func (s *Service) Callback(ctx context.Context, tokenHash, otpType string) (identity.Session, error) {
	if tokenHash == "" || !knownOTPType(otpType) {
		return identity.Session{}, identity.ErrInvalidCode
	}
	sess, err := s.provider.VerifyOTP(ctx, tokenHash, otpType)
	if err != nil {
		return identity.Session{}, fmt.Errorf("auth: callback: %w", err)
	}
	return sess, nil
}

// Status lists the verified factors of the token's user.
func (s *Service) Status(ctx context.Context, accessToken string) (MFAStatus, error) {
	user, err := s.provider.GetUser(ctx, accessToken)
	if err != nil {
		return MFAStatus{}, fmt.Errorf("auth: mfa status: %w", err)
	}
	return MFAStatus{Factors: user.VerifiedFactors()}, nil
}

// Enroll starts a TOTP enrollment for the token's user.
func (s *Service) Enroll(ctx context.Context, accessToken, friendlyName string) (identity.TOTPEnrollment, error) {
	friendlyName = strings.TrimSpace(friendlyName)
	if friendlyName == "" {
		friendlyName = "authenticator"
	}
	enrollment, err := s.provider.EnrollTOTP(ctx, accessToken, friendlyName)
	if err != nil {
		return identity.TOTPEnrollment{}, fmt.Errorf("auth: enroll totp: %w", err)
	}
	return enrollment, nil
}

// VerifyFactor challenges factorID with code. An empty factorID picks the
// first verified factor; a freshly enrolled factor id is accepted as is.
func (s *Service) VerifyFactor(ctx context.Context, userID uuid.UUID, accessToken, factorID, code string) (identity.Session, error) {
	if factorID == "" {
		status, err := s.Status(ctx, accessToken)
		if err != nil {
			return identity.Session{}, err
		}
		if len(status.Factors) == 0 {
			return identity.Session{}, ErrNoFactor
		}
		factorID = status.Factors[0].ID
	}
	sess, err := s.provider.ChallengeAndVerify(ctx, accessToken, factorID, strings.TrimSpace(code))
	if err != nil {
		return identity.Session{}, fmt.Errorf("auth: verify factor: %w", err)
	}
	s.record(ctx, shared.AuditLog{ActorID: &userID, Action: shared.AuditMFAVerified, Entity: "auth", EntityID: userID.String(), Meta: map[string]any{"factor_id": factorID}})
	return sess, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("auth audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}
