package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/questions"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// ErrRecoveryFailed is the single error returned for any failed
// question-based recovery, whatever the cause.
var ErrRecoveryFailed = errors.New("recovery: could not verify identity")

// CredentialUpdater is the provider capability used to change passwords.
type CredentialUpdater interface {
	UpdateCurrentUser(ctx context.Context, accessToken, password string) error
	UpdateUserByID(ctx context.Context, id uuid.UUID, password string) error
}

// QuestionVerifier is the security-question capability used for recovery.
type QuestionVerifier interface {
	Verify(ctx context.Context, subject questions.Subject, answers []string) (uuid.UUID, error)
	ListQuestionsByEmail(ctx context.Context, email string) ([]questions.PublicQuestion, error)
}

// Service runs password recovery.
type Service struct {
	policy      PasswordPolicy
	vault       QuestionVerifier
	credentials CredentialUpdater
	audit       shared.AuditRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs a Service.
func NewService(policy PasswordPolicy, vault QuestionVerifier, credentials CredentialUpdater, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{policy: policy, vault: vault, credentials: credentials, audit: audit, logger: logger, now: time.Now}
}

// Policy exposes the password policy.
func (s *Service) Policy() PasswordPolicy {
	return s.policy
}

// QuestionsForEmail lists the questions to answer for email. Unknown emails
// give an empty list.
func (s *Service) QuestionsForEmail(ctx context.Context, email string) ([]questions.PublicQuestion, error) {
	return s.vault.ListQuestionsByEmail(ctx, strings.TrimSpace(email))
}

// ResetWithSession changes the password of the session's user. The session
// itself is the proof of identity.
func (s *Service) ResetWithSession(ctx context.Context, userID uuid.UUID, accessToken, password string) error {
	if err := s.policy.Check(password); err != nil {
		return err
	}
	if err := s.credentials.UpdateCurrentUser(ctx, accessToken, password); err != nil {
		s.record(ctx, &userID, shared.AuditRecoveryFailed, "session", err)
		return fmt.Errorf("recovery: update current user: %w", err)
	}
	s.record(ctx, &userID, shared.AuditRecoverySucceeded, "session", nil)
	return nil
}

// ResetWithAnswers verifies every security answer for email and then sets
// the new password through the provider's administrative update.
// Verification failures all return ErrRecoveryFailed.
func (s *Service) ResetWithAnswers(ctx context.Context, email string, answers []string, password string) error {
	if err := s.policy.Check(password); err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	userID, err := s.vault.Verify(ctx, questions.Subject{Email: email}, answers)
	if err != nil {
		if isVerificationFailure(err) {
			s.record(ctx, nil, shared.AuditRecoveryFailed, "questions", err)
			return ErrRecoveryFailed
		}
		s.logger.Error("recovery verify", slog.Any("error", err))
		return fmt.Errorf("recovery: verify: %w", err)
	}
	if err := s.credentials.UpdateUserByID(ctx, userID, password); err != nil {
		s.record(ctx, &userID, shared.AuditRecoveryFailed, "questions", err)
		var apiErr *identity.APIError
		if errors.As(err, &apiErr) {
			s.logger.Warn("recovery provider rejected update", slog.Int("status", apiErr.Status), slog.String("code", apiErr.Code))
			return ErrRecoveryFailed
		}
		return fmt.Errorf("recovery: update user: %w", err)
	}
	s.record(ctx, &userID, shared.AuditRecoverySucceeded, "questions", nil)
	return nil
}

func isVerificationFailure(err error) bool {
	return errors.Is(err, questions.ErrQuestionsNotConfigured) ||
		errors.Is(err, questions.ErrAnswerCountMismatch) ||
		errors.Is(err, questions.ErrAnswersIncorrect)
}

func (s *Service) record(ctx context.Context, userID *uuid.UUID, action, method string, cause error) {
	entry := shared.AuditLog{
		ActorID:  userID,
		Action:   action,
		Entity:   "user",
		EntityID: "anonymous",
		Meta:     map[string]any{"method": method},
		At:       s.now().UTC(),
	}
	if userID != nil {
		entry.EntityID = userID.String()
	}
	if cause != nil {
		entry.Meta["reason"] = failureReason(cause)
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit recovery", slog.String("action", action), slog.Any("error", err))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, questions.ErrQuestionsNotConfigured):
		return "not_configured"
	case errors.Is(err, questions.ErrAnswerCountMismatch):
		return "count_mismatch"
	case errors.Is(err, questions.ErrAnswersIncorrect):
		return "incorrect"
	case errors.Is(err, shared.ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "provider_rejected"
	}
}
