package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/questions"
	"github.com/ijj-records/ijj-records/internal/shared"
)

type stubVault struct {
	userID    uuid.UUID
	verifyErr error
	listed    []questions.PublicQuestion
	calls     int
}

func (s *stubVault) Verify(ctx context.Context, subject questions.Subject, answers []string) (uuid.UUID, error) {
	s.calls++
	if s.verifyErr != nil {
		return uuid.Nil, s.verifyErr
	}
	return s.userID, nil
}

func (s *stubVault) ListQuestionsByEmail(ctx context.Context, email string) ([]questions.PublicQuestion, error) {
	return s.listed, nil
}

type stubCredentials struct {
	currentToken string
	byID         map[uuid.UUID]string
	err          error
}

func (s *stubCredentials) UpdateCurrentUser(ctx context.Context, accessToken, password string) error {
	if s.err != nil {
		return s.err
	}
	s.currentToken = accessToken
	return nil
}

func (s *stubCredentials) UpdateUserByID(ctx context.Context, id uuid.UUID, password string) error {
	if s.err != nil {
		return s.err
	}
	if s.byID == nil {
		s.byID = map[uuid.UUID]string{}
	}
	s.byID[id] = password
	return nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

const strongPassword = "Nueva#Clave2026"

func TestResetWithAnswersSucceeds(t *testing.T) {
	vault := &stubVault{userID: uuid.New()}
	creds := &stubCredentials{}
	audit := &recordingAudit{}
	svc := NewService(DefaultPasswordPolicy(), vault, creds, audit, nil)

	require.NoError(t, svc.ResetWithAnswers(context.Background(), " ana@ijj.test ", []string{"a", "b"}, strongPassword))
	assert.Equal(t, strongPassword, creds.byID[vault.userID])
	require.Len(t, audit.logs, 1)
	assert.Equal(t, shared.AuditRecoverySucceeded, audit.logs[0].Action)
	assert.Equal(t, vault.userID.String(), audit.logs[0].EntityID)
	assert.NoError(t, audit.logs[0].Validate())
}

func TestResetWithAnswersIsGeneric(t *testing.T) {
	for _, cause := range []error{questions.ErrQuestionsNotConfigured, questions.ErrAnswerCountMismatch, questions.ErrAnswersIncorrect} {
		t.Run(cause.Error(), func(t *testing.T) {
			creds := &stubCredentials{}
			audit := &recordingAudit{}
			svc := NewService(DefaultPasswordPolicy(), &stubVault{verifyErr: cause}, creds, audit, nil)

			err := svc.ResetWithAnswers(context.Background(), "x@ijj.test", []string{"a"}, strongPassword)
			assert.Equal(t, ErrRecoveryFailed, err)
			assert.Empty(t, creds.byID)
			require.Len(t, audit.logs, 1)
			assert.Equal(t, shared.AuditRecoveryFailed, audit.logs[0].Action)
			assert.NoError(t, audit.logs[0].Validate())
		})
	}
}

func TestResetChecksPolicyBeforeVerifying(t *testing.T) {
	vault := &stubVault{userID: uuid.New()}
	svc := NewService(DefaultPasswordPolicy(), vault, &stubCredentials{}, nil, nil)

	err := svc.ResetWithAnswers(context.Background(), "ana@ijj.test", []string{"a"}, "debil")
	assert.ErrorIs(t, err, ErrWeakPassword)
	assert.Zero(t, vault.calls)

	err = svc.ResetWithSession(context.Background(), uuid.New(), "access", "debil")
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestResetWithAnswersProviderFailures(t *testing.T) {
	vault := &stubVault{userID: uuid.New()}

	rejected := &stubCredentials{err: &identity.APIError{Status: 422, Code: "same_password", Message: "same"}}
	err := NewService(DefaultPasswordPolicy(), vault, rejected, nil, nil).ResetWithAnswers(context.Background(), "a@ijj.test", []string{"a"}, strongPassword)
	assert.Equal(t, ErrRecoveryFailed, err)

	down := &stubCredentials{err: fmt.Errorf("identity: %w: dial", shared.ErrProviderUnavailable)}
	err = NewService(DefaultPasswordPolicy(), vault, down, nil, nil).ResetWithAnswers(context.Background(), "a@ijj.test", []string{"a"}, strongPassword)
	assert.ErrorIs(t, err, shared.ErrProviderUnavailable)
}

func TestResetWithAnswersStoreFailureIsNotGeneric(t *testing.T) {
	vault := &stubVault{verifyErr: fmt.Errorf("questions: list: %w: %w", shared.ErrStoreUnavailable, errors.New("timeout"))}
	svc := NewService(DefaultPasswordPolicy(), vault, &stubCredentials{}, nil, nil)

	err := svc.ResetWithAnswers(context.Background(), "a@ijj.test", []string{"a"}, strongPassword)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
}

func TestResetWithSessionUsesCurrentUserUpdate(t *testing.T) {
	creds := &stubCredentials{}
	audit := &recordingAudit{}
	svc := NewService(DefaultPasswordPolicy(), &stubVault{}, creds, audit, nil)
	userID := uuid.New()

	require.NoError(t, svc.ResetWithSession(context.Background(), userID, "access-token", strongPassword))
	assert.Equal(t, "access-token", creds.currentToken)
	assert.Empty(t, creds.byID)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, "session", audit.logs[0].Meta["method"])
}
