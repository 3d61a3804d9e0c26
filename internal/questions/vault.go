package questions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/users"
)

// UserLookup resolves an email to a user id, returning users.ErrNotFound for
// unknown emails.
type UserLookup interface {
	IDByEmail(ctx context.Context, email string) (uuid.UUID, error)
}

// Vault stores and verifies security questions.
type Vault struct {
	repo     Repository
	users    UserLookup
	validate *validator.Validate
}

// NewVault constructs a Vault.
func NewVault(repo Repository, users UserLookup) *Vault {
	return &Vault{repo: repo, users: users, validate: validator.New()}
}

// Configure replaces all of the user's questions with inputs and returns the
// stored question texts.
func (v *Vault) Configure(ctx context.Context, userID uuid.UUID, inputs []QuestionInput) ([]string, error) {
	if len(inputs) < 1 || len(inputs) > MaxQuestions {
		return nil, fmt.Errorf("%w: need 1 to %d questions, got %d", ErrInvalidQuestions, MaxQuestions, len(inputs))
	}
	seen := make(map[string]struct{}, len(inputs))
	qs := make([]Question, 0, len(inputs))
	texts := make([]string, 0, len(inputs))
	for i, in := range inputs {
		in.Question = strings.TrimSpace(in.Question)
		if err := v.validate.Struct(in); err != nil {
			return nil, errors.Join(ErrInvalidQuestions, err)
		}
		if len([]rune(strings.TrimSpace(in.Answer))) < MinAnswerLength {
			return nil, fmt.Errorf("%w: answer %d shorter than %d characters", ErrInvalidQuestions, i+1, MinAnswerLength)
		}
		key := strings.ToLower(in.Question)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: question %d repeated", ErrInvalidQuestions, i+1)
		}
		seen[key] = struct{}{}
		qs = append(qs, Question{UserID: userID, Question: in.Question, AnswerHash: HashAnswer(in.Answer), Order: i + 1})
		texts = append(texts, in.Question)
	}
	if err := v.repo.ReplaceAll(ctx, userID, qs); err != nil {
		return nil, fmt.Errorf("questions: configure: %w", err)
	}
	return texts, nil
}

// ListQuestions returns the user's questions without answer material.
func (v *Vault) ListQuestions(ctx context.Context, userID uuid.UUID) ([]PublicQuestion, error) {
	qs, err := v.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toPublic(qs), nil
}

// ListQuestionsByEmail returns the questions of the user with the given email.
// An unknown email yields the same empty list as a user without questions.
func (v *Vault) ListQuestionsByEmail(ctx context.Context, email string) ([]PublicQuestion, error) {
	userID, ok, err := v.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []PublicQuestion{}, nil
	}
	return v.ListQuestions(ctx, userID)
}

// Count returns how many questions the user has configured.
func (v *Vault) Count(ctx context.Context, userID uuid.UUID) (int, error) {
	return v.repo.CountByUser(ctx, userID)
}

// Verify checks answers, in question order, against the subject's stored
// hashes and returns the subject's user id when every answer matches.
func (v *Vault) Verify(ctx context.Context, subject Subject, answers []string) (uuid.UUID, error) {
	userID := subject.UserID
	if userID == uuid.Nil {
		id, ok, err := v.lookup(ctx, subject.Email)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, ErrQuestionsNotConfigured
		}
		userID = id
	}

	qs, err := v.repo.ListByUser(ctx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(qs) == 0 {
		return uuid.Nil, ErrQuestionsNotConfigured
	}
	if len(answers) != len(qs) {
		return uuid.Nil, ErrAnswerCountMismatch
	}

	match := 1
	for i, q := range qs {
		match &= subtle.ConstantTimeCompare([]byte(HashAnswer(answers[i])), []byte(q.AnswerHash))
	}
	if match != 1 {
		return uuid.Nil, ErrAnswersIncorrect
	}
	return userID, nil
}

func (v *Vault) lookup(ctx context.Context, email string) (uuid.UUID, bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return uuid.Nil, false, nil
	}
	id, err := v.users.IDByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("questions: lookup email: %w", err)
	}
	return id, true, nil
}
