// Package questions stores hashed security question answers and verifies
// recovery attempts against them.
package questions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// MaxQuestions bounds how many questions a user may configure.
const MaxQuestions = 3

// MinAnswerLength is the minimum trimmed answer length.
const MinAnswerLength = 3

var (
	// ErrQuestionsNotConfigured is returned when the subject has no questions.
	ErrQuestionsNotConfigured = errors.New("questions: not configured")
	// ErrAnswerCountMismatch is returned when the number of answers differs from the number of questions.
	ErrAnswerCountMismatch = errors.New("questions: answer count mismatch")
	// ErrAnswersIncorrect is returned when any answer does not match.
	ErrAnswersIncorrect = errors.New("questions: answers incorrect")
	// ErrInvalidQuestions wraps configuration validation failures.
	ErrInvalidQuestions = errors.New("questions: invalid questions")
)

// Question is a stored question. AnswerHash never leaves the package boundary
// through the HTTP layer.
type Question struct {
	ID         int64
	UserID     uuid.UUID
	Question   string
	AnswerHash string
	Order      int
}

// QuestionInput is one question/answer pair submitted for configuration.
type QuestionInput struct {
	Question string `json:"question" validate:"required,max=255"`
	Answer   string `json:"answer" validate:"required,max=255"`
}

// PublicQuestion is the answer-free view of a question.
type PublicQuestion struct {
	Question string `json:"question"`
	Order    int    `json:"order"`
}

// Subject identifies whose questions to verify: a user id or an email.
type Subject struct {
	UserID uuid.UUID
	Email  string
}

// HashAnswer returns the hex SHA-256 digest of the normalized answer. The
// digest is unsalted so equal answers hash equally across users; it is meant
// for short recovery secrets compared 1:1, not for passwords.
func HashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(normalizeAnswer(answer)))
	return hex.EncodeToString(sum[:])
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

func toPublic(qs []Question) []PublicQuestion {
	out := make([]PublicQuestion, 0, len(qs))
	for _, q := range qs {
		out = append(out, PublicQuestion{Question: q.Question, Order: q.Order})
	}
	return out
}
