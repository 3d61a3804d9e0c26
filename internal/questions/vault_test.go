package questions

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/users"
)

type memoryRepo struct {
	rows      map[uuid.UUID][]Question
	replaceN  int
	failWrite error
	failRead  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[uuid.UUID][]Question)}
}

func (m *memoryRepo) ReplaceAll(ctx context.Context, userID uuid.UUID, qs []Question) error {
	if m.failWrite != nil {
		return m.failWrite
	}
	m.replaceN++
	m.rows[userID] = append([]Question(nil), qs...)
	return nil
}

func (m *memoryRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]Question, error) {
	if m.failRead != nil {
		return nil, m.failRead
	}
	out := append([]Question(nil), m.rows[userID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memoryRepo) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	if m.failRead != nil {
		return 0, m.failRead
	}
	return len(m.rows[userID]), nil
}

type emailDirectory map[string]uuid.UUID

func (d emailDirectory) IDByEmail(ctx context.Context, email string) (uuid.UUID, error) {
	id, ok := d[email]
	if !ok {
		return uuid.Nil, users.ErrNotFound
	}
	return id, nil
}

func threeQuestions() []QuestionInput {
	return []QuestionInput{
		{Question: "¿Nombre de tu primera mascota?", Answer: "Firulais"},
		{Question: "¿Ciudad donde naciste?", Answer: "  Bogotá "},
		{Question: "¿Comida favorita?", Answer: "Ajiaco"},
	}
}

func TestConfigureStoresHashesOnly(t *testing.T) {
	repo := newMemoryRepo()
	vault := NewVault(repo, emailDirectory{})
	userID := uuid.New()

	texts, err := vault.Configure(context.Background(), userID, threeQuestions())
	require.NoError(t, err)
	assert.Equal(t, []string{"¿Nombre de tu primera mascota?", "¿Ciudad donde naciste?", "¿Comida favorita?"}, texts)

	stored := repo.rows[userID]
	require.Len(t, stored, 3)
	for i, q := range stored {
		assert.Equal(t, i+1, q.Order)
		assert.Len(t, q.AnswerHash, 64)
		assert.NotContains(t, q.AnswerHash, "Firulais")
	}
	assert.Equal(t, HashAnswer("bogotá"), stored[1].AnswerHash)
}

func TestConfigureIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	vault := NewVault(repo, emailDirectory{})
	userID := uuid.New()
	input := threeQuestions()[:2]

	_, err := vault.Configure(context.Background(), userID, input)
	require.NoError(t, err)
	_, err = vault.Configure(context.Background(), userID, input)
	require.NoError(t, err)

	assert.Len(t, repo.rows[userID], 2)
	n, err := vault.Count(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConfigureValidation(t *testing.T) {
	cases := []struct {
		name   string
		inputs []QuestionInput
	}{
		{name: "none"},
		{name: "too many", inputs: append(threeQuestions(), QuestionInput{Question: "¿Color?", Answer: "azul"})},
		{name: "short answer", inputs: []QuestionInput{{Question: "¿Color?", Answer: " ab  "}}},
		{name: "blank question", inputs: []QuestionInput{{Question: "  ", Answer: "azul"}}},
		{name: "repeated question", inputs: []QuestionInput{{Question: "¿Color?", Answer: "azul"}, {Question: "¿color?", Answer: "rojo"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryRepo()
			vault := NewVault(repo, emailDirectory{})
			_, err := vault.Configure(context.Background(), uuid.New(), tc.inputs)
			assert.ErrorIs(t, err, ErrInvalidQuestions)
			assert.Zero(t, repo.replaceN)
		})
	}
}

func TestConfigureFailureLeavesPreviousSet(t *testing.T) {
	repo := newMemoryRepo()
	vault := NewVault(repo, emailDirectory{})
	userID := uuid.New()
	_, err := vault.Configure(context.Background(), userID, threeQuestions())
	require.NoError(t, err)

	repo.failWrite = errors.New("tx aborted")
	_, err = vault.Configure(context.Background(), userID, threeQuestions()[:1])
	require.Error(t, err)
	assert.Len(t, repo.rows[userID], 3)
}

func TestListQuestionsByEmailDoesNotEnumerate(t *testing.T) {
	repo := newMemoryRepo()
	configured, bare := uuid.New(), uuid.New()
	dir := emailDirectory{"con@ijj.test": configured, "sin@ijj.test": bare}
	vault := NewVault(repo, dir)
	_, err := vault.Configure(context.Background(), configured, threeQuestions()[:1])
	require.NoError(t, err)

	unknown, err := vault.ListQuestionsByEmail(context.Background(), "nadie@ijj.test")
	require.NoError(t, err)
	empty, err := vault.ListQuestionsByEmail(context.Background(), "sin@ijj.test")
	require.NoError(t, err)
	assert.Equal(t, unknown, empty)
	assert.Empty(t, unknown)

	listed, err := vault.ListQuestionsByEmail(context.Background(), "con@ijj.test")
	require.NoError(t, err)
	assert.Equal(t, []PublicQuestion{{Question: "¿Nombre de tu primera mascota?", Order: 1}}, listed)
}

func TestVerify(t *testing.T) {
	repo := newMemoryRepo()
	userID := uuid.New()
	vault := NewVault(repo, emailDirectory{"ana@ijj.test": userID})
	_, err := vault.Configure(context.Background(), userID, threeQuestions())
	require.NoError(t, err)

	cases := []struct {
		name    string
		subject Subject
		answers []string
		wantErr error
	}{
		{name: "exact match by id", subject: Subject{UserID: userID}, answers: []string{"Firulais", "Bogotá", "Ajiaco"}},
		{name: "normalized match by email", subject: Subject{Email: "ana@ijj.test"}, answers: []string{" FIRULAIS", "bogotá ", "ajiaco"}},
		{name: "two of three", subject: Subject{UserID: userID}, answers: []string{"Firulais", "Bogotá", "Sancocho"}, wantErr: ErrAnswersIncorrect},
		{name: "first wrong", subject: Subject{UserID: userID}, answers: []string{"Rex", "Bogotá", "Ajiaco"}, wantErr: ErrAnswersIncorrect},
		{name: "wrong order", subject: Subject{UserID: userID}, answers: []string{"Bogotá", "Firulais", "Ajiaco"}, wantErr: ErrAnswersIncorrect},
		{name: "too few answers", subject: Subject{UserID: userID}, answers: []string{"Firulais", "Bogotá"}, wantErr: ErrAnswerCountMismatch},
		{name: "unknown email", subject: Subject{Email: "x@ijj.test"}, answers: []string{"a", "b", "c"}, wantErr: ErrQuestionsNotConfigured},
		{name: "no questions", subject: Subject{UserID: uuid.New()}, answers: []string{"a"}, wantErr: ErrQuestionsNotConfigured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := vault.Verify(context.Background(), tc.subject, tc.answers)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, uuid.Nil, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, userID, id)
		})
	}
}

func TestVerifyPropagatesStoreFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.failRead = unavailable("list", errors.New("connection reset"))
	vault := NewVault(repo, emailDirectory{})

	_, err := vault.Verify(context.Background(), Subject{UserID: uuid.New()}, []string{"abc"})
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
}

func TestHashAnswerNormalizes(t *testing.T) {
	assert.Equal(t, HashAnswer("Ajiaco"), HashAnswer("  aJIACO\t"))
	assert.NotEqual(t, HashAnswer("ajiaco"), HashAnswer("ajiacos"))
}
