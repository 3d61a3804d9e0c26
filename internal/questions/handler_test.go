package questions

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/view"
)

type auditSink struct {
	actions []string
}

func (a *auditSink) Record(ctx context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

func newSetupRouter(t *testing.T, repo *memoryRepo, audit shared.AuditRecorder) http.Handler {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	h := NewHandler(slog.New(slog.DiscardHandler), NewVault(repo, emailDirectory{}), templates, shared.NewCSRFManager("secret"), audit, "/dashboard")
	r := chi.NewRouter()
	r.Route("/dashboard/security-questions/setup", h.MountRoutes)
	return r
}

func withPrincipal(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(shared.ContextWithPrincipal(req.Context(), &shared.Principal{UserID: userID}))
}

func postSetup(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/dashboard/security-questions/setup", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestSetupPageRequiresPrincipal(t *testing.T) {
	router := newSetupRouter(t, newMemoryRepo(), nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard/security-questions/setup", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSetupPageRendersSlots(t *testing.T) {
	router := newSetupRouter(t, newMemoryRepo(), nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/dashboard/security-questions/setup", nil), uuid.New()))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `name="question_3"`)
}

func TestSetupSaveSkipsEmptySlotsAndRedirects(t *testing.T) {
	repo := newMemoryRepo()
	audit := &auditSink{}
	router := newSetupRouter(t, repo, audit)
	userID := uuid.New()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(postSetup(url.Values{
		"question_1": {"¿Ciudad donde naciste?"},
		"answer_1":   {"Bogotá"},
		"question_2": {""},
		"answer_2":   {""},
	}), userID))

	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/dashboard", rr.Header().Get("Location"))
	require.Len(t, repo.rows[userID], 1)
	assert.Equal(t, HashAnswer("bogotá"), repo.rows[userID][0].AnswerHash)
	assert.Equal(t, []string{shared.AuditQuestionsSet}, audit.actions)
}

func TestSetupSaveInvalidDoesNotEchoAnswers(t *testing.T) {
	repo := newMemoryRepo()
	router := newSetupRouter(t, repo, nil)
	userID := uuid.New()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(postSetup(url.Values{
		"question_1": {"¿Comida favorita?"},
		"answer_1":   {"no"},
	}), userID))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "¿Comida favorita?")
	assert.NotContains(t, rr.Body.String(), `value="no"`)
	assert.Empty(t, repo.rows[userID])
}

func TestSetupSaveStoreFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.failWrite = shared.ErrStoreUnavailable
	router := newSetupRouter(t, repo, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(postSetup(url.Values{
		"question_1": {"¿Comida favorita?"},
		"answer_1":   {"Ajiaco"},
	}), uuid.New()))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestListCurrentReturnsQuestionTextsOnly(t *testing.T) {
	repo := newMemoryRepo()
	router := newSetupRouter(t, repo, nil)
	userID := uuid.New()
	_, err := NewVault(repo, emailDirectory{}).Configure(context.Background(), userID, threeQuestions())
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withPrincipal(httptest.NewRequest(http.MethodGet, "/dashboard/security-questions/setup/current", nil), userID))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Ciudad donde naciste")
	assert.NotContains(t, rr.Body.String(), "answer")
	assert.NotContains(t, rr.Body.String(), HashAnswer("Firulais"))
}
