package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/auth"
	"github.com/ijj-records/ijj-records/internal/gate"
	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/observability"
	"github.com/ijj-records/ijj-records/internal/questions"
	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/recovery"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/users"
)

type noAssurance struct{}

func (noAssurance) Levels(ctx context.Context, accessToken string) (identity.AssuranceLevels, error) {
	return identity.AssuranceLevels{Current: identity.LevelAAL1}, nil
}

type noQuestions struct{}

func (noQuestions) Count(ctx context.Context, userID uuid.UUID) (int, error) { return 1, nil }

type noPermissions struct{}

func (noPermissions) Resolve(ctx context.Context, userID uuid.UUID) (rbac.PermissionSet, error) {
	return rbac.PermissionSet{UserID: userID}, nil
}

type rejectAll struct{}

func (rejectAll) Authenticate(ctx context.Context, accessToken, refreshToken string) (identity.Identity, error) {
	return identity.Identity{}, identity.ErrInvalidToken
}

func (rejectAll) SignOut(ctx context.Context, accessToken, scope string) error { return nil }

func newTestRouter(t *testing.T, checks map[string]HealthCheck) (http.Handler, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	sessions := shared.NewSessionManager(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ijj_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf")
	logger := slog.New(slog.DiscardHandler)
	paths := gate.DefaultPaths()
	metrics := observability.NewMetrics()
	rbacMW := rbac.Middleware{Resolver: noPermissions{}, Logger: logger}

	gateMW := &gate.Middleware{
		Gate:          gate.New(paths, noAssurance{}, noQuestions{}, noPermissions{}, logger, time.Second),
		Authenticator: rejectAll{},
		SignOut:       rejectAll{},
		Sessions:      sessions,
		Observer:      metrics,
		Logger:        logger,
	}
	router := NewRouter(RouterParams{
		Logger:          logger,
		Config:          &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, AppRateLimit: 1000},
		SessionManager:  sessions,
		CSRFManager:     csrf,
		Gate:            gateMW,
		Paths:           paths,
		AuthHandler:     auth.NewHandler(logger, nil, nil, sessions, csrf, auth.Paths{Login: paths.Login, Landing: paths.Landing, MFA: paths.MFA, Reset: "/reset-password"}),
		QuestionHandler: questions.NewHandler(logger, nil, nil, csrf, nil, paths.Landing),
		RecoveryHandler: recovery.NewHandler(logger, nil, nil, csrf, paths.Login, paths.Landing, 5),
		RBACHandler:     rbac.NewHandler(logger, nil, rbacMW, paths.AdminModule),
		UsersHandler:    users.NewHandler(logger, nil, rbacMW, paths.AdminModule),
		RBACMiddleware:  rbacMW,
		Dashboard:       &Dashboard{Logger: logger, CSRF: csrf, Permissions: noPermissions{}},
		Metrics:         metrics,
		HealthChecks:    checks,
	})
	return router, metrics
}

func TestRouterGateRedirectsAnonymousDashboard(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard/admin/api/roles", nil))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login?next=%2Fdashboard%2Fadmin%2Fapi%2Froles", rr.Header().Get("Location"))
	assert.NotEmpty(t, rr.Header().Get("Set-Cookie"), "the session is committed on redirects")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login", rr.Header().Get("Location"))
}

func TestRouterHealthz(t *testing.T) {
	router, _ := newTestRouter(t, map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"postgres":"ok"`)

	router, _ = newTestRouter(t, map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return errors.New("dial tcp") },
	})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"redis":"unavailable"`)
}

func TestRouterStaticAndSecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/static/css/app.css", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestRouterRejectsPostWithoutCSRF(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	form := url.Values{"email": {"ana@ijj.test"}, "password": {"x"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouterCountsGateDecisions(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `ijj_gate_decisions_total{decision="redirect",rule="anonymous-protected"} 1`)
}
