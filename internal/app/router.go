package app

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ijj-records/ijj-records/internal/auth"
	"github.com/ijj-records/ijj-records/internal/gate"
	"github.com/ijj-records/ijj-records/internal/observability"
	"github.com/ijj-records/ijj-records/internal/platform/httpx"
	"github.com/ijj-records/ijj-records/internal/questions"
	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/recovery"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/users"
	"github.com/ijj-records/ijj-records/jobs"
	"github.com/ijj-records/ijj-records/web"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	Gate            *gate.Middleware
	Paths           gate.Paths
	AuthHandler     *auth.Handler
	QuestionHandler *questions.Handler
	RecoveryHandler *recovery.Handler
	RBACHandler     *rbac.Handler
	UsersHandler    *users.Handler
	JobHandler      *jobs.Handler
	RBACMiddleware  rbac.Middleware
	Dashboard       *Dashboard
	Metrics         *observability.Metrics
	HealthChecks    map[string]HealthCheck
}

// NewRouter constructs the chi.Router with the application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Gate:           params.Gate,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", healthHandler(params.HealthChecks))

	paths := params.Paths
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, paths.Landing, http.StatusSeeOther)
	})

	params.AuthHandler.MountRoutes(r)
	r.Route("/reset-password", params.RecoveryHandler.MountRoutes)

	r.Get(paths.Landing, params.Dashboard.Landing)
	r.Route(paths.MFA, params.AuthHandler.MountMFARoutes)
	r.Route(paths.QuestionSetup, params.QuestionHandler.MountRoutes)

	r.Get(paths.Admin, params.Dashboard.Admin)
	r.Route(paths.Admin+"/api", func(r chi.Router) {
		params.RBACHandler.MountRoutes(r)
		params.UsersHandler.MountRoutes(r)
		if params.JobHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(params.RBACMiddleware.RequireModule(paths.AdminModule, rbac.ActionView))
				r.Route("/jobs", params.JobHandler.MountRoutes)
			})
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

// healthHandler pings every dependency with a short deadline.
func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = "unavailable"
				continue
			}
			body[name] = "ok"
		}
		httpx.JSON(w, status, body)
	}
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
