package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/users"
	"github.com/ijj-records/ijj-records/internal/view"
)

// RoleLister reads the role catalog for the admin page.
type RoleLister interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
}

// UserLister reads the user directory for the admin page.
type UserLister interface {
	ListUsers(ctx context.Context) ([]users.User, error)
}

// Dashboard serves the landing page and the admin index.
type Dashboard struct {
	Logger      *slog.Logger
	Templates   *view.Engine
	CSRF        *shared.CSRFManager
	Permissions rbac.PermissionReader
	Roles       RoleLister
	Users       UserLister
}

type landingData struct {
	Email   string
	Modules []rbac.EffectivePermission
}

// Landing lists the modules the signed-in user can view.
func (d *Dashboard) Landing(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	set, err := d.Permissions.Resolve(r.Context(), principal.UserID)
	if err != nil {
		d.Logger.Error("dashboard permissions", slog.String("user_id", principal.UserID.String()), slog.Any("error", err))
		d.render(w, r, http.StatusServiceUnavailable, "pages/error.html", "Servicio no disponible", shared.Localize(r, shared.MsgServiceUnavailable))
		return
	}
	d.render(w, r, http.StatusOK, "pages/dashboard.html", "Inicio", landingData{Email: principal.Email, Modules: set.Visible()})
}

type adminData struct {
	Roles []rbac.Role
	Users []users.User
}

// Admin renders the role and user overview. The gate has already checked
// can_view on the admin module.
func (d *Dashboard) Admin(w http.ResponseWriter, r *http.Request) {
	roles, err := d.Roles.ListRoles(r.Context())
	if err != nil {
		d.Logger.Error("admin list roles", slog.Any("error", err))
		d.render(w, r, http.StatusServiceUnavailable, "pages/error.html", "Servicio no disponible", shared.Localize(r, shared.MsgServiceUnavailable))
		return
	}
	list, err := d.Users.ListUsers(r.Context())
	if err != nil {
		d.Logger.Error("admin list users", slog.Any("error", err))
		d.render(w, r, http.StatusServiceUnavailable, "pages/error.html", "Servicio no disponible", shared.Localize(r, shared.MsgServiceUnavailable))
		return
	}
	d.render(w, r, http.StatusOK, "pages/admin.html", "Administración", adminData{Roles: roles, Users: list})
}

func (d *Dashboard) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	if err := d.Templates.RenderStatus(w, status, name, view.Page(r, d.CSRF, title, data)); err != nil {
		d.Logger.Error("render "+name, slog.Any("error", err))
	}
}
