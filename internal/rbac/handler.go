package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ijj-records/ijj-records/internal/platform/httpx"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// Handler exposes the role administration JSON API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rbac        Middleware
	moduleRoute string
}

// NewHandler builds a Handler. moduleRoute is the route of the admin module
// whose CRUD flags guard each endpoint.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware, moduleRoute string) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, moduleRoute: moduleRoute}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireModule(h.moduleRoute, ActionView))
		r.Get("/roles", h.listRoles)
		r.Get("/modules", h.listModules)
		r.Get("/roles/{id}/permissions", h.rolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireModule(h.moduleRoute, ActionCreate))
		r.Post("/roles", h.createRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireModule(h.moduleRoute, ActionEdit))
		r.Put("/roles/{id}", h.updateRole)
		r.Post("/roles/{id}/activate", h.setActive(true))
		r.Post("/roles/{id}/deactivate", h.setActive(false))
		r.Put("/roles/{id}/permissions", h.setRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireModule(h.moduleRoute, ActionDelete))
		r.Delete("/roles/{id}", h.deleteRole)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.service.ListModules(r.Context())
	if err != nil {
		h.fail(w, "list modules", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": modules})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in RoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var in RoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.roleID(w, r)
		if !ok {
			return
		}
		if err := h.service.SetRoleActive(r.Context(), id, active); err != nil {
			h.fail(w, "set role active", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var body struct {
		Permissions []PermissionInput `json:"permissions"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), principal.UserID, id, body.Permissions); err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid role id")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateRole), errors.Is(err, ErrRoleInUse), errors.Is(err, ErrReservedRole):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("rbac "+op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
