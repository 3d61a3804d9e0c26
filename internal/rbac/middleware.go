package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/platform/httpx"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// PermissionReader resolves a user's effective permissions.
type PermissionReader interface {
	Resolve(ctx context.Context, userID uuid.UUID) (PermissionSet, error)
}

// Middleware wires module-level CRUD checks for HTTP handlers mounted behind
// the access gate.
type Middleware struct {
	Resolver PermissionReader
	Logger   *slog.Logger
}

// RequireModule ensures the current user holds action on the module at route.
// Admins always pass.
func (m Middleware) RequireModule(route string, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			set, err := m.Resolver.Resolve(r.Context(), principal.UserID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac require module",
						slog.String("route", route),
						slog.String("action", string(action)),
						slog.Any("error", err))
				}
				if errors.Is(err, shared.ErrStoreUnavailable) {
					httpx.RespondError(w, err)
					return
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !set.Can(route, action) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", shared.Localize(r, shared.MsgForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
