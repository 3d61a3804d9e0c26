package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ijj-records/ijj-records/internal/platform/db"
	"github.com/ijj-records/ijj-records/internal/shared"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicateRole indicates a role name collision.
	ErrDuplicateRole = errors.New("rbac: role name already exists")
	// ErrRoleInUse prevents deleting a role that is still assigned.
	ErrRoleInUse = errors.New("rbac: role is still assigned")
	// ErrReservedRole prevents renaming or disabling the admin role.
	ErrReservedRole = errors.New("rbac: admin role is reserved")
)

const pgUniqueViolation = "23505"

// Store is the read side used by the resolver.
type Store interface {
	ActiveRolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error)
	PermissionsForRoles(ctx context.Context, roleIDs []int64) ([]RoleModulePermission, error)
	ListModules(ctx context.Context) ([]Module, error)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store and the administrative operations on PostgreSQL.
// Reads go through pool; writes go through service, the connection whose
// database role bypasses row-level security.
type PGStore struct {
	pool    *pgxpool.Pool
	service *pgxpool.Pool
}

// NewPGStore constructs a PGStore. A nil service pool falls back to pool.
func NewPGStore(pool, service *pgxpool.Pool) *PGStore {
	if service == nil {
		service = pool
	}
	return &PGStore{pool: pool, service: service}
}

// ActiveRolesForUser returns the active roles assigned to the user.
func (s *PGStore) ActiveRolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT r.id, r.nombre, COALESCE(r.descripcion, ''), r.activo, r.created_at, r.updated_at
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = $1 AND r.activo
ORDER BY r.id`, userID)
	if err != nil {
		return nil, unavailable("user roles", err)
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, unavailable("user roles", err)
	}
	return roles, nil
}

// PermissionsForRoles returns every permission row whose role is in roleIDs.
func (s *PGStore) PermissionsForRoles(ctx context.Context, roleIDs []int64) ([]RoleModulePermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT role_id, modulo_id, puede_ver, puede_crear, puede_editar, puede_eliminar
FROM role_module_permissions
WHERE role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, unavailable("role permissions", err)
	}
	perms, err := scanPermissions(rows)
	if err != nil {
		return nil, unavailable("role permissions", err)
	}
	return perms, nil
}

// ListModules returns the module catalog ordered for menus.
func (s *PGStore) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, nombre, ruta, orden FROM modulos ORDER BY orden, id`)
	if err != nil {
		return nil, unavailable("modules", err)
	}
	defer rows.Close()
	var modules []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.ID, &m.Name, &m.Route, &m.Order); err != nil {
			return nil, unavailable("modules", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("modules", err)
	}
	return modules, nil
}

// ListRoles returns all roles ordered by name.
func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, nombre, COALESCE(descripcion, ''), activo, created_at, updated_at FROM roles ORDER BY nombre`)
	if err != nil {
		return nil, err
	}
	return scanRoles(rows)
}

// GetRole fetches a role by ID.
func (s *PGStore) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `SELECT id, nombre, COALESCE(descripcion, ''), activo, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new active role.
func (s *PGStore) CreateRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := s.service.QueryRow(ctx, `INSERT INTO roles (nombre, descripcion, activo) VALUES ($1, NULLIF($2, ''), TRUE)
RETURNING id, nombre, COALESCE(descripcion, ''), activo, created_at, updated_at`, name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapWriteError(err)
	}
	return role, nil
}

// UpdateRole renames or re-describes a role.
func (s *PGStore) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	var role Role
	err := s.service.QueryRow(ctx, `UPDATE roles SET nombre = $2, descripcion = NULLIF($3, ''), updated_at = NOW() WHERE id = $1
RETURNING id, nombre, COALESCE(descripcion, ''), activo, created_at, updated_at`, id, name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapWriteError(err)
	}
	return role, nil
}

// SetRoleActive soft-enables or soft-disables a role.
func (s *PGStore) SetRoleActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.service.Exec(ctx, `UPDATE roles SET activo = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes an unreferenced role.
func (s *PGStore) DeleteRole(ctx context.Context, id int64) error {
	return db.WithTx(ctx, s.service, func(tx pgx.Tx) error {
		var assigned int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, id).Scan(&assigned); err != nil {
			return err
		}
		if assigned > 0 {
			return ErrRoleInUse
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_module_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RolePermissions lists the explicit rows of one role.
func (s *PGStore) RolePermissions(ctx context.Context, roleID int64) ([]RoleModulePermission, error) {
	rows, err := s.pool.Query(ctx, `SELECT role_id, modulo_id, puede_ver, puede_crear, puede_editar, puede_eliminar
FROM role_module_permissions WHERE role_id = $1 ORDER BY modulo_id`, roleID)
	if err != nil {
		return nil, err
	}
	return scanPermissions(rows)
}

// ReplaceRolePermissions swaps every permission row of a role in one transaction.
func (s *PGStore) ReplaceRolePermissions(ctx context.Context, roleID int64, perms []RoleModulePermission) error {
	return db.WithTx(ctx, s.service, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_module_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, p := range perms {
			if !(p.CanView || p.CanCreate || p.CanEdit || p.CanDelete) {
				continue
			}
			if _, err := tx.Exec(ctx, `INSERT INTO role_module_permissions (role_id, modulo_id, puede_ver, puede_crear, puede_editar, puede_eliminar)
VALUES ($1, $2, $3, $4, $5, $6)`, roleID, p.ModuleID, p.CanView, p.CanCreate, p.CanEdit, p.CanDelete); err != nil {
				return mapWriteError(err)
			}
		}
		return nil
	})
}

// RoleIDsByName resolves role names to ids; unknown names are reported as ErrNotFound.
func RoleIDsByName(ctx context.Context, q Querier, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `SELECT id, nombre FROM roles WHERE nombre = ANY($1)`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[string]int64, len(names))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		found[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, ok := found[name]
		if !ok {
			return nil, fmt.Errorf("%w: role %q", ErrNotFound, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReplaceUserRoles deletes every assignment of the user and inserts roleIDs.
// It must run inside the caller's transaction.
func ReplaceUserRoles(ctx context.Context, q Querier, userID uuid.UUID, roleIDs []int64, assignedBy *uuid.UUID) error {
	if _, err := q.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	seen := make(map[int64]struct{}, len(roleIDs))
	for _, roleID := range roleIDs {
		if _, dup := seen[roleID]; dup {
			continue
		}
		seen[roleID] = struct{}{}
		if _, err := q.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at) VALUES ($1, $2, $3, $4)`, userID, roleID, assignedBy, now); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func scanRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func scanPermissions(rows pgx.Rows) ([]RoleModulePermission, error) {
	defer rows.Close()
	var perms []RoleModulePermission
	for rows.Next() {
		var p RoleModulePermission
		if err := rows.Scan(&p.RoleID, &p.ModuleID, &p.CanView, &p.CanCreate, &p.CanEdit, &p.CanDelete); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func mapWriteError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateRole
	}
	return err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("rbac: %s: %w: %w", op, shared.ErrStoreUnavailable, err)
}

var _ Store = (*PGStore)(nil)
