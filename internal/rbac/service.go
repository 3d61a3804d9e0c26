package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/shared"
)

// ErrInvalidInput wraps validation failures of administrative input.
var ErrInvalidInput = errors.New("rbac: invalid input")

// AdminRepository is the persistence port for role administration.
type AdminRepository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	SetRoleActive(ctx context.Context, id int64, active bool) error
	DeleteRole(ctx context.Context, id int64) error
	ListModules(ctx context.Context) ([]Module, error)
	RolePermissions(ctx context.Context, roleID int64) ([]RoleModulePermission, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, perms []RoleModulePermission) error
}

// RoleInput is the payload for creating or updating a role.
type RoleInput struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

// PermissionInput is one row of a role's permission matrix.
type PermissionInput struct {
	ModuleID  int64 `json:"module_id" validate:"required,gt=0"`
	CanView   bool  `json:"can_view"`
	CanCreate bool  `json:"can_create"`
	CanEdit   bool  `json:"can_edit"`
	CanDelete bool  `json:"can_delete"`
}

// Service orchestrates RBAC administration. Changes become visible to the
// resolver once cached sets expire.
type Service struct {
	repo     AdminRepository
	audit    shared.AuditRecorder
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService constructs a Service.
func NewService(repo AdminRepository, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, validate: validator.New()}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListModules returns the module catalog.
func (s *Service) ListModules(ctx context.Context) ([]Module, error) {
	return s.repo.ListModules(ctx)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in = normalizeRoleInput(in)
	if err := s.validate.Struct(in); err != nil {
		return Role{}, errors.Join(ErrInvalidInput, err)
	}
	return s.repo.CreateRole(ctx, in.Name, in.Description)
}

// UpdateRole updates an existing role. The admin role cannot be renamed.
func (s *Service) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	in = normalizeRoleInput(in)
	if err := s.validate.Struct(in); err != nil {
		return Role{}, errors.Join(ErrInvalidInput, err)
	}
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if current.Name == AdminRole && in.Name != AdminRole {
		return Role{}, ErrReservedRole
	}
	return s.repo.UpdateRole(ctx, id, in.Name, in.Description)
}

// SetRoleActive soft-enables or soft-disables a role.
func (s *Service) SetRoleActive(ctx context.Context, id int64, active bool) error {
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if current.Name == AdminRole && !active {
		return ErrReservedRole
	}
	return s.repo.SetRoleActive(ctx, id, active)
}

// DeleteRole removes a role that nobody holds.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if current.Name == AdminRole {
		return ErrReservedRole
	}
	return s.repo.DeleteRole(ctx, id)
}

// RolePermissions returns the explicit rows of a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]RoleModulePermission, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.RolePermissions(ctx, roleID)
}

// SetRolePermissions replaces a role's permission matrix wholesale.
// Duplicate module rows are merged with OR; unknown modules are rejected.
func (s *Service) SetRolePermissions(ctx context.Context, actor uuid.UUID, roleID int64, inputs []PermissionInput) error {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	modules, err := s.repo.ListModules(ctx)
	if err != nil {
		return err
	}
	known := make(map[int64]struct{}, len(modules))
	for _, m := range modules {
		known[m.ID] = struct{}{}
	}

	merged := make(map[int64]*RoleModulePermission, len(inputs))
	order := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		if err := s.validate.Struct(in); err != nil {
			return errors.Join(ErrInvalidInput, err)
		}
		if _, ok := known[in.ModuleID]; !ok {
			return errors.Join(ErrInvalidInput, errors.New("unknown module "+strconv.FormatInt(in.ModuleID, 10)))
		}
		row, ok := merged[in.ModuleID]
		if !ok {
			row = &RoleModulePermission{RoleID: roleID, ModuleID: in.ModuleID}
			merged[in.ModuleID] = row
			order = append(order, in.ModuleID)
		}
		row.CanView = row.CanView || in.CanView
		row.CanCreate = row.CanCreate || in.CanCreate
		row.CanEdit = row.CanEdit || in.CanEdit
		row.CanDelete = row.CanDelete || in.CanDelete
	}
	rows := make([]RoleModulePermission, 0, len(order))
	for _, id := range order {
		rows = append(rows, *merged[id])
	}

	if err := s.repo.ReplaceRolePermissions(ctx, roleID, rows); err != nil {
		return err
	}
	err = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  &actor,
		Action:   shared.AuditPermissionsSet,
		Entity:   "role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     map[string]any{"modules": len(rows)},
	})
	if err != nil {
		s.logger.Warn("audit role permissions", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
	return nil
}

func normalizeRoleInput(in RoleInput) RoleInput {
	in.Name = strings.ToLower(strings.TrimSpace(in.Name))
	in.Description = strings.TrimSpace(in.Description)
	return in
}
