package rbac

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// AdminRole is the reserved role that bypasses every module permission check.
const AdminRole = "admin"

// Action is one of the four module-level CRUD flags.
type Action string

// Module actions.
const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Role represents a high-level permission grouping. Roles are soft-disabled
// through Active and never hard-deleted while referenced.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Module is one protectable application surface.
type Module struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Route string `json:"route"`
	Order int    `json:"order"`
}

// RoleModulePermission holds the CRUD flags granted to a role on a module.
type RoleModulePermission struct {
	RoleID    int64 `json:"role_id"`
	ModuleID  int64 `json:"module_id"`
	CanView   bool  `json:"can_view"`
	CanCreate bool  `json:"can_create"`
	CanEdit   bool  `json:"can_edit"`
	CanDelete bool  `json:"can_delete"`
}

// UserRoleAssignment links a user to a role.
type UserRoleAssignment struct {
	UserID     uuid.UUID  `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// EffectivePermission is the OR of every flag across all roles a user holds
// for one module. The zero value denies everything.
type EffectivePermission struct {
	ModuleID  int64  `json:"module_id"`
	Module    string `json:"module"`
	Route     string `json:"route"`
	Order     int    `json:"order"`
	CanView   bool   `json:"can_view"`
	CanCreate bool   `json:"can_create"`
	CanEdit   bool   `json:"can_edit"`
	CanDelete bool   `json:"can_delete"`
}

// Allows reports whether the flag for action is set.
func (p EffectivePermission) Allows(action Action) bool {
	switch action {
	case ActionView:
		return p.CanView
	case ActionCreate:
		return p.CanCreate
	case ActionEdit:
		return p.CanEdit
	case ActionDelete:
		return p.CanDelete
	default:
		return false
	}
}

// Any reports whether at least one flag is set.
func (p EffectivePermission) Any() bool {
	return p.CanView || p.CanCreate || p.CanEdit || p.CanDelete
}

// PermissionSet is the resolved access of one user.
type PermissionSet struct {
	UserID     uuid.UUID             `json:"user_id"`
	Admin      bool                  `json:"admin"`
	Modules    []EffectivePermission `json:"modules"`
	ResolvedAt time.Time             `json:"resolved_at"`
}

// For returns the effective permission for the module mounted at route.
// Modules the user cannot reach yield the zero value.
func (s PermissionSet) For(route string) EffectivePermission {
	for _, m := range s.Modules {
		if m.Route == route {
			return m
		}
	}
	return EffectivePermission{}
}

// Can reports whether the user may perform action on the module at route.
func (s PermissionSet) Can(route string, action Action) bool {
	if s.Admin {
		return true
	}
	return s.For(route).Allows(action)
}

// Visible lists the modules the user may view, in menu order.
func (s PermissionSet) Visible() []EffectivePermission {
	out := make([]EffectivePermission, 0, len(s.Modules))
	for _, m := range s.Modules {
		if s.Admin || m.CanView {
			out = append(out, m)
		}
	}
	return out
}

func (s PermissionSet) clone() PermissionSet {
	out := s
	if s.Modules != nil {
		out.Modules = make([]EffectivePermission, len(s.Modules))
		copy(out.Modules, s.Modules)
	}
	return out
}

// Aggregate ORs every permission row per module. Rows for modules missing from
// the catalog are ignored. Only modules with at least one granted flag are
// returned, ordered by (order, id).
func Aggregate(rows []RoleModulePermission, modules []Module) []EffectivePermission {
	catalog := make(map[int64]Module, len(modules))
	for _, m := range modules {
		catalog[m.ID] = m
	}
	merged := make(map[int64]*EffectivePermission)
	for _, row := range rows {
		mod, ok := catalog[row.ModuleID]
		if !ok {
			continue
		}
		eff, ok := merged[row.ModuleID]
		if !ok {
			eff = &EffectivePermission{ModuleID: mod.ID, Module: mod.Name, Route: mod.Route, Order: mod.Order}
			merged[row.ModuleID] = eff
		}
		eff.CanView = eff.CanView || row.CanView
		eff.CanCreate = eff.CanCreate || row.CanCreate
		eff.CanEdit = eff.CanEdit || row.CanEdit
		eff.CanDelete = eff.CanDelete || row.CanDelete
	}
	out := make([]EffectivePermission, 0, len(merged))
	for _, eff := range merged {
		if eff.Any() {
			out = append(out, *eff)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ModuleID < out[j].ModuleID
	})
	return out
}

// FullAccess grants every flag on every catalog module, in menu order.
func FullAccess(modules []Module) []EffectivePermission {
	out := make([]EffectivePermission, 0, len(modules))
	for _, m := range modules {
		out = append(out, EffectivePermission{
			ModuleID: m.ID, Module: m.Name, Route: m.Route, Order: m.Order,
			CanView: true, CanCreate: true, CanEdit: true, CanDelete: true,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ModuleID < out[j].ModuleID
	})
	return out
}
