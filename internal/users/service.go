package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id uuid.UUID) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateProfile(ctx context.Context, u User, roles []string, actor *uuid.UUID) error
	ReplaceRoles(ctx context.Context, userID uuid.UUID, roles []string, actor *uuid.UUID) error
	CheckRoles(ctx context.Context, roles []string) error
}

// AccountProvisioner creates and removes credentials at the identity provider.
type AccountProvisioner interface {
	CreateUser(ctx context.Context, email, password string) (uuid.UUID, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

// PasswordPolicy validates new passwords.
type PasswordPolicy interface {
	Check(password string) error
}

// PermissionInvalidator drops cached permission sets.
type PermissionInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// Service handles user business logic.
type Service struct {
	repo        RepositoryPort
	accounts    AccountProvisioner
	policy      PasswordPolicy
	invalidator PermissionInvalidator
	audit       shared.AuditRecorder
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, accounts AccountProvisioner, policy PasswordPolicy, invalidator PermissionInvalidator, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		accounts:    accounts,
		policy:      policy,
		invalidator: invalidator,
		audit:       audit,
		logger:      logger,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// IDByEmail resolves an email to a user id. Unknown emails return ErrNotFound.
func (s *Service) IDByEmail(ctx context.Context, email string) (uuid.UUID, error) {
	u, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return uuid.Nil, err
	}
	return u.ID, nil
}

// CreateUser provisions the provider account and the profile with its roles.
func (s *Service) CreateUser(ctx context.Context, actor uuid.UUID, in CreateInput) (User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	in.Roles = normalizeRoles(in.Roles)
	if err := s.validate.Struct(in); err != nil {
		return User{}, errors.Join(ErrInvalidInput, err)
	}
	if s.policy != nil {
		if err := s.policy.Check(in.Password); err != nil {
			return User{}, errors.Join(ErrInvalidInput, err)
		}
	}
	if _, err := s.repo.FindByEmail(ctx, in.Email); err == nil {
		return User{}, ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	// Unknown roles must fail before the provider account exists.
	if err := s.repo.CheckRoles(ctx, in.Roles); err != nil {
		return User{}, err
	}

	id, err := s.accounts.CreateUser(ctx, in.Email, in.Password)
	if err != nil {
		return User{}, err
	}
	u := User{ID: id, Email: in.Email, FullName: in.FullName, Role: in.Roles[0], Active: true, CreatedAt: s.now().UTC()}
	if err := s.repo.CreateProfile(ctx, u, in.Roles, &actor); err != nil {
		return User{}, s.rollbackAccount(ctx, id, err)
	}
	s.record(ctx, actor, u.ID, in.Roles)
	return u, nil
}

// ChangeRoles replaces every role assignment of the user.
func (s *Service) ChangeRoles(ctx context.Context, actor, userID uuid.UUID, in RolesInput) error {
	in.Roles = normalizeRoles(in.Roles)
	if err := s.validate.Struct(in); err != nil {
		return errors.Join(ErrInvalidInput, err)
	}
	if err := s.repo.ReplaceRoles(ctx, userID, in.Roles, &actor); err != nil {
		return err
	}
	if s.invalidator != nil {
		// Other users' caches still expire on their own schedule.
		if err := s.invalidator.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("invalidate permissions", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
	}
	s.record(ctx, actor, userID, in.Roles)
	return nil
}

// rollbackAccount removes the provider account whose profile could not be
// stored. If that fails too, the returned error names the orphaned id.
func (s *Service) rollbackAccount(ctx context.Context, id uuid.UUID, cause error) error {
	if err := s.accounts.DeleteUser(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("orphaned provider account", slog.String("user_id", id.String()), slog.Any("error", err))
		return fmt.Errorf("users: create profile: %w (provider account %s left without profile: %w)", cause, id, err)
	}
	return fmt.Errorf("users: create profile: %w", cause)
}

func (s *Service) record(ctx context.Context, actor, userID uuid.UUID, roles []string) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  &actor,
		Action:   shared.AuditRolesReplaced,
		Entity:   "user",
		EntityID: userID.String(),
		Meta:     map[string]any{"roles": roles},
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit user roles", slog.String("user_id", userID.String()), slog.Any("error", err))
	}
}

func normalizeRoles(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
