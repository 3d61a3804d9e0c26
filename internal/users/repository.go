package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ijj-records/ijj-records/internal/platform/db"
	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// Repository provides PostgreSQL backed persistence for profiles. Lookups by
// email happen before any session exists, so they use the service pool.
type Repository struct {
	pool    *pgxpool.Pool
	service *pgxpool.Pool
}

// NewRepository constructs a repository. A nil service pool falls back to pool.
func NewRepository(pool, service *pgxpool.Pool) *Repository {
	if service == nil {
		service = pool
	}
	return &Repository{pool: pool, service: service}
}

const userColumns = `id, email, COALESCE(nombre, ''), COALESCE(rol, ''), activo, created_at`

// FindByEmail returns the profile with the given email, case-insensitively.
func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	row := r.service.QueryRow(ctx, `SELECT `+userColumns+` FROM profiles WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	return scanUser(row)
}

// FindByID returns the profile with the given id.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM profiles WHERE id = $1`, id)
	return scanUser(row)
}

// ListUsers returns all profiles ordered by name.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM profiles ORDER BY nombre, email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateProfile inserts the profile and mirrors its roles into user_roles in one transaction.
func (r *Repository) CreateProfile(ctx context.Context, u User, roles []string, actor *uuid.UUID) error {
	return db.WithTx(ctx, r.service, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO profiles (id, email, nombre, rol, activo) VALUES ($1, $2, $3, $4, TRUE)`, u.ID, u.Email, u.FullName, u.Role)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateEmail
			}
			return err
		}
		return replaceRoles(ctx, tx, u.ID, roles, actor)
	})
}

// CheckRoles reports unknown role names as ErrInvalidInput.
func (r *Repository) CheckRoles(ctx context.Context, roles []string) error {
	if _, err := rbac.RoleIDsByName(ctx, r.service, roles); err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			return errors.Join(ErrInvalidInput, err)
		}
		return err
	}
	return nil
}

// ReplaceRoles swaps every role of the user and updates the legacy field.
func (r *Repository) ReplaceRoles(ctx context.Context, userID uuid.UUID, roles []string, actor *uuid.UUID) error {
	return db.WithTx(ctx, r.service, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE profiles SET rol = $2 WHERE id = $1`, userID, roles[0])
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return replaceRoles(ctx, tx, userID, roles, actor)
	})
}

func replaceRoles(ctx context.Context, tx pgx.Tx, userID uuid.UUID, roles []string, actor *uuid.UUID) error {
	ids, err := rbac.RoleIDsByName(ctx, tx, roles)
	if err != nil {
		return err
	}
	return rbac.ReplaceUserRoles(ctx, tx, userID, ids, actor)
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("users: read profile: %w: %w", shared.ErrStoreUnavailable, err)
	}
	return u, nil
}
