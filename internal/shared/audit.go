package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions emitted by the authentication surface.
const (
	AuditLoginSucceeded    = "auth.login.succeeded"
	AuditLoginFailed       = "auth.login.failed"
	AuditLogout            = "auth.logout"
	AuditMFAVerified       = "auth.mfa.verified"
	AuditQuestionsSet      = "auth.questions.configured"
	AuditRecoverySucceeded = "auth.recovery.succeeded"
	AuditRecoveryFailed    = "auth.recovery.failed"
	AuditRolesReplaced     = "rbac.user_roles.replaced"
	AuditPermissionsSet    = "rbac.role_permissions.replaced"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  *uuid.UUID     `json:"actor_id,omitempty"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// AuditRecorder accepts audit events. The web process enqueues them, the
// worker persists them.
type AuditRecorder interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// Validate checks the mandatory audit fields.
func (log AuditLog) Validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// NopAuditRecorder drops every event.
type NopAuditRecorder struct{}

// Record implements AuditRecorder.
func (NopAuditRecorder) Record(context.Context, AuditLog) error { return nil }
