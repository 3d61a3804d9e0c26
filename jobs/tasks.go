package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ijj-records/ijj-records/internal/jobs"
	"github.com/ijj-records/ijj-records/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditRecord persists one audit event.
	TaskTypeAuditRecord = "audit:record"
	// AuditMaxRetry bounds redelivery of an audit event while the store is down.
	AuditMaxRetry = 10
)

// AuditStore persists audit events.
type AuditStore interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NewAuditTask constructs an Asynq task carrying log.
func NewAuditTask(log shared.AuditLog) (*asynq.Task, error) {
	if err := log.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditRecord, data, asynq.MaxRetry(AuditMaxRetry), asynq.Queue(QueueDefault)), nil
}

// NewAuditHandler processes TaskTypeAuditRecord tasks. Undecodable payloads
// are dropped; store failures are retried by asynq.
func NewAuditHandler(store AuditStore, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var log shared.AuditLog
		if err := json.Unmarshal(t.Payload(), &log); err != nil {
			metrics.Drop(TaskTypeAuditRecord, "payload")
			logger.Error("audit task payload", slog.Any("error", err))
			return fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := log.Validate(); err != nil {
			metrics.Drop(TaskTypeAuditRecord, "invalid")
			logger.Error("audit task invalid", slog.String("action", log.Action), slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		tracker := metrics.Track(TaskTypeAuditRecord)
		return tracker.End(store.Record(ctx, log))
	}
}
