package questions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ijj-records/ijj-records/internal/platform/db"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// Repository is the persistence port of the vault.
type Repository interface {
	ReplaceAll(ctx context.Context, userID uuid.UUID, qs []Question) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Question, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ReplaceAll deletes every question of the user and inserts qs in one transaction.
func (r *PGRepository) ReplaceAll(ctx context.Context, userID uuid.UUID, qs []Question) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM security_questions WHERE user_id = $1`, userID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, q := range qs {
			batch.Queue(`INSERT INTO security_questions (user_id, question, answer_hash, question_order) VALUES ($1, $2, $3, $4)`,
				userID, q.Question, q.AnswerHash, q.Order)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return unavailable("replace", err)
	}
	return nil
}

// ListByUser returns the user's questions ordered by question_order.
func (r *PGRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Question, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, question, answer_hash, question_order
FROM security_questions WHERE user_id = $1 ORDER BY question_order`, userID)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.UserID, &q.Question, &q.AnswerHash, &q.Order); err != nil {
			return nil, unavailable("list", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

// CountByUser returns how many questions the user has configured.
func (r *PGRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_questions WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("questions: %s: %w: %w", op, shared.ErrStoreUnavailable, err)
}

var _ Repository = (*PGRepository)(nil)
