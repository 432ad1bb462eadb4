package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/models"
	"github.com/ignatzorin/escrow-engine/internal/repository/common"
)

// OperationRepositoryAdapter таблица escrow_operations, по строке на ключ идемпотентности.
type OperationRepositoryAdapter struct {
	db *sqlx.DB
}

var _ repository.EscrowOperationRepository = (*OperationRepositoryAdapter)(nil)

func NewOperationRepositoryAdapter(db *sqlx.DB) *OperationRepositoryAdapter {
	return &OperationRepositoryAdapter{db: db}
}

func (r *OperationRepositoryAdapter) Begin(ctx context.Context, op *entity.EscrowOperation) (*entity.EscrowOperation, bool, error) {
	var m models.EscrowOperation
	err := r.db.GetContext(ctx, &m, `
		INSERT INTO escrow_operations (
			idempotency_key, order_id, milestone_id, kind, transition, amount, fee, currency,
			payer_id, payee_id, hold_ref, processor_ref, status, retryable, attempts, last_error,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING *
	`, op.IdempotencyKey, op.OrderID, op.MilestoneID, string(op.Kind), op.Transition, op.Amount, op.Fee,
		op.Currency, op.PayerID, op.PayeeID, op.HoldRef, op.ProcessorRef, string(op.Status), op.Retryable,
		op.Attempts, op.LastError, op.CreatedAt, op.UpdatedAt)
	if err == nil {
		return operationFromModel(&m), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("operation repository: begin %w", err)
	}

	existing, err := r.FindByKey(ctx, op.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *OperationRepositoryAdapter) FindByKey(ctx context.Context, key string) (*entity.EscrowOperation, error) {
	m, err := common.GetByField[models.EscrowOperation](ctx, r.db, "escrow_operations", "idempotency_key", key, repository.ErrOperationNotFound)
	if err != nil {
		return nil, err
	}
	return operationFromModel(m), nil
}

func (r *OperationRepositoryAdapter) Reopen(ctx context.Context, key string, now time.Time) error {
	return r.exec(ctx, `
		UPDATE escrow_operations SET status = $2, retryable = FALSE, updated_at = $3 WHERE idempotency_key = $1
	`, key, string(valueobject.OperationPending), now)
}

func (r *OperationRepositoryAdapter) RecordAttempt(ctx context.Context, key string, lastErr string, now time.Time) error {
	return r.exec(ctx, `
		UPDATE escrow_operations
		SET attempts = attempts + 1, last_error = COALESCE(NULLIF($2, ''), last_error), updated_at = $3
		WHERE idempotency_key = $1
	`, key, lastErr, now)
}

func (r *OperationRepositoryAdapter) MarkSucceeded(ctx context.Context, key, processorRef string, now time.Time) error {
	return r.exec(ctx, `
		UPDATE escrow_operations
		SET status = $2, processor_ref = $3, retryable = FALSE, updated_at = $4
		WHERE idempotency_key = $1
	`, key, string(valueobject.OperationSucceeded), processorRef, now)
}

func (r *OperationRepositoryAdapter) MarkFailed(ctx context.Context, key, lastErr string, retryable bool, now time.Time) error {
	return r.exec(ctx, `
		UPDATE escrow_operations
		SET status = $2, last_error = $3, retryable = $4, updated_at = $5
		WHERE idempotency_key = $1
	`, key, string(valueobject.OperationFailed), lastErr, retryable, now)
}

func (r *OperationRepositoryAdapter) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*entity.EscrowOperation, error) {
	var rows []models.EscrowOperation
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM escrow_operations
		WHERE status = 'pending' AND updated_at <= $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("operation repository: list pending %w", err)
	}
	out := make([]*entity.EscrowOperation, len(rows))
	for i := range rows {
		out[i] = operationFromModel(&rows[i])
	}
	return out, nil
}

func (r *OperationRepositoryAdapter) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM escrow_operations WHERE status = 'pending'`); err != nil {
		return 0, fmt.Errorf("operation repository: count pending %w", err)
	}
	return n, nil
}

func (r *OperationRepositoryAdapter) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("operation repository: update %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("operation repository: rows affected %w", err)
	}
	if n == 0 {
		return repository.ErrOperationNotFound
	}
	return nil
}
