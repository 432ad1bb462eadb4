package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/models"
	"github.com/ignatzorin/escrow-engine/internal/repository/common"
)

const uniqueViolation = "23505"

// DisputeRepositoryAdapter читает споры. Запись идёт только через OrderRepositoryAdapter.Commit.
type DisputeRepositoryAdapter struct {
	db *sqlx.DB
}

var _ repository.DisputeRepository = (*DisputeRepositoryAdapter)(nil)

func NewDisputeRepositoryAdapter(db *sqlx.DB) *DisputeRepositoryAdapter {
	return &DisputeRepositoryAdapter{db: db}
}

func (r *DisputeRepositoryAdapter) FindByID(ctx context.Context, id uuid.UUID) (*entity.Dispute, error) {
	m, err := common.GetByID[models.Dispute](ctx, r.db, "disputes", id, repository.ErrDisputeNotFound)
	if err != nil {
		return nil, err
	}
	return disputeFromModel(m)
}

func (r *DisputeRepositoryAdapter) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.Dispute, error) {
	var rows []models.Dispute
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM disputes WHERE order_id = $1 ORDER BY opened_at`, orderID); err != nil {
		return nil, fmt.Errorf("dispute repository: list %w", err)
	}
	out := make([]*entity.Dispute, 0, len(rows))
	for i := range rows {
		d, err := disputeFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// upsertDispute вставляет новый спор или обновляет изменяемые поля существующего.
func upsertDispute(ctx context.Context, tx *sqlx.Tx, d *entity.Dispute) error {
	evidence, err := payloadsToJSON(d.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, opened_by, opener_role, reason, description, evidence, status, outcome,
			split_amount, resolved_by, resolution_note, opened_at, updated_at, resolved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			split_amount = EXCLUDED.split_amount,
			resolved_by = EXCLUDED.resolved_by,
			resolution_note = EXCLUDED.resolution_note,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at
	`, d.ID, d.OrderID, d.OpenedBy, string(d.OpenerRole), string(d.Reason), d.Description, string(evidence),
		string(d.Status), outcomeArg(d.Outcome), splitArg(d.SplitAmount), d.ResolvedBy, d.ResolutionNote,
		d.OpenedAt, d.UpdatedAt, d.ResolvedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Второй открытый спор по заказу.
			return repository.ErrVersionConflict
		}
		return fmt.Errorf("dispute repository: upsert %w", err)
	}
	return nil
}
