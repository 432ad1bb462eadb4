package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/models"
	"github.com/ignatzorin/escrow-engine/internal/repository/common"
)

// LedgerRepositoryAdapter append-only журнал движений денег.
type LedgerRepositoryAdapter struct {
	db *sqlx.DB
}

var _ repository.LedgerRepository = (*LedgerRepositoryAdapter)(nil)

func NewLedgerRepositoryAdapter(db *sqlx.DB) *LedgerRepositoryAdapter {
	return &LedgerRepositoryAdapter{db: db}
}

func (r *LedgerRepositoryAdapter) Append(ctx context.Context, entries ...*entity.LedgerEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	var inserted int
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		n, err := appendEntries(ctx, tx, entries)
		inserted = n
		return err
	})
	return inserted, err
}

// appendEntries нумерует записи заказа под advisory-блокировкой транзакции.
// Повтор завершённой записи с тем же ключом идемпотентности молча пропускается.
func appendEntries(ctx context.Context, tx *sqlx.Tx, entries []*entity.LedgerEntry) (int, error) {
	locked := make(map[uuid.UUID]struct{})
	inserted := 0
	for _, e := range entries {
		if _, ok := locked[e.OrderID]; !ok {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.OrderID.String()); err != nil {
				return inserted, fmt.Errorf("ledger repository: advisory lock %w", err)
			}
			locked[e.OrderID] = struct{}{}
		}

		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}

		var seq int64
		err := tx.GetContext(ctx, &seq, `
			INSERT INTO ledger_entries (
				id, order_id, milestone_id, sequence, type, amount, currency, payer_id, payee_id,
				processor_ref, idempotency_key, status, compensates, note, created_at
			)
			SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
			FROM ledger_entries WHERE order_id = $2
			ON CONFLICT (idempotency_key) WHERE status = 'completed' DO NOTHING
			RETURNING sequence
		`, e.ID, e.OrderID, e.MilestoneID, string(e.Type), e.Amount, e.Currency, e.PayerID, e.PayeeID,
			e.ProcessorRef, e.IdempotencyKey, string(e.Status), e.Compensates, e.Note, e.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("ledger repository: append %w", err)
		}
		e.Sequence = seq
		inserted++
	}
	return inserted, nil
}

func (r *LedgerRepositoryAdapter) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.LedgerEntry, error) {
	var rows []models.LedgerEntry
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM ledger_entries WHERE order_id = $1 ORDER BY sequence`, orderID); err != nil {
		return nil, fmt.Errorf("ledger repository: list %w", err)
	}
	out := make([]*entity.LedgerEntry, len(rows))
	for i := range rows {
		out[i] = ledgerFromModel(&rows[i])
	}
	return out, nil
}

func (r *LedgerRepositoryAdapter) Balance(ctx context.Context, orderID uuid.UUID, currency string) (entity.Balance, error) {
	var sums struct {
		Captured decimal.Decimal `db:"captured"`
		Released decimal.Decimal `db:"released"`
		Fees     decimal.Decimal `db:"fees"`
		Refunded decimal.Decimal `db:"refunded"`
	}
	err := r.db.GetContext(ctx, &sums, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'payment_in'), 0)   AS captured,
			COALESCE(SUM(amount) FILTER (WHERE type = 'payout'), 0)       AS released,
			COALESCE(SUM(amount) FILTER (WHERE type = 'platform_fee'), 0) AS fees,
			COALESCE(SUM(amount) FILTER (WHERE type = 'refund'), 0)       AS refunded
		FROM ledger_entries
		WHERE order_id = $1 AND status = 'completed'
	`, orderID)
	if err != nil {
		return entity.Balance{}, fmt.Errorf("ledger repository: balance %w", err)
	}
	return entity.Balance{
		Currency: currency,
		Captured: sums.Captured,
		Released: sums.Released,
		Fees:     sums.Fees,
		Refunded: sums.Refunded,
	}, nil
}
