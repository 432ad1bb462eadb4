package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/models"
	"github.com/ignatzorin/escrow-engine/internal/repository/common"
)

// OrderRepositoryAdapter хранит заказы и этапы в PostgreSQL.
// Блокировка заказа реализована сравнением версии в UPDATE.
type OrderRepositoryAdapter struct {
	db *sqlx.DB
}

var _ repository.OrderRepository = (*OrderRepositoryAdapter)(nil)

func NewOrderRepositoryAdapter(db *sqlx.DB) *OrderRepositoryAdapter {
	return &OrderRepositoryAdapter{db: db}
}

const milestoneColumns = 14

func (r *OrderRepositoryAdapter) Create(ctx context.Context, order *entity.Order, milestones []*entity.Milestone) error {
	deliverables, err := payloadsToJSON(order.Deliverables)
	if err != nil {
		return err
	}

	return common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO orders (
				id, order_number, type, buyer_id, seller_id, amount, platform_fee, freelancer_earnings,
				currency, terms, delivery_deadline, revision_count, revisions_used, status, escrow_status,
				hold_ref, deliverables, created_at, updated_at, version, lock_owner, locked_until,
				pending_transition, pending_params
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		`
		if _, err := tx.ExecContext(ctx, query,
			order.ID, order.OrderNumber, string(order.Type), order.BuyerID, order.SellerID,
			order.Amount, order.PlatformFee, order.FreelancerEarnings, order.Currency, order.Terms,
			order.DeliveryDeadline, order.RevisionCount, order.RevisionsUsed, string(order.Status),
			string(order.EscrowStatus), order.HoldRef, string(deliverables), order.CreatedAt, order.UpdatedAt,
			order.Version, order.LockOwner, order.LockedUntil, order.PendingTransition, jsonArg(order.PendingParams),
		); err != nil {
			return fmt.Errorf("order repository: insert order %w", err)
		}

		if len(milestones) == 0 {
			return nil
		}

		// Batch INSERT для этапов
		inserter := common.NewBatchInserter(tx, `
			INSERT INTO milestones (
				id, order_id, position, title, amount, platform_fee, due_date, status,
				deliverables, payout_ref, delivered_at, approved_at, created_at, updated_at
			)`, milestoneColumns, 100)
		for _, m := range milestones {
			raw, err := payloadsToJSON(m.Deliverables)
			if err != nil {
				return err
			}
			if err := inserter.Add(ctx,
				m.ID, m.OrderID, m.Position, m.Title, m.Amount, m.PlatformFee, m.DueDate, string(m.Status),
				string(raw), m.PayoutRef, m.DeliveredAt, m.ApprovedAt, m.CreatedAt, m.UpdatedAt,
			); err != nil {
				return fmt.Errorf("order repository: insert milestones %w", err)
			}
		}
		return inserter.Flush(ctx)
	})
}

func (r *OrderRepositoryAdapter) FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error) {
	m, err := common.GetByID[models.Order](ctx, r.db, "orders", id, repository.ErrOrderNotFound)
	if err != nil {
		return nil, err
	}
	return orderFromModel(m)
}

func (r *OrderRepositoryAdapter) FindMilestones(ctx context.Context, orderID uuid.UUID) ([]*entity.Milestone, error) {
	var rows []models.Milestone
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM milestones WHERE order_id = $1 ORDER BY position`, orderID); err != nil {
		return nil, fmt.Errorf("order repository: list milestones %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]*entity.Milestone, 0, len(rows))
	for i := range rows {
		m, err := milestoneFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *OrderRepositoryAdapter) AcquireLock(ctx context.Context, req repository.LockRequest) (*entity.Order, error) {
	// Обычный захват: нет ожидающей сверки и чужая блокировка отсутствует или истекла.
	// Resume: заказ припаркован и блокировка парковки истекла.
	query := `
		UPDATE orders
		SET version = version + 1, lock_owner = $3, locked_until = $4
		WHERE id = $1 AND version = $2
		  AND (
		    ($6 AND pending_transition IS NOT NULL AND (locked_until IS NULL OR locked_until <= $5))
		    OR (NOT $6 AND pending_transition IS NULL
		        AND (lock_owner IS NULL OR locked_until IS NULL OR locked_until <= $5))
		  )
		RETURNING *
	`
	var m models.Order
	err := r.db.GetContext(ctx, &m, query, req.OrderID, req.Version, req.Owner, req.Until, req.Now, req.Resume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missing(ctx, req.OrderID, repository.ErrVersionConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("order repository: acquire lock %w", err)
	}
	return orderFromModel(&m)
}

func (r *OrderRepositoryAdapter) Commit(ctx context.Context, change repository.OrderChange) (*entity.Order, error) {
	o := change.Order
	deliverables, err := payloadsToJSON(o.Deliverables)
	if err != nil {
		return nil, err
	}

	var committed models.Order
	err = common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		query := `
			UPDATE orders
			SET revisions_used = $3, revision_note = $4, status = $5, escrow_status = $6, hold_ref = $7,
			    dispute_id = $8, response_deadline = $9, deliverables = $10, updated_at = $11,
			    delivered_at = $12, completed_at = $13, cancelled_at = $14, cancel_reason = $15,
			    version = version + 1, lock_owner = NULL, locked_until = NULL,
			    pending_transition = NULL, pending_params = NULL
			WHERE id = $1 AND lock_owner = $2
			RETURNING *
		`
		err := tx.GetContext(ctx, &committed, query,
			o.ID, change.Owner, o.RevisionsUsed, o.RevisionNote, string(o.Status), string(o.EscrowStatus),
			o.HoldRef, o.DisputeID, o.ResponseDeadline, string(deliverables), o.UpdatedAt,
			o.DeliveredAt, o.CompletedAt, o.CancelledAt, o.CancelReason,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return r.missing(ctx, o.ID, repository.ErrLockNotHeld)
		}
		if err != nil {
			return fmt.Errorf("order repository: commit order %w", err)
		}

		for _, m := range change.Milestones {
			if err := updateMilestone(ctx, tx, m); err != nil {
				return err
			}
		}
		if change.Dispute != nil {
			if err := upsertDispute(ctx, tx, change.Dispute); err != nil {
				return err
			}
		}
		if _, err := appendEntries(ctx, tx, change.Entries); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orderFromModel(&committed)
}

func updateMilestone(ctx context.Context, tx *sqlx.Tx, m *entity.Milestone) error {
	raw, err := payloadsToJSON(m.Deliverables)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE milestones
		SET status = $3, deliverables = $4, payout_ref = $5, delivered_at = $6, approved_at = $7, updated_at = $8
		WHERE id = $1 AND order_id = $2
	`, m.ID, m.OrderID, string(m.Status), string(raw), m.PayoutRef, m.DeliveredAt, m.ApprovedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("order repository: update milestone %w", err)
	}
	return nil
}

func (r *OrderRepositoryAdapter) Park(ctx context.Context, order *entity.Order, owner uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET escrow_status = $3, pending_transition = $4, pending_params = $5, locked_until = $6, updated_at = $7
		WHERE id = $1 AND lock_owner = $2
	`, order.ID, owner, string(order.EscrowStatus), order.PendingTransition, jsonArg(order.PendingParams),
		order.LockedUntil, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("order repository: park %w", err)
	}
	return r.affected(ctx, res, order.ID)
}

func (r *OrderRepositoryAdapter) ReleaseLock(ctx context.Context, orderID, owner uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET version = version + 1, lock_owner = NULL, locked_until = NULL
		WHERE id = $1 AND lock_owner = $2
	`, orderID, owner)
	if err != nil {
		return fmt.Errorf("order repository: release lock %w", err)
	}
	return r.affected(ctx, res, orderID)
}

func (r *OrderRepositoryAdapter) ListAutoApprovable(ctx context.Context, now time.Time, limit int) ([]*entity.Order, error) {
	return r.list(ctx, `
		SELECT * FROM orders
		WHERE status = 'delivered' AND escrow_status = 'held' AND pending_transition IS NULL
		  AND response_deadline <= $1
		ORDER BY response_deadline
		LIMIT $2
	`, now, limitArg(limit))
}

func (r *OrderRepositoryAdapter) ListParked(ctx context.Context, lockedBefore time.Time, limit int) ([]*entity.Order, error) {
	return r.list(ctx, `
		SELECT * FROM orders
		WHERE pending_transition IS NOT NULL AND (locked_until IS NULL OR locked_until <= $1)
		ORDER BY updated_at
		LIMIT $2
	`, lockedBefore, limitArg(limit))
}

func (r *OrderRepositoryAdapter) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Order, error) {
	var rows []models.Order
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("order repository: list %w", err)
	}
	out := make([]*entity.Order, 0, len(rows))
	for i := range rows {
		o, err := orderFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *OrderRepositoryAdapter) affected(ctx context.Context, res sql.Result, orderID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order repository: rows affected %w", err)
	}
	if n == 0 {
		return r.missing(ctx, orderID, repository.ErrLockNotHeld)
	}
	return nil
}

// missing отличает отсутствующий заказ от проигранной гонки за блокировку.
func (r *OrderRepositoryAdapter) missing(ctx context.Context, orderID uuid.UUID, conflict error) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID); err != nil {
		return fmt.Errorf("order repository: exists %w", err)
	}
	if !exists {
		return repository.ErrOrderNotFound
	}
	return conflict
}
