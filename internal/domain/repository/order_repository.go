package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrVersionConflict = errors.New("order version conflict")
	ErrLockNotHeld     = errors.New("order lock not held")
)

// LockRequest захват блокировки заказа сравнением версии.
// Resume разрешает забрать заказ, припаркованный в ожидании сверки.
type LockRequest struct {
	OrderID uuid.UUID
	Version int64
	Owner   uuid.UUID
	Until   time.Time
	Now     time.Time
	Resume  bool
}

// OrderChange всё, что фиксируется одной транзакцией при завершении перехода.
type OrderChange struct {
	Order      *entity.Order
	Owner      uuid.UUID
	Milestones []*entity.Milestone
	Dispute    *entity.Dispute
	Entries    []*entity.LedgerEntry
}

type OrderRepository interface {
	// Create сохраняет заказ вместе с этапами.
	Create(ctx context.Context, order *entity.Order, milestones []*entity.Milestone) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error)
	FindMilestones(ctx context.Context, orderID uuid.UUID) ([]*entity.Milestone, error)

	// AcquireLock возвращает ErrVersionConflict, если версия изменилась или блокировка занята.
	AcquireLock(ctx context.Context, req LockRequest) (*entity.Order, error)
	// Commit записывает новое состояние и снимает блокировку. Требует, чтобы owner всё ещё владел ею.
	Commit(ctx context.Context, change OrderChange) (*entity.Order, error)
	// Park сохраняет теневое состояние ожидания, не снимая блокировку.
	Park(ctx context.Context, order *entity.Order, owner uuid.UUID) error
	ReleaseLock(ctx context.Context, orderID, owner uuid.UUID) error

	ListAutoApprovable(ctx context.Context, now time.Time, limit int) ([]*entity.Order, error)
	ListParked(ctx context.Context, lockedBefore time.Time, limit int) ([]*entity.Order, error)
}

type LedgerRepository interface {
	// Append идемпотентен по IdempotencyKey для завершённых записей; возвращает число реально добавленных.
	Append(ctx context.Context, entries ...*entity.LedgerEntry) (int, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.LedgerEntry, error)
	Balance(ctx context.Context, orderID uuid.UUID, currency string) (entity.Balance, error)
}

var ErrDisputeNotFound = errors.New("dispute not found")

type DisputeRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Dispute, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.Dispute, error)
}

var ErrReviewExists = errors.New("review already exists")

var ErrOperationNotFound = errors.New("escrow operation not found")

type EscrowOperationRepository interface {
	// Begin вставляет операцию либо возвращает существующую; created сообщает, была ли вставка.
	Begin(ctx context.Context, op *entity.EscrowOperation) (existing *entity.EscrowOperation, created bool, err error)
	FindByKey(ctx context.Context, key string) (*entity.EscrowOperation, error)
	Reopen(ctx context.Context, key string, now time.Time) error
	RecordAttempt(ctx context.Context, key string, lastErr string, now time.Time) error
	MarkSucceeded(ctx context.Context, key, processorRef string, now time.Time) error
	MarkFailed(ctx context.Context, key, lastErr string, retryable bool, now time.Time) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*entity.EscrowOperation, error)
	CountPending(ctx context.Context) (int, error)
}
