package order

import (
	"context"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

// View заказ вместе с этапами, как его видит участник.
type View struct {
	Order      *entity.Order
	Milestones []*entity.Milestone
}

// GetOrder доступен сторонам заказа, арбитру и системе.
func (e *Engine) GetOrder(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (*View, error) {
	o, err := e.Authorize(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	milestones, err := e.orders.FindMilestones(ctx, orderID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить этапы заказа")
	}
	return &View{Order: o, Milestones: milestones}, nil
}

// ListLedger записи журнала в порядке sequence.
func (e *Engine) ListLedger(ctx context.Context, actor entity.Actor, orderID uuid.UUID) ([]*entity.LedgerEntry, error) {
	if _, err := e.Authorize(ctx, actor, orderID); err != nil {
		return nil, err
	}
	entries, err := e.ledger.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить журнал")
	}
	return entries, nil
}

func (e *Engine) Balance(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (entity.Balance, error) {
	o, err := e.Authorize(ctx, actor, orderID)
	if err != nil {
		return entity.Balance{}, err
	}
	b, err := e.ledger.Balance(ctx, orderID, o.Currency)
	if err != nil {
		return entity.Balance{}, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить баланс удержания")
	}
	return b, nil
}

// Authorize загружает заказ и проверяет, что actor вправе его видеть.
func (e *Engine) Authorize(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (*entity.Order, error) {
	o, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAct(o, valueobject.RoleBuyer, valueobject.RoleSeller, valueobject.RoleArbiter, valueobject.RoleSystem) {
		return nil, apperror.ErrForbidden
	}
	return o, nil
}

// FindOrder без проверки прав; для фоновых задач и смежных сервисов.
func (e *Engine) FindOrder(ctx context.Context, orderID uuid.UUID) (*entity.Order, error) {
	return e.load(ctx, orderID)
}
