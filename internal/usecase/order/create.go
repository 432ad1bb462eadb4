package order

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

// CreateInput цена и комиссия приходят уже посчитанными: каталог и тарифы вне движка.
type CreateInput struct {
	Type             valueobject.OrderType
	BuyerID          uuid.UUID
	SellerID         uuid.UUID
	Amount           decimal.Decimal
	PlatformFee      decimal.Decimal
	Currency         string
	Terms            string
	DeliveryDeadline *time.Time
	RevisionCount    int
	Milestones       []entity.MilestoneInput
}

// Create сначала списывает оплату и только потом сохраняет заказ. При отказе процессора
// заказа не существует; при таймауте заказ сохраняется в capture_pending и возвращается
// вместе с ошибкой EscrowOperationPending.
func (e *Engine) Create(ctx context.Context, actor entity.Actor, in CreateInput) (*entity.Order, error) {
	switch actor.Role {
	case valueobject.RoleSystem:
	case valueobject.RoleBuyer:
		if actor.UserID != in.BuyerID {
			return nil, apperror.ErrForbidden
		}
	default:
		return nil, apperror.ErrForbidden
	}

	now := e.now()
	o, err := entity.NewOrder(entity.NewOrderParams{
		Type:             in.Type,
		BuyerID:          in.BuyerID,
		SellerID:         in.SellerID,
		Amount:           in.Amount,
		PlatformFee:      in.PlatformFee,
		Currency:         in.Currency,
		Terms:            in.Terms,
		DeliveryDeadline: in.DeliveryDeadline,
		RevisionCount:    in.RevisionCount,
	}, now)
	if err != nil {
		return nil, err
	}
	milestones, err := entity.BuildMilestones(o, in.Milestones, now)
	if err != nil {
		return nil, err
	}

	log := logger.Order(o.ID.String(), "create").WithField("order_number", o.OrderNumber)

	out, err := e.escrow.Capture(ctx, o, TransitionActivate)
	switch {
	case err == nil:
		ref := out.Ref
		o.HoldRef = &ref
		o.EscrowStatus = valueobject.EscrowStatusHeld
		if err := e.orders.Create(ctx, o, milestones); err != nil {
			e.reverseCapture(ctx, o, log)
			return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить заказ")
		}
		log.Info("order created, payment captured")
		return e.Execute(ctx, o.ID, entity.SystemActor, TransitionActivate, nil)

	case apperror.IsEscrowPending(err):
		if perr := e.createParked(ctx, o, milestones, now); perr != nil {
			// Исход захвата неизвестен; если он пройдёт, сверка найдёт операцию без заказа и вернёт деньги.
			log.WithError(perr).Error("order not saved, pending capture left for reconciliation")
			return nil, perr
		}
		log.Warn("order created, capture awaits reconciliation")
		e.observe(TransitionActivate, err)
		return o, err

	default:
		log.WithError(err).Info("order not created, capture failed")
		return nil, err
	}
}

// reverseCapture возвращает покупателю оплату заказа, который не удалось сохранить.
func (e *Engine) reverseCapture(ctx context.Context, o *entity.Order, log *logrus.Entry) {
	_, err := e.escrow.ReverseCapture(context.WithoutCancel(ctx), o, "create")
	switch {
	case err == nil:
		log.Warn("order not saved, captured payment reversed")
	case apperror.IsEscrowPending(err):
		log.WithError(err).Warn("order not saved, capture reversal awaits reconciliation")
	default:
		log.WithError(err).Error("order not saved, capture reversal failed")
	}
}

func (e *Engine) createParked(ctx context.Context, o *entity.Order, milestones []*entity.Milestone, now time.Time) error {
	raw, err := json.Marshal(pendingEnvelope{
		Actor:        entity.SystemActor,
		EscrowStatus: valueobject.EscrowStatusCapturePending,
		ParkedAt:     now,
	})
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сохранить отложенный переход")
	}

	name := TransitionActivate
	owner := uuid.New()
	o.EscrowStatus = valueobject.EscrowStatusCapturePending
	o.PendingTransition = &name
	o.PendingParams = raw
	o.LockOwner = &owner
	o.LockedUntil = &now

	if err := e.orders.Create(ctx, o, milestones); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить заказ")
	}
	return nil
}
