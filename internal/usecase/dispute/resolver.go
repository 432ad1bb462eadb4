// Package dispute замораживает удержание по заказу и доводит спор до решения арбитра.
package dispute

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
)

const (
	TransitionOpen     = "open_dispute"
	TransitionReview   = "review_dispute"
	TransitionEscalate = "escalate_dispute"
	TransitionResolve  = "resolve_dispute"
)

type OpenParams struct {
	Reason      valueobject.ReasonCategory `json:"reason"`
	Description string                     `json:"description"`
	Evidence    []entity.PayloadInput      `json:"evidence,omitempty"`
}

type ResolveParams struct {
	Outcome     valueobject.DisputeOutcome `json:"outcome"`
	Note        string                     `json:"note"`
	SplitAmount *decimal.Decimal           `json:"split_amount,omitempty"`
}

type Resolver struct {
	engine   *order.Engine
	disputes repository.DisputeRepository
}

// NewResolver регистрирует переходы спора в движке заказов.
func NewResolver(engine *order.Engine, disputes repository.DisputeRepository) *Resolver {
	for _, h := range handlers() {
		engine.Register(h)
	}
	return &Resolver{engine: engine, disputes: disputes}
}

// Open открывает спор и замораживает удержание заказа.
func (r *Resolver) Open(ctx context.Context, orderID uuid.UUID, actor entity.Actor, p OpenParams) (*entity.Dispute, error) {
	o, err := r.engine.Execute(ctx, orderID, actor, TransitionOpen, p)
	if err != nil {
		return nil, err
	}
	return r.current(ctx, o)
}

func (r *Resolver) Review(ctx context.Context, orderID uuid.UUID, arbiter entity.Actor) (*entity.Dispute, error) {
	o, err := r.engine.Execute(ctx, orderID, arbiter, TransitionReview, nil)
	if err != nil {
		return nil, err
	}
	return r.current(ctx, o)
}

func (r *Resolver) Escalate(ctx context.Context, orderID uuid.UUID, arbiter entity.Actor) (*entity.Dispute, error) {
	o, err := r.engine.Execute(ctx, orderID, arbiter, TransitionEscalate, nil)
	if err != nil {
		return nil, err
	}
	return r.current(ctx, o)
}

// Resolve выполняет денежные операции по решению арбитра. Если процессор не ответил
// вовремя, возвращается заказ в теневом статусе вместе с ошибкой EscrowOperationPending.
func (r *Resolver) Resolve(ctx context.Context, orderID uuid.UUID, arbiter entity.Actor, p ResolveParams) (*entity.Dispute, *entity.Order, error) {
	o, err := r.engine.Execute(ctx, orderID, arbiter, TransitionResolve, p)
	if err != nil {
		return nil, o, err
	}
	d, err := r.current(ctx, o)
	return d, o, err
}

// List споры заказа, от старых к новым.
func (r *Resolver) List(ctx context.Context, actor entity.Actor, orderID uuid.UUID) ([]*entity.Dispute, error) {
	if _, err := r.engine.Authorize(ctx, actor, orderID); err != nil {
		return nil, err
	}
	disputes, err := r.disputes.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить споры")
	}
	return disputes, nil
}

func (r *Resolver) current(ctx context.Context, o *entity.Order) (*entity.Dispute, error) {
	if o.DisputeID == nil {
		return nil, apperror.ErrDisputeNotFound
	}
	d, err := r.disputes.FindByID(ctx, *o.DisputeID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить спор")
	}
	return d, nil
}

var (
	parties = []valueobject.Role{valueobject.RoleBuyer, valueobject.RoleSeller}
	arbiter = []valueobject.Role{valueobject.RoleArbiter}

	inProgress = []valueobject.OrderStatus{
		valueobject.OrderStatusActive,
		valueobject.OrderStatusDelivered,
		valueobject.OrderStatusRevisionRequested,
	}
)

func handlers() []order.Handler {
	return []order.Handler{
		{
			Name:  TransitionOpen,
			Roles: parties,
			From:  inProgress,
			// Заморозка означает открытый спор: второй получит DisputeConflict ещё до блокировки.
			Check: func(tx *order.Txn) error {
				_, err := newDispute(tx)
				return err
			},
			Apply: open,
		},
		{
			Name:        TransitionReview,
			Roles:       arbiter,
			From:        inProgress,
			AllowFrozen: true,
			Check:       requireOpen,
			Apply: func(ctx context.Context, tx *order.Txn) error {
				return move(tx, valueobject.DisputeStatusUnderReview)
			},
		},
		{
			Name:        TransitionEscalate,
			Roles:       arbiter,
			From:        inProgress,
			AllowFrozen: true,
			Check:       requireOpen,
			Apply: func(ctx context.Context, tx *order.Txn) error {
				return move(tx, valueobject.DisputeStatusEscalated)
			},
		},
		{
			Name:        TransitionResolve,
			Roles:       arbiter,
			From:        inProgress,
			AllowFrozen: true,
			Check: func(tx *order.Txn) error {
				if err := requireOpen(tx); err != nil {
					return err
				}
				var p ResolveParams
				if err := tx.Bind(&p); err != nil {
					return err
				}
				if !p.Outcome.IsValid() {
					return apperror.New(apperror.ErrCodeValidation, "неизвестное решение по спору")
				}
				if p.Outcome == valueobject.OutcomeSplit && p.SplitAmount == nil {
					return apperror.New(apperror.ErrCodeValidation, "для раздела нужна сумма исполнителю")
				}
				return nil
			},
			Apply: resolve,
		},
	}
}

func newDispute(tx *order.Txn) (*entity.Dispute, error) {
	var p OpenParams
	if err := tx.Bind(&p); err != nil {
		return nil, err
	}
	var evidence []entity.Payload
	if len(p.Evidence) > 0 {
		var err error
		if evidence, err = entity.NewPayloads(p.Evidence, tx.Config.MaxPayloadBytes); err != nil {
			return nil, err
		}
	}
	return entity.NewDispute(tx.Order.ID, tx.Actor, p.Reason, p.Description, evidence, tx.Now)
}

func open(ctx context.Context, tx *order.Txn) error {
	d, err := newDispute(tx)
	if err != nil {
		return err
	}
	balance, err := tx.Balance(ctx)
	if err != nil {
		return err
	}
	if err := tx.Order.Freeze(d.ID, tx.Now); err != nil {
		return err
	}
	tx.SetDispute(d)

	// dispute_hold не меняет баланс: это отметка в журнале, что остаток заморожен.
	tx.Append(&entity.LedgerEntry{
		OrderID:        tx.Order.ID,
		Type:           valueobject.LedgerDisputeHold,
		Amount:         balance.Held(),
		Currency:       tx.Order.Currency,
		PayerID:        tx.Order.BuyerID,
		PayeeID:        escrow.PlatformAccount,
		IdempotencyKey: holdKey(tx.Order.ID, d.ID),
		Status:         valueobject.LedgerStatusCompleted,
		Note:           string(d.Reason),
		CreatedAt:      tx.Now,
	})
	return nil
}

func requireOpen(tx *order.Txn) error {
	if !tx.Order.IsFrozen() || tx.Dispute == nil || !tx.Dispute.Status.IsOpen() {
		return apperror.ErrDisputeNotFound
	}
	return nil
}

func move(tx *order.Txn, status valueobject.DisputeStatus) error {
	d := tx.Dispute.Clone()
	if err := d.MoveTo(status, tx.Now); err != nil {
		return err
	}
	tx.SetDispute(d)
	return nil
}

func resolve(ctx context.Context, tx *order.Txn) error {
	var p ResolveParams
	if err := tx.Bind(&p); err != nil {
		return err
	}

	var split *decimal.Decimal
	switch p.Outcome {
	case valueobject.OutcomeReleaseToSeller:
		if err := order.ReleaseRemaining(ctx, tx, valueobject.OperationDisputeRelease); err != nil {
			return err
		}
	case valueobject.OutcomeRefundToBuyer:
		if err := refundAll(ctx, tx); err != nil {
			return err
		}
	case valueobject.OutcomeSplit:
		if err := splitHeld(ctx, tx, *p.SplitAmount); err != nil {
			return err
		}
		amount := *p.SplitAmount
		split = &amount
	default:
		return apperror.New(apperror.ErrCodeValidation, "неизвестное решение по спору")
	}

	d := tx.Dispute.Clone()
	if err := d.Resolve(tx.Actor.UserID, p.Outcome, p.Note, split, tx.Now); err != nil {
		return err
	}
	tx.SetDispute(d)
	tx.Emit(events.DisputeResolved, string(p.Outcome))
	return nil
}

func refundAll(ctx context.Context, tx *order.Txn) error {
	balance, err := tx.Balance(ctx)
	if err != nil {
		return err
	}
	var ref *string
	if held := balance.Held(); held.IsPositive() {
		out, err := tx.Escrow.Refund(ctx, tx.Order, valueobject.OperationDisputeRefund, tx.Name, held)
		if err != nil {
			return err
		}
		ref = &out.Ref
	}
	if err := tx.Order.Refund(tx.Now); err != nil {
		return err
	}
	for _, m := range tx.Milestones {
		m.Settle(valueobject.MilestoneStatusRefunded, ref, tx.Now)
	}
	tx.TouchAll()
	tx.Emit(events.OrderRefunded, "")
	return nil
}

// splitHeld отдаёт исполнителю sellerGross (комиссия берётся пропорционально),
// остаток удержания возвращается покупателю. Суммы считаются от баланса на момент
// заморозки, чтобы повтор после сверки получил те же части.
func splitHeld(ctx context.Context, tx *order.Txn, sellerGross decimal.Decimal) error {
	entries, err := tx.Entries(ctx)
	if err != nil {
		return err
	}
	balance := frozenBalance(tx.Order, entries)
	held := balance.Held()
	if !sellerGross.IsPositive() || !sellerGross.LessThan(held) {
		return apperror.New(apperror.ErrCodeValidation, "сумма исполнителю должна быть больше нуля и меньше остатка удержания")
	}
	if _, err := valueobject.NewMoney(sellerGross, tx.Order.Currency); err != nil {
		return err
	}

	fee := order.RemainingFee(tx.Order, balance).Mul(sellerGross).Div(held).Round(valueobject.MinorUnits)
	refund := held.Sub(sellerGross)
	released, _, err := tx.Escrow.Split(ctx, tx.Order, tx.Name, sellerGross, fee, refund)
	if err != nil {
		return err
	}

	if err := tx.Order.Complete(valueobject.EscrowStatusSplit, tx.Now); err != nil {
		return err
	}
	ref := released.Ref
	for _, m := range tx.Milestones {
		m.Settle(valueobject.MilestoneStatusReleased, &ref, tx.Now)
	}
	tx.TouchAll()
	tx.Emit(events.OrderCompleted, "")
	tx.Emit(events.OrderReviewEligible, "")
	return nil
}

// frozenBalance баланс по записям, сделанным до отметки dispute_hold текущего спора.
func frozenBalance(o *entity.Order, entries []*entity.LedgerEntry) entity.Balance {
	if o.DisputeID == nil {
		return entity.BalanceOf(o.Currency, entries)
	}
	key := holdKey(o.ID, *o.DisputeID)
	for i, e := range entries {
		if e.IdempotencyKey == key {
			return entity.BalanceOf(o.Currency, entries[:i])
		}
	}
	return entity.BalanceOf(o.Currency, entries)
}

func holdKey(orderID, disputeID uuid.UUID) string {
	return fmt.Sprintf("%s:dispute_hold:%s", orderID, disputeID)
}
