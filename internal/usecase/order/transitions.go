package order

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

const (
	TransitionActivate         = "activate"
	TransitionDeliver          = "deliver"
	TransitionRequestRevision  = "request_revision"
	TransitionApprove          = "approve"
	TransitionAutoApprove      = "auto_approve"
	TransitionCancel           = "cancel"
	TransitionDeliverMilestone = "deliver_milestone"
	TransitionApproveMilestone = "approve_milestone"
)

type DeliverParams struct {
	Deliverables []entity.PayloadInput `json:"deliverables"`
}

type RevisionParams struct {
	Note string `json:"note"`
}

type CancelParams struct {
	Reason string `json:"reason"`
}

type MilestoneParams struct {
	MilestoneID  uuid.UUID             `json:"milestone_id"`
	Deliverables []entity.PayloadInput `json:"deliverables,omitempty"`
}

var (
	buyer   = []valueobject.Role{valueobject.RoleBuyer}
	seller  = []valueobject.Role{valueobject.RoleSeller}
	system  = []valueobject.Role{valueobject.RoleSystem}
	parties = []valueobject.Role{valueobject.RoleBuyer, valueobject.RoleSeller}

	inProgress = []valueobject.OrderStatus{
		valueobject.OrderStatusActive,
		valueobject.OrderStatusDelivered,
		valueobject.OrderStatusRevisionRequested,
	}
)

func orderHandlers() []Handler {
	return []Handler{
		{
			Name:  TransitionActivate,
			Roles: system,
			From:  []valueobject.OrderStatus{valueobject.OrderStatusPending},
			Apply: func(ctx context.Context, tx *Txn) error {
				out, err := tx.Escrow.Capture(ctx, tx.Order, tx.Name)
				if err != nil {
					return err
				}
				return tx.Order.Activate(out.Ref, tx.Now)
			},
			Rollback: func(tx *Txn) error {
				if err := tx.Order.Decline(tx.Now); err != nil {
					return err
				}
				tx.Emit(events.OrderCancelled, "")
				return nil
			},
		},
		{
			Name:        TransitionDeliver,
			Roles:       seller,
			From:        []valueobject.OrderStatus{valueobject.OrderStatusActive, valueobject.OrderStatusRevisionRequested},
			AllowFrozen: true,
			Check: func(tx *Txn) error {
				_, err := deliverables(tx)
				return err
			},
			Apply: func(ctx context.Context, tx *Txn) error {
				payloads, err := deliverables(tx)
				if err != nil {
					return err
				}
				return tx.Order.Deliver(payloads, tx.Config.AutoApproveAfter, tx.Now)
			},
		},
		{
			Name:        TransitionRequestRevision,
			Roles:       buyer,
			From:        []valueobject.OrderStatus{valueobject.OrderStatusDelivered},
			AllowFrozen: true,
			Check: func(tx *Txn) error {
				if tx.Order.RevisionsUsed >= tx.Order.RevisionCount {
					return apperror.ErrRevisionLimitExceeded
				}
				return nil
			},
			Apply: func(ctx context.Context, tx *Txn) error {
				var p RevisionParams
				if err := tx.Bind(&p); err != nil {
					return err
				}
				return tx.Order.RequestRevision(p.Note, tx.Now)
			},
		},
		{
			Name:  TransitionApprove,
			Roles: buyer,
			From:  []valueobject.OrderStatus{valueobject.OrderStatusDelivered},
			Apply: func(ctx context.Context, tx *Txn) error {
				return ReleaseRemaining(ctx, tx, valueobject.OperationRelease)
			},
		},
		{
			Name:  TransitionAutoApprove,
			Roles: system,
			From:  []valueobject.OrderStatus{valueobject.OrderStatusDelivered},
			Check: func(tx *Txn) error {
				deadline := tx.Order.ResponseDeadline
				if deadline == nil || tx.Now.Before(*deadline) {
					return apperror.New(apperror.ErrCodeValidation, "срок ответа заказчика ещё не истёк")
				}
				return nil
			},
			// Ключ идемпотентности общий с approve: выплата не может пройти дважды.
			Apply: func(ctx context.Context, tx *Txn) error {
				return ReleaseRemaining(ctx, tx, valueobject.OperationRelease)
			},
		},
		{
			Name:  TransitionCancel,
			Roles: parties,
			From:  []valueobject.OrderStatus{valueobject.OrderStatusPending, valueobject.OrderStatusActive},
			Apply: cancel,
		},
		{
			Name:        TransitionDeliverMilestone,
			Roles:       seller,
			From:        inProgress,
			AllowFrozen: true,
			Check: func(tx *Txn) error {
				_, _, err := milestoneDelivery(tx)
				return err
			},
			Apply: func(ctx context.Context, tx *Txn) error {
				m, payloads, err := milestoneDelivery(tx)
				if err != nil {
					return err
				}
				if err := m.Deliver(payloads, tx.Now); err != nil {
					return err
				}
				tx.TouchMilestone(m)
				return nil
			},
		},
		{
			Name:  TransitionApproveMilestone,
			Roles: buyer,
			From:  inProgress,
			Check: func(tx *Txn) error {
				m, err := milestoneOf(tx)
				if err != nil {
					return err
				}
				if m.Status != valueobject.MilestoneStatusDelivered {
					return apperror.New(apperror.ErrCodeValidation, "этап ещё не сдан")
				}
				return nil
			},
			Apply: approveMilestone,
		},
	}
}

// ReleaseRemaining выплачивает исполнителю всё, что осталось на удержании, за вычетом
// неудержанной ещё комиссии, и завершает заказ.
func ReleaseRemaining(ctx context.Context, tx *Txn, kind valueobject.OperationKind) error {
	balance, err := tx.Balance(ctx)
	if err != nil {
		return err
	}

	held := balance.Held()
	var ref *string
	if held.IsPositive() {
		fee := RemainingFee(tx.Order, balance)
		out, err := tx.Escrow.Release(ctx, tx.Order, kind, tx.Name, held, fee)
		if err != nil {
			return err
		}
		ref = &out.Ref
	}

	if err := tx.Order.Complete(valueobject.EscrowStatusReleased, tx.Now); err != nil {
		return err
	}
	for _, m := range tx.Milestones {
		m.Settle(valueobject.MilestoneStatusReleased, ref, tx.Now)
	}
	tx.TouchAll()
	tx.Emit(events.OrderCompleted, "")
	tx.Emit(events.OrderReviewEligible, "")
	return nil
}

// RemainingFee комиссия площадки, которая ещё не списана, но не больше остатка удержания.
func RemainingFee(o *entity.Order, balance entity.Balance) decimal.Decimal {
	fee := o.PlatformFee.Sub(balance.Fees)
	if fee.IsNegative() {
		return decimal.Zero
	}
	if held := balance.Held(); fee.GreaterThan(held) {
		return held
	}
	return fee
}

func cancel(ctx context.Context, tx *Txn) error {
	var p CancelParams
	if err := tx.Bind(&p); err != nil {
		return err
	}
	balance, err := tx.Balance(ctx)
	if err != nil {
		return err
	}

	milestoneStatus := valueobject.MilestoneStatusCancelled
	var ref *string
	if held := balance.Held(); held.IsPositive() {
		out, err := tx.Escrow.Refund(ctx, tx.Order, valueobject.OperationRefund, tx.Name, held)
		if err != nil {
			return err
		}
		ref = &out.Ref
		milestoneStatus = valueobject.MilestoneStatusRefunded
	}

	if err := tx.Order.Cancel(p.Reason, tx.Now); err != nil {
		return err
	}
	for _, m := range tx.Milestones {
		m.Settle(milestoneStatus, ref, tx.Now)
	}
	tx.TouchAll()
	tx.Emit(events.OrderCancelled, "")
	return nil
}

func approveMilestone(ctx context.Context, tx *Txn) error {
	m, err := milestoneOf(tx)
	if err != nil {
		return err
	}
	out, err := tx.Escrow.PartialRelease(ctx, tx.Order, m, tx.Name)
	if err != nil {
		return err
	}
	if err := m.Approve(out.Ref, tx.Now); err != nil {
		return err
	}
	tx.TouchMilestone(m)

	if !entity.AllPaid(tx.Milestones) {
		return nil
	}
	if err := tx.Order.Complete(valueobject.EscrowStatusReleased, tx.Now); err != nil {
		return err
	}
	tx.Emit(events.OrderCompleted, "")
	tx.Emit(events.OrderReviewEligible, "")
	return nil
}

func deliverables(tx *Txn) ([]entity.Payload, error) {
	var p DeliverParams
	if err := tx.Bind(&p); err != nil {
		return nil, err
	}
	return entity.NewPayloads(p.Deliverables, tx.Config.MaxPayloadBytes)
}

func milestoneOf(tx *Txn) (*entity.Milestone, error) {
	var p MilestoneParams
	if err := tx.Bind(&p); err != nil {
		return nil, err
	}
	return entity.FindMilestone(tx.Milestones, p.MilestoneID)
}

func milestoneDelivery(tx *Txn) (*entity.Milestone, []entity.Payload, error) {
	var p MilestoneParams
	if err := tx.Bind(&p); err != nil {
		return nil, nil, err
	}
	m, err := entity.FindMilestone(tx.Milestones, p.MilestoneID)
	if err != nil {
		return nil, nil, err
	}
	if err := entity.CheckSequence(tx.Milestones, m); err != nil {
		return nil, nil, err
	}
	payloads, err := entity.NewPayloads(p.Deliverables, tx.Config.MaxPayloadBytes)
	if err != nil {
		return nil, nil, err
	}
	return m, payloads, nil
}
