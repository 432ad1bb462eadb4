package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

type Order struct {
	ID                 uuid.UUID
	OrderNumber        string
	Type               valueobject.OrderType
	BuyerID            uuid.UUID
	SellerID           uuid.UUID
	Amount             decimal.Decimal
	PlatformFee        decimal.Decimal
	FreelancerEarnings decimal.Decimal
	Currency           string
	Terms              string
	DeliveryDeadline   *time.Time
	RevisionCount      int
	RevisionsUsed      int
	RevisionNote       *string
	Status             valueobject.OrderStatus
	EscrowStatus       valueobject.EscrowStatus
	HoldRef            *string
	DisputeID          *uuid.UUID
	ResponseDeadline   *time.Time
	Deliverables       []Payload
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeliveredAt        *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelReason       *string

	// Version растёт при каждом захвате и освобождении блокировки заказа.
	Version     int64
	LockOwner   *uuid.UUID
	LockedUntil *time.Time

	// PendingTransition и PendingParams заполнены, пока заказ ждёт сверки платёжной операции.
	PendingTransition *string
	PendingParams     json.RawMessage
}

type NewOrderParams struct {
	Type             valueobject.OrderType
	BuyerID          uuid.UUID
	SellerID         uuid.UUID
	Amount           decimal.Decimal
	PlatformFee      decimal.Decimal
	Currency         string
	Terms            string
	DeliveryDeadline *time.Time
	RevisionCount    int
}

func NewOrder(p NewOrderParams, now time.Time) (*Order, error) {
	if !p.Type.IsValid() {
		return nil, apperror.New(apperror.ErrCodeValidation, "неизвестный тип заказа")
	}
	if p.BuyerID == uuid.Nil || p.SellerID == uuid.Nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "заказчик и исполнитель обязательны")
	}
	if p.BuyerID == p.SellerID {
		return nil, apperror.New(apperror.ErrCodeValidation, "заказчик и исполнитель должны различаться")
	}
	if p.RevisionCount < 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "количество правок не может быть отрицательным")
	}
	if p.DeliveryDeadline != nil && p.DeliveryDeadline.Before(now) {
		return nil, apperror.New(apperror.ErrCodeValidation, "дедлайн не может быть в прошлом")
	}

	pricing, err := valueobject.NewPricing(p.Amount, p.PlatformFee, p.Currency)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	return &Order{
		ID:                 id,
		OrderNumber:        OrderNumberFor(id, now),
		Type:               p.Type,
		BuyerID:            p.BuyerID,
		SellerID:           p.SellerID,
		Amount:             pricing.Amount,
		PlatformFee:        pricing.PlatformFee,
		FreelancerEarnings: pricing.FreelancerEarnings,
		Currency:           pricing.Currency,
		Terms:              strings.TrimSpace(p.Terms),
		DeliveryDeadline:   p.DeliveryDeadline,
		RevisionCount:      p.RevisionCount,
		Status:             valueobject.OrderStatusPending,
		EscrowStatus:       valueobject.EscrowStatusCapturePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// OrderNumberFor строит человекочитаемый номер вида ORD-20240102-1A2B3C4D.
func OrderNumberFor(id uuid.UUID, at time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), strings.ToUpper(id.String()[:8]))
}

func (o *Order) Pricing() valueobject.Pricing {
	return valueobject.Pricing{
		Amount:             o.Amount,
		PlatformFee:        o.PlatformFee,
		FreelancerEarnings: o.FreelancerEarnings,
		Currency:           o.Currency,
	}
}

func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsFrozen true, пока открытый спор удерживает средства заказа.
func (o *Order) IsFrozen() bool {
	return o.EscrowStatus == valueobject.EscrowStatusFrozen
}

func (o *Order) IsParked() bool {
	return o.PendingTransition != nil
}

// EffectiveStatus статус для внешнего мира: пока открыт спор, заказ виден как disputed.
func (o *Order) EffectiveStatus() valueobject.OrderStatus {
	if !o.IsTerminal() && o.IsFrozen() {
		return valueobject.OrderStatusDisputed
	}
	return o.Status
}

// PartyRole возвращает роль пользователя в заказе.
func (o *Order) PartyRole(userID uuid.UUID) (valueobject.Role, bool) {
	switch userID {
	case o.BuyerID:
		return valueobject.RoleBuyer, true
	case o.SellerID:
		return valueobject.RoleSeller, true
	}
	return "", false
}

// Counterparty для покупателя возвращает исполнителя и наоборот.
func (o *Order) Counterparty(role valueobject.Role) uuid.UUID {
	if role == valueobject.RoleBuyer {
		return o.SellerID
	}
	return o.BuyerID
}

func (o *Order) transition(target valueobject.OrderStatus, now time.Time) error {
	if o.IsTerminal() {
		return apperror.ErrOrderTerminal
	}
	if !o.Status.CanTransitionTo(target) {
		return apperror.ErrInvalidTransition
	}
	o.Status = target
	o.UpdatedAt = now
	return nil
}

func (o *Order) Activate(holdRef string, now time.Time) error {
	if err := o.transition(valueobject.OrderStatusActive, now); err != nil {
		return err
	}
	o.HoldRef = &holdRef
	o.EscrowStatus = valueobject.EscrowStatusHeld
	return nil
}

func (o *Order) Deliver(deliverables []Payload, responseWindow time.Duration, now time.Time) error {
	if len(deliverables) == 0 {
		return apperror.New(apperror.ErrCodeValidation, "нужно приложить хотя бы один результат работы")
	}
	if err := o.transition(valueobject.OrderStatusDelivered, now); err != nil {
		return err
	}
	o.Deliverables = append(o.Deliverables, deliverables...)
	deadline := now.Add(responseWindow)
	o.ResponseDeadline = &deadline
	o.DeliveredAt = &now
	o.RevisionNote = nil
	return nil
}

// RequestRevision расходует один слот правок.
func (o *Order) RequestRevision(note string, now time.Time) error {
	if o.Status != valueobject.OrderStatusDelivered {
		return apperror.ErrInvalidTransition
	}
	if o.RevisionsUsed >= o.RevisionCount {
		return apperror.ErrRevisionLimitExceeded
	}
	if err := o.transition(valueobject.OrderStatusRevisionRequested, now); err != nil {
		return err
	}
	o.RevisionsUsed++
	note = strings.TrimSpace(note)
	o.RevisionNote = &note
	o.ResponseDeadline = nil
	return nil
}

func (o *Order) Complete(escrow valueobject.EscrowStatus, now time.Time) error {
	if err := o.transition(valueobject.OrderStatusCompleted, now); err != nil {
		return err
	}
	o.EscrowStatus = escrow
	o.CompletedAt = &now
	o.ResponseDeadline = nil
	return nil
}

func (o *Order) Cancel(reason string, now time.Time) error {
	if err := o.transition(valueobject.OrderStatusCancelled, now); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	o.CancelReason = &reason
	o.CancelledAt = &now
	o.EscrowStatus = valueobject.EscrowStatusRefunded
	return nil
}

// Decline закрывает заказ, захват оплаты по которому так и не подтвердился.
func (o *Order) Decline(now time.Time) error {
	if err := o.transition(valueobject.OrderStatusCancelled, now); err != nil {
		return err
	}
	reason := "платёж отклонён"
	o.CancelReason = &reason
	o.CancelledAt = &now
	o.EscrowStatus = valueobject.EscrowStatusDeclined
	return nil
}

func (o *Order) Refund(now time.Time) error {
	if err := o.transition(valueobject.OrderStatusRefunded, now); err != nil {
		return err
	}
	o.EscrowStatus = valueobject.EscrowStatusRefunded
	o.CancelledAt = &now
	o.ResponseDeadline = nil
	return nil
}

func (o *Order) Freeze(disputeID uuid.UUID, now time.Time) error {
	if o.IsTerminal() {
		return apperror.ErrOrderTerminal
	}
	if o.IsFrozen() {
		return apperror.ErrDisputeConflict
	}
	if !o.Status.In(valueobject.OrderStatusActive, valueobject.OrderStatusDelivered, valueobject.OrderStatusRevisionRequested) {
		return apperror.ErrInvalidTransition
	}
	o.DisputeID = &disputeID
	o.EscrowStatus = valueobject.EscrowStatusFrozen
	o.ResponseDeadline = nil
	o.UpdatedAt = now
	return nil
}

func (o *Order) Clone() *Order {
	c := *o
	c.Deliverables = append([]Payload(nil), o.Deliverables...)
	c.PendingParams = append(json.RawMessage(nil), o.PendingParams...)
	return &c
}
