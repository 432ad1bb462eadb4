package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

type Milestone struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	Position     int
	Title        string
	Amount       decimal.Decimal
	PlatformFee  decimal.Decimal
	DueDate      *time.Time
	Status       valueobject.MilestoneStatus
	Deliverables []Payload
	PayoutRef    *string
	DeliveredAt  *time.Time
	ApprovedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type MilestoneInput struct {
	Title   string
	Amount  decimal.Decimal
	DueDate *time.Time
}

// BuildMilestones раскладывает заказ на этапы. Сумма этапов обязана совпасть с суммой
// заказа, а доли комиссии делятся пропорционально с остатком на последнем этапе.
func BuildMilestones(order *Order, inputs []MilestoneInput, now time.Time) ([]*Milestone, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	total := decimal.Zero
	amounts := make([]decimal.Decimal, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return nil, apperror.New(apperror.ErrCodeValidation, "у этапа должно быть название")
		}
		if !in.Amount.IsPositive() {
			return nil, apperror.New(apperror.ErrCodeValidation, "сумма этапа должна быть положительной")
		}
		if _, err := valueobject.NewMoney(in.Amount, order.Currency); err != nil {
			return nil, err
		}
		amounts[i] = in.Amount
		total = total.Add(in.Amount)
	}
	if !total.Equal(order.Amount) {
		return nil, apperror.New(apperror.ErrCodeValidation, "сумма этапов должна совпадать с суммой заказа")
	}

	fees := valueobject.SplitFee(order.Amount, order.PlatformFee, amounts)
	milestones := make([]*Milestone, len(inputs))
	for i, in := range inputs {
		if fees[i].GreaterThan(in.Amount) {
			return nil, apperror.New(apperror.ErrCodeValidation, "комиссия этапа превышает его сумму")
		}
		milestones[i] = &Milestone{
			ID:          uuid.New(),
			OrderID:     order.ID,
			Position:    i + 1,
			Title:       strings.TrimSpace(in.Title),
			Amount:      in.Amount,
			PlatformFee: fees[i],
			DueDate:     in.DueDate,
			Status:      valueobject.MilestoneStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return milestones, nil
}

func (m *Milestone) Net() decimal.Decimal {
	return m.Amount.Sub(m.PlatformFee)
}

func (m *Milestone) Deliver(deliverables []Payload, now time.Time) error {
	if len(deliverables) == 0 {
		return apperror.New(apperror.ErrCodeValidation, "нужно приложить хотя бы один результат работы")
	}
	if m.Status != valueobject.MilestoneStatusPending && m.Status != valueobject.MilestoneStatusDelivered {
		return apperror.New(apperror.ErrCodeValidation, "этап нельзя сдать в текущем статусе")
	}
	m.Status = valueobject.MilestoneStatusDelivered
	m.Deliverables = append(m.Deliverables, deliverables...)
	m.DeliveredAt = &now
	m.UpdatedAt = now
	return nil
}

func (m *Milestone) Approve(payoutRef string, now time.Time) error {
	if m.Status != valueobject.MilestoneStatusDelivered {
		return apperror.New(apperror.ErrCodeValidation, "этап ещё не сдан")
	}
	m.Status = valueobject.MilestoneStatusApproved
	m.PayoutRef = &payoutRef
	m.ApprovedAt = &now
	m.UpdatedAt = now
	return nil
}

// Settle закрывает неоплаченный этап вместе с заказом.
func (m *Milestone) Settle(status valueobject.MilestoneStatus, ref *string, now time.Time) {
	if m.Status.IsPaid() {
		return
	}
	m.Status = status
	m.PayoutRef = ref
	m.UpdatedAt = now
}

// CheckSequence проверяет, что все предыдущие этапы уже оплачены.
func CheckSequence(milestones []*Milestone, target *Milestone) error {
	for _, m := range milestones {
		if m.Position < target.Position && !m.Status.IsPaid() {
			return apperror.New(apperror.ErrCodeValidation, "предыдущий этап ещё не принят")
		}
	}
	return nil
}

func FindMilestone(milestones []*Milestone, id uuid.UUID) (*Milestone, error) {
	for _, m := range milestones {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, apperror.ErrMilestoneNotFound
}

// AllPaid true, если каждый этап оплачен.
func AllPaid(milestones []*Milestone) bool {
	for _, m := range milestones {
		if !m.Status.IsPaid() {
			return false
		}
	}
	return len(milestones) > 0
}

func (m *Milestone) Clone() *Milestone {
	c := *m
	c.Deliverables = append([]Payload(nil), m.Deliverables...)
	return &c
}
