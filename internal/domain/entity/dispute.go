package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

const maxDisputeDescription = 5000

type Dispute struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	OpenedBy       uuid.UUID
	OpenerRole     valueobject.Role
	Reason         valueobject.ReasonCategory
	Description    string
	Evidence       []Payload
	Status         valueobject.DisputeStatus
	Outcome        *valueobject.DisputeOutcome
	SplitAmount    *decimal.Decimal
	ResolvedBy     *uuid.UUID
	ResolutionNote *string
	OpenedAt       time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

func NewDispute(orderID uuid.UUID, actor Actor, reason valueobject.ReasonCategory, description string, evidence []Payload, now time.Time) (*Dispute, error) {
	if !reason.IsValid() {
		return nil, apperror.New(apperror.ErrCodeValidation, "неизвестная причина спора")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "опишите суть спора")
	}
	if len([]rune(description)) > maxDisputeDescription {
		return nil, apperror.New(apperror.ErrCodeValidation, "описание спора слишком длинное")
	}
	return &Dispute{
		ID:          uuid.New(),
		OrderID:     orderID,
		OpenedBy:    actor.UserID,
		OpenerRole:  actor.Role,
		Reason:      reason,
		Description: description,
		Evidence:    evidence,
		Status:      valueobject.DisputeStatusOpen,
		OpenedAt:    now,
		UpdatedAt:   now,
	}, nil
}

func (d *Dispute) MoveTo(status valueobject.DisputeStatus, now time.Time) error {
	if !d.Status.CanTransitionTo(status) {
		return apperror.New(apperror.ErrCodeValidation, "спор нельзя перевести в этот статус")
	}
	d.Status = status
	d.UpdatedAt = now
	return nil
}

func (d *Dispute) Resolve(arbiterID uuid.UUID, outcome valueobject.DisputeOutcome, note string, split *decimal.Decimal, now time.Time) error {
	if err := d.MoveTo(valueobject.DisputeStatusResolved, now); err != nil {
		return err
	}
	note = strings.TrimSpace(note)
	d.Outcome = &outcome
	d.SplitAmount = split
	d.ResolvedBy = &arbiterID
	d.ResolutionNote = &note
	d.ResolvedAt = &now
	return nil
}

func (d *Dispute) Clone() *Dispute {
	c := *d
	c.Evidence = append([]Payload(nil), d.Evidence...)
	return &c
}
