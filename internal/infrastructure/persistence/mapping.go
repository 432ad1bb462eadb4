package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/models"
)

func payloadsToJSON(items []entity.Payload) (types.JSONText, error) {
	if items == nil {
		items = []entity.Payload{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("persistence: marshal payloads: %w", err)
	}
	return types.JSONText(raw), nil
}

func payloadsFromJSON(raw types.JSONText) ([]entity.Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []entity.Payload
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal payloads: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

// jsonArg передаёт JSONB как текст; пустое значение превращается в NULL.
func jsonArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// limitArg: LIMIT NULL в PostgreSQL означает отсутствие ограничения.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

func orderFromModel(m *models.Order) (*entity.Order, error) {
	deliverables, err := payloadsFromJSON(m.Deliverables)
	if err != nil {
		return nil, err
	}
	o := &entity.Order{
		ID:                 m.ID,
		OrderNumber:        m.OrderNumber,
		Type:               valueobject.OrderType(m.Type),
		BuyerID:            m.BuyerID,
		SellerID:           m.SellerID,
		Amount:             m.Amount,
		PlatformFee:        m.PlatformFee,
		FreelancerEarnings: m.FreelancerEarnings,
		Currency:           m.Currency,
		Terms:              m.Terms,
		DeliveryDeadline:   m.DeliveryDeadline,
		RevisionCount:      m.RevisionCount,
		RevisionsUsed:      m.RevisionsUsed,
		RevisionNote:       m.RevisionNote,
		Status:             valueobject.OrderStatus(m.Status),
		EscrowStatus:       valueobject.EscrowStatus(m.EscrowStatus),
		HoldRef:            m.HoldRef,
		DisputeID:          m.DisputeID,
		ResponseDeadline:   m.ResponseDeadline,
		Deliverables:       deliverables,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		DeliveredAt:        m.DeliveredAt,
		CompletedAt:        m.CompletedAt,
		CancelledAt:        m.CancelledAt,
		CancelReason:       m.CancelReason,
		Version:            m.Version,
		LockOwner:          m.LockOwner,
		LockedUntil:        m.LockedUntil,
		PendingTransition:  m.PendingTransition,
	}
	if len(m.PendingParams) > 0 {
		o.PendingParams = json.RawMessage(m.PendingParams)
	}
	return o, nil
}

func milestoneFromModel(m *models.Milestone) (*entity.Milestone, error) {
	deliverables, err := payloadsFromJSON(m.Deliverables)
	if err != nil {
		return nil, err
	}
	return &entity.Milestone{
		ID:           m.ID,
		OrderID:      m.OrderID,
		Position:     m.Position,
		Title:        m.Title,
		Amount:       m.Amount,
		PlatformFee:  m.PlatformFee,
		DueDate:      m.DueDate,
		Status:       valueobject.MilestoneStatus(m.Status),
		Deliverables: deliverables,
		PayoutRef:    m.PayoutRef,
		DeliveredAt:  m.DeliveredAt,
		ApprovedAt:   m.ApprovedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func ledgerFromModel(m *models.LedgerEntry) *entity.LedgerEntry {
	return &entity.LedgerEntry{
		ID:             m.ID,
		OrderID:        m.OrderID,
		MilestoneID:    m.MilestoneID,
		Sequence:       m.Sequence,
		Type:           valueobject.LedgerEntryType(m.Type),
		Amount:         m.Amount,
		Currency:       m.Currency,
		PayerID:        m.PayerID,
		PayeeID:        m.PayeeID,
		ProcessorRef:   m.ProcessorRef,
		IdempotencyKey: m.IdempotencyKey,
		Status:         valueobject.LedgerStatus(m.Status),
		Compensates:    m.Compensates,
		Note:           m.Note,
		CreatedAt:      m.CreatedAt,
	}
}

func disputeFromModel(m *models.Dispute) (*entity.Dispute, error) {
	evidence, err := payloadsFromJSON(m.Evidence)
	if err != nil {
		return nil, err
	}
	d := &entity.Dispute{
		ID:             m.ID,
		OrderID:        m.OrderID,
		OpenedBy:       m.OpenedBy,
		OpenerRole:     valueobject.Role(m.OpenerRole),
		Reason:         valueobject.ReasonCategory(m.Reason),
		Description:    m.Description,
		Evidence:       evidence,
		Status:         valueobject.DisputeStatus(m.Status),
		ResolvedBy:     m.ResolvedBy,
		ResolutionNote: m.ResolutionNote,
		OpenedAt:       m.OpenedAt,
		UpdatedAt:      m.UpdatedAt,
		ResolvedAt:     m.ResolvedAt,
	}
	if m.Outcome != nil {
		outcome := valueobject.DisputeOutcome(*m.Outcome)
		d.Outcome = &outcome
	}
	if m.SplitAmount.Valid {
		split := m.SplitAmount.Decimal
		d.SplitAmount = &split
	}
	return d, nil
}

func splitArg(split *decimal.Decimal) decimal.NullDecimal {
	if split == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *split, Valid: true}
}

func outcomeArg(outcome *valueobject.DisputeOutcome) *string {
	if outcome == nil {
		return nil
	}
	s := string(*outcome)
	return &s
}

func operationFromModel(m *models.EscrowOperation) *entity.EscrowOperation {
	return &entity.EscrowOperation{
		IdempotencyKey: m.IdempotencyKey,
		OrderID:        m.OrderID,
		MilestoneID:    m.MilestoneID,
		Kind:           valueobject.OperationKind(m.Kind),
		Transition:     m.Transition,
		Amount:         m.Amount,
		Fee:            m.Fee,
		Currency:       m.Currency,
		PayerID:        m.PayerID,
		PayeeID:        m.PayeeID,
		HoldRef:        m.HoldRef,
		ProcessorRef:   m.ProcessorRef,
		Status:         valueobject.OperationStatus(m.Status),
		Retryable:      m.Retryable,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
