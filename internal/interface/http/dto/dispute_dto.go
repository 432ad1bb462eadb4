package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
)

type OpenDisputeRequest struct {
	Reason      string       `json:"reason" binding:"required"`
	Description string       `json:"description" binding:"required"`
	Evidence    []PayloadDTO `json:"evidence" binding:"dive"`
}

// ResolveDisputeRequest SplitAmount валовая доля исполнителя, только для outcome=split.
type ResolveDisputeRequest struct {
	Outcome     string           `json:"outcome" binding:"required,oneof=release_to_seller refund_to_buyer split"`
	Note        string           `json:"note" binding:"required"`
	SplitAmount *decimal.Decimal `json:"split_amount"`
}

type DisputeResponse struct {
	ID             uuid.UUID         `json:"id"`
	OrderID        uuid.UUID         `json:"order_id"`
	OpenedBy       uuid.UUID         `json:"opened_by"`
	OpenerRole     string            `json:"opener_role"`
	Reason         string            `json:"reason"`
	Description    string            `json:"description"`
	Evidence       []PayloadResponse `json:"evidence"`
	Status         string            `json:"status"`
	Outcome        *string           `json:"outcome,omitempty"`
	SplitAmount    *decimal.Decimal  `json:"split_amount,omitempty"`
	ResolvedBy     *uuid.UUID        `json:"resolved_by,omitempty"`
	ResolutionNote *string           `json:"resolution_note,omitempty"`
	OpenedAt       time.Time         `json:"opened_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

func ToDisputeResponse(d *entity.Dispute) DisputeResponse {
	resp := DisputeResponse{
		ID:             d.ID,
		OrderID:        d.OrderID,
		OpenedBy:       d.OpenedBy,
		OpenerRole:     string(d.OpenerRole),
		Reason:         string(d.Reason),
		Description:    d.Description,
		Evidence:       toPayloadResponses(d.Evidence),
		Status:         string(d.Status),
		SplitAmount:    d.SplitAmount,
		ResolvedBy:     d.ResolvedBy,
		ResolutionNote: d.ResolutionNote,
		OpenedAt:       d.OpenedAt,
		UpdatedAt:      d.UpdatedAt,
		ResolvedAt:     d.ResolvedAt,
	}
	if d.Outcome != nil {
		outcome := string(*d.Outcome)
		resp.Outcome = &outcome
	}
	return resp
}

func ToDisputeResponses(items []*entity.Dispute) []DisputeResponse {
	out := make([]DisputeResponse, 0, len(items))
	for _, d := range items {
		out = append(out, ToDisputeResponse(d))
	}
	return out
}

// ResolutionResponse итог разрешения спора вместе с новым состоянием заказа.
type ResolutionResponse struct {
	Dispute DisputeResponse `json:"dispute"`
	Order   OrderResponse   `json:"order"`
}
