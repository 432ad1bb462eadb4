package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
)

// CreateOrderRequest цена и комиссия уже посчитаны на стороне каталога.
// BuyerID указывает только системный вызов (checkout), покупатель создаёт заказ на себя.
type CreateOrderRequest struct {
	Type             string             `json:"type" binding:"required,oneof=gig bid quote"`
	BuyerID          *uuid.UUID         `json:"buyer_id"`
	SellerID         uuid.UUID          `json:"seller_id" binding:"required"`
	Amount           decimal.Decimal    `json:"amount"`
	PlatformFee      decimal.Decimal    `json:"platform_fee"`
	Currency         string             `json:"currency" binding:"required,len=3"`
	Terms            string             `json:"terms"`
	DeliveryDeadline *time.Time         `json:"delivery_deadline"`
	RevisionCount    int                `json:"revision_count" binding:"min=0"`
	Milestones       []MilestoneRequest `json:"milestones" binding:"dive"`
}

type MilestoneRequest struct {
	Title   string          `json:"title" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	DueDate *time.Time      `json:"due_date"`
}

func (r CreateOrderRequest) MilestoneInputs() []entity.MilestoneInput {
	if len(r.Milestones) == 0 {
		return nil
	}
	out := make([]entity.MilestoneInput, 0, len(r.Milestones))
	for _, m := range r.Milestones {
		out = append(out, entity.MilestoneInput{Title: m.Title, Amount: m.Amount, DueDate: m.DueDate})
	}
	return out
}

type DeliverRequest struct {
	Deliverables []PayloadDTO `json:"deliverables" binding:"required,min=1,dive"`
}

type RevisionRequest struct {
	Note string `json:"note" binding:"required"`
}

type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// MilestoneDeliverRequest сдача этапа; идентификатор этапа берётся из пути.
type MilestoneDeliverRequest struct {
	Deliverables []PayloadDTO `json:"deliverables" binding:"required,min=1,dive"`
}

// PayloadDTO Data передаётся в base64, как принято для []byte в encoding/json.
type PayloadDTO struct {
	Ref  string `json:"ref" binding:"required"`
	Name string `json:"name"`
	Data []byte `json:"data,omitempty"`
}

func ToPayloadInputs(items []PayloadDTO) []entity.PayloadInput {
	out := make([]entity.PayloadInput, 0, len(items))
	for _, p := range items {
		out = append(out, entity.PayloadInput{Ref: p.Ref, Name: p.Name, Data: p.Data})
	}
	return out
}

type PayloadResponse struct {
	Ref         string `json:"ref"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

func toPayloadResponses(items []entity.Payload) []PayloadResponse {
	out := make([]PayloadResponse, 0, len(items))
	for _, p := range items {
		out = append(out, PayloadResponse{Ref: p.Ref, Name: p.Name, ContentType: p.ContentType, Size: len(p.Data)})
	}
	return out
}

type OrderResponse struct {
	ID                 uuid.UUID           `json:"id"`
	OrderNumber        string              `json:"order_number"`
	Type               string              `json:"type"`
	BuyerID            uuid.UUID           `json:"buyer_id"`
	SellerID           uuid.UUID           `json:"seller_id"`
	Amount             decimal.Decimal     `json:"amount"`
	PlatformFee        decimal.Decimal     `json:"platform_fee"`
	FreelancerEarnings decimal.Decimal     `json:"freelancer_earnings"`
	Currency           string              `json:"currency"`
	Terms              string              `json:"terms,omitempty"`
	DeliveryDeadline   *time.Time          `json:"delivery_deadline,omitempty"`
	RevisionCount      int                 `json:"revision_count"`
	RevisionsUsed      int                 `json:"revisions_used"`
	RevisionNote       *string             `json:"revision_note,omitempty"`
	Status             string              `json:"status"`
	EffectiveStatus    string              `json:"effective_status"`
	EscrowStatus       string              `json:"escrow_status"`
	DisputeID          *uuid.UUID          `json:"dispute_id,omitempty"`
	ResponseDeadline   *time.Time          `json:"response_deadline,omitempty"`
	Deliverables       []PayloadResponse   `json:"deliverables"`
	PendingTransition  *string             `json:"pending_transition,omitempty"`
	Version            int64               `json:"version"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	DeliveredAt        *time.Time          `json:"delivered_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	CancelledAt        *time.Time          `json:"cancelled_at,omitempty"`
	CancelReason       *string             `json:"cancel_reason,omitempty"`
	Milestones         []MilestoneResponse `json:"milestones,omitempty"`
}

type MilestoneResponse struct {
	ID           uuid.UUID         `json:"id"`
	Position     int               `json:"position"`
	Title        string            `json:"title"`
	Amount       decimal.Decimal   `json:"amount"`
	PlatformFee  decimal.Decimal   `json:"platform_fee"`
	DueDate      *time.Time        `json:"due_date,omitempty"`
	Status       string            `json:"status"`
	Deliverables []PayloadResponse `json:"deliverables"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
	ApprovedAt   *time.Time        `json:"approved_at,omitempty"`
}

func ToOrderResponse(o *entity.Order) OrderResponse {
	return OrderResponse{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		Type:               string(o.Type),
		BuyerID:            o.BuyerID,
		SellerID:           o.SellerID,
		Amount:             o.Amount,
		PlatformFee:        o.PlatformFee,
		FreelancerEarnings: o.FreelancerEarnings,
		Currency:           o.Currency,
		Terms:              o.Terms,
		DeliveryDeadline:   o.DeliveryDeadline,
		RevisionCount:      o.RevisionCount,
		RevisionsUsed:      o.RevisionsUsed,
		RevisionNote:       o.RevisionNote,
		Status:             string(o.Status),
		EffectiveStatus:    string(o.EffectiveStatus()),
		EscrowStatus:       string(o.EscrowStatus),
		DisputeID:          o.DisputeID,
		ResponseDeadline:   o.ResponseDeadline,
		Deliverables:       toPayloadResponses(o.Deliverables),
		PendingTransition:  o.PendingTransition,
		Version:            o.Version,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
		DeliveredAt:        o.DeliveredAt,
		CompletedAt:        o.CompletedAt,
		CancelledAt:        o.CancelledAt,
		CancelReason:       o.CancelReason,
	}
}

func ToOrderView(v *order.View) OrderResponse {
	resp := ToOrderResponse(v.Order)
	for _, m := range v.Milestones {
		resp.Milestones = append(resp.Milestones, MilestoneResponse{
			ID:           m.ID,
			Position:     m.Position,
			Title:        m.Title,
			Amount:       m.Amount,
			PlatformFee:  m.PlatformFee,
			DueDate:      m.DueDate,
			Status:       string(m.Status),
			Deliverables: toPayloadResponses(m.Deliverables),
			DeliveredAt:  m.DeliveredAt,
			ApprovedAt:   m.ApprovedAt,
		})
	}
	return resp
}

type LedgerEntryResponse struct {
	ID           uuid.UUID       `json:"id"`
	Sequence     int64           `json:"sequence"`
	MilestoneID  *uuid.UUID      `json:"milestone_id,omitempty"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	PayerID      uuid.UUID       `json:"payer_id"`
	PayeeID      uuid.UUID       `json:"payee_id"`
	ProcessorRef *string         `json:"processor_ref,omitempty"`
	Status       string          `json:"status"`
	Compensates  *uuid.UUID      `json:"compensates,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func ToLedgerResponses(entries []*entity.LedgerEntry) []LedgerEntryResponse {
	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryResponse{
			ID:           e.ID,
			Sequence:     e.Sequence,
			MilestoneID:  e.MilestoneID,
			Type:         string(e.Type),
			Amount:       e.Amount,
			Currency:     e.Currency,
			PayerID:      e.PayerID,
			PayeeID:      e.PayeeID,
			ProcessorRef: e.ProcessorRef,
			Status:       string(e.Status),
			Compensates:  e.Compensates,
			Note:         e.Note,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

type BalanceResponse struct {
	Currency string          `json:"currency"`
	Captured decimal.Decimal `json:"captured"`
	Released decimal.Decimal `json:"released"`
	Fees     decimal.Decimal `json:"fees"`
	Refunded decimal.Decimal `json:"refunded"`
	Held     decimal.Decimal `json:"held"`
}

func ToBalanceResponse(b entity.Balance) BalanceResponse {
	return BalanceResponse{
		Currency: b.Currency,
		Captured: b.Captured,
		Released: b.Released,
		Fees:     b.Fees,
		Refunded: b.Refunded,
		Held:     b.Held(),
	}
}
