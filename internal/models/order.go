package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Order строка таблицы orders.
type Order struct {
	ID                 uuid.UUID       `db:"id"`
	OrderNumber        string          `db:"order_number"`
	Type               string          `db:"type"`
	BuyerID            uuid.UUID       `db:"buyer_id"`
	SellerID           uuid.UUID       `db:"seller_id"`
	Amount             decimal.Decimal `db:"amount"`
	PlatformFee        decimal.Decimal `db:"platform_fee"`
	FreelancerEarnings decimal.Decimal `db:"freelancer_earnings"`
	Currency           string          `db:"currency"`
	Terms              string          `db:"terms"`
	DeliveryDeadline   *time.Time      `db:"delivery_deadline"`
	RevisionCount      int             `db:"revision_count"`
	RevisionsUsed      int             `db:"revisions_used"`
	RevisionNote       *string         `db:"revision_note"`
	Status             string          `db:"status"`
	EscrowStatus       string          `db:"escrow_status"`
	HoldRef            *string         `db:"hold_ref"`
	DisputeID          *uuid.UUID      `db:"dispute_id"`
	ResponseDeadline   *time.Time      `db:"response_deadline"`
	Deliverables       types.JSONText  `db:"deliverables"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	DeliveredAt        *time.Time      `db:"delivered_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
	CancelledAt        *time.Time      `db:"cancelled_at"`
	CancelReason       *string         `db:"cancel_reason"`
	Version            int64           `db:"version"`
	LockOwner          *uuid.UUID      `db:"lock_owner"`
	LockedUntil        *time.Time      `db:"locked_until"`
	PendingTransition  *string         `db:"pending_transition"`
	PendingParams      []byte          `db:"pending_params"`
}

// Milestone строка таблицы milestones.
type Milestone struct {
	ID           uuid.UUID       `db:"id"`
	OrderID      uuid.UUID       `db:"order_id"`
	Position     int             `db:"position"`
	Title        string          `db:"title"`
	Amount       decimal.Decimal `db:"amount"`
	PlatformFee  decimal.Decimal `db:"platform_fee"`
	DueDate      *time.Time      `db:"due_date"`
	Status       string          `db:"status"`
	Deliverables types.JSONText  `db:"deliverables"`
	PayoutRef    *string         `db:"payout_ref"`
	DeliveredAt  *time.Time      `db:"delivered_at"`
	ApprovedAt   *time.Time      `db:"approved_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}
