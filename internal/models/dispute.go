package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type Dispute struct {
	ID             uuid.UUID           `db:"id"`
	OrderID        uuid.UUID           `db:"order_id"`
	OpenedBy       uuid.UUID           `db:"opened_by"`
	OpenerRole     string              `db:"opener_role"`
	Reason         string              `db:"reason"`
	Description    string              `db:"description"`
	Evidence       types.JSONText      `db:"evidence"`
	Status         string              `db:"status"`
	Outcome        *string             `db:"outcome"`
	SplitAmount    decimal.NullDecimal `db:"split_amount"`
	ResolvedBy     *uuid.UUID          `db:"resolved_by"`
	ResolutionNote *string             `db:"resolution_note"`
	OpenedAt       time.Time           `db:"opened_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
	ResolvedAt     *time.Time          `db:"resolved_at"`
}
