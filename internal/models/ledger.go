package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntry строка append-only таблицы ledger_entries.
type LedgerEntry struct {
	ID             uuid.UUID       `db:"id"`
	OrderID        uuid.UUID       `db:"order_id"`
	MilestoneID    *uuid.UUID      `db:"milestone_id"`
	Sequence       int64           `db:"sequence"`
	Type           string          `db:"type"`
	Amount         decimal.Decimal `db:"amount"`
	Currency       string          `db:"currency"`
	PayerID        uuid.UUID       `db:"payer_id"`
	PayeeID        uuid.UUID       `db:"payee_id"`
	ProcessorRef   *string         `db:"processor_ref"`
	IdempotencyKey string          `db:"idempotency_key"`
	Status         string          `db:"status"`
	Compensates    *uuid.UUID      `db:"compensates"`
	Note           string          `db:"note"`
	CreatedAt      time.Time       `db:"created_at"`
}

// EscrowOperation строка таблицы escrow_operations.
type EscrowOperation struct {
	IdempotencyKey string          `db:"idempotency_key"`
	OrderID        uuid.UUID       `db:"order_id"`
	MilestoneID    *uuid.UUID      `db:"milestone_id"`
	Kind           string          `db:"kind"`
	Transition     string          `db:"transition"`
	Amount         decimal.Decimal `db:"amount"`
	Fee            decimal.Decimal `db:"fee"`
	Currency       string          `db:"currency"`
	PayerID        uuid.UUID       `db:"payer_id"`
	PayeeID        uuid.UUID       `db:"payee_id"`
	HoldRef        *string         `db:"hold_ref"`
	ProcessorRef   *string         `db:"processor_ref"`
	Status         string          `db:"status"`
	Retryable      bool            `db:"retryable"`
	Attempts       int             `db:"attempts"`
	LastError      *string         `db:"last_error"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}
