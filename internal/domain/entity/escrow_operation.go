package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

// EscrowOperation долговременная запись об обращении к процессору по одному ключу идемпотентности.
type EscrowOperation struct {
	IdempotencyKey string
	OrderID        uuid.UUID
	MilestoneID    *uuid.UUID
	Kind           valueobject.OperationKind
	Transition     string
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Currency       string
	PayerID        uuid.UUID
	PayeeID        uuid.UUID
	HoldRef        *string
	ProcessorRef   *string
	Status         valueobject.OperationStatus
	Retryable      bool
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
