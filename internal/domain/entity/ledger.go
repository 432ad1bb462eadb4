package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

// LedgerEntry неизменяемая запись об одном движении денег.
type LedgerEntry struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	MilestoneID    *uuid.UUID
	Sequence       int64
	Type           valueobject.LedgerEntryType
	Amount         decimal.Decimal
	Currency       string
	PayerID        uuid.UUID
	PayeeID        uuid.UUID
	ProcessorRef   *string
	IdempotencyKey string
	Status         valueobject.LedgerStatus
	Compensates    *uuid.UUID
	Note           string
	CreatedAt      time.Time
}

// Balance сводка по удержанию заказа, посчитанная только по завершённым записям.
type Balance struct {
	Currency string
	Captured decimal.Decimal
	Released decimal.Decimal
	Fees     decimal.Decimal
	Refunded decimal.Decimal
}

// Held остаток на удержании.
func (b Balance) Held() decimal.Decimal {
	return b.Captured.Sub(b.Released).Sub(b.Fees).Sub(b.Refunded)
}

// Outgoing всё, что уже покинуло удержание.
func (b Balance) Outgoing() decimal.Decimal {
	return b.Released.Add(b.Fees).Add(b.Refunded)
}

// BalanceOf сворачивает записи журнала в баланс.
func BalanceOf(currency string, entries []*LedgerEntry) Balance {
	b := Balance{Currency: currency}
	for _, e := range entries {
		if e.Status != valueobject.LedgerStatusCompleted {
			continue
		}
		switch e.Type {
		case valueobject.LedgerPaymentIn:
			b.Captured = b.Captured.Add(e.Amount)
		case valueobject.LedgerPayout:
			b.Released = b.Released.Add(e.Amount)
		case valueobject.LedgerPlatformFee:
			b.Fees = b.Fees.Add(e.Amount)
		case valueobject.LedgerRefund:
			b.Refunded = b.Refunded.Add(e.Amount)
		}
	}
	return b
}
