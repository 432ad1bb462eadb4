// Package processor описывает контракт внешнего платёжного процессора.
// Все вызовы идемпотентны по ключу: повтор с тем же ключом не создаёт второго движения денег.
package processor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrDeclined окончательный отказ, повторять бессмысленно.
	ErrDeclined = errors.New("processor: operation declined")
	// ErrUnavailable временная ошибка, операцию можно повторить с тем же ключом.
	ErrUnavailable = errors.New("processor: temporarily unavailable")
	// ErrUnknownKey процессор не видел операцию с таким ключом.
	ErrUnknownKey = errors.New("processor: unknown idempotency key")
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

type Result struct {
	Ref              string `json:"ref"`
	Status           Status `json:"status"`
	AlreadyProcessed bool   `json:"already_processed"`
	Reason           string `json:"reason,omitempty"`
}

type CaptureRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OrderID        uuid.UUID       `json:"order_id"`
	PayerID        uuid.UUID       `json:"payer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// TransferRequest выплата исполнителю из удержания. Fee остаётся площадке.
type TransferRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	HoldRef        string          `json:"hold_ref"`
	PayeeID        uuid.UUID       `json:"payee_id"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Currency       string          `json:"currency"`
}

type RefundRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	HoldRef        string          `json:"hold_ref"`
	PayerID        uuid.UUID       `json:"payer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

type Processor interface {
	Capture(ctx context.Context, req CaptureRequest) (Result, error)
	Transfer(ctx context.Context, req TransferRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
	Lookup(ctx context.Context, idempotencyKey string) (Result, error)
}
