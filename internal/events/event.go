// Package events доставляет типизированные события о заказах подписчикам:
// уведомлениям и подсистеме репутации.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	OrderCompleted      Type = "order.completed"
	OrderCancelled      Type = "order.cancelled"
	OrderRefunded       Type = "order.refunded"
	DisputeResolved     Type = "dispute.resolved"
	OrderReviewEligible Type = "order.review_eligible"
)

type Event struct {
	ID          uuid.UUID  `json:"event_id"`
	Type        Type       `json:"type"`
	OrderID     uuid.UUID  `json:"order_id"`
	OrderNumber string     `json:"order_number"`
	NewStatus   string     `json:"new_status"`
	BuyerID     uuid.UUID  `json:"buyer_id"`
	SellerID    uuid.UUID  `json:"seller_id"`
	DisputeID   *uuid.UUID `json:"dispute_id,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Publisher отправляет событие. Ошибка публикации не откатывает переход заказа.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi рассылает событие всем публикаторам и собирает их ошибки.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder запоминает опубликованные события; удобен в тестах и для отладки.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types типы событий в порядке публикации.
func (r *Recorder) Types() []Type {
	var out []Type
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}
