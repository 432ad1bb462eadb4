package events

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// UserBroadcaster отправка сообщения всем открытым соединениям пользователя.
type UserBroadcaster interface {
	BroadcastToUser(userID uuid.UUID, event string, data any) error
}

// BroadcastPublisher пушит событие обеим сторонам заказа через WebSocket.
type BroadcastPublisher struct {
	hub UserBroadcaster
}

func NewBroadcastPublisher(hub UserBroadcaster) *BroadcastPublisher {
	return &BroadcastPublisher{hub: hub}
}

func (p *BroadcastPublisher) Publish(_ context.Context, event Event) error {
	return errors.Join(
		p.hub.BroadcastToUser(event.BuyerID, string(event.Type), event),
		p.hub.BroadcastToUser(event.SellerID, string(event.Type), event),
	)
}

func (p *BroadcastPublisher) Close() error { return nil }
