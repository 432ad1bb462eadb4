package models

import (
	"time"

	"github.com/google/uuid"
)

// Review отзыв одной стороны заказа о другой. Один на пару (заказ, роль автора).
type Review struct {
	ID           uuid.UUID `db:"id" json:"id"`
	OrderID      uuid.UUID `db:"order_id" json:"order_id"`
	ReviewerID   uuid.UUID `db:"reviewer_id" json:"reviewer_id"`
	ReviewerRole string    `db:"reviewer_role" json:"reviewer_role"`
	RevieweeID   uuid.UUID `db:"reviewee_id" json:"reviewee_id"`
	Rating       int       `db:"rating" json:"rating"`
	Comment      *string   `db:"comment" json:"comment,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
