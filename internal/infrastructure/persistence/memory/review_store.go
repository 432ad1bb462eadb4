package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/models"
)

type ReviewStore struct {
	s *state
}

func (r *ReviewStore) Create(ctx context.Context, review *models.Review) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.reviews {
		if existing.OrderID == review.OrderID && existing.ReviewerRole == review.ReviewerRole {
			return repository.ErrReviewExists
		}
	}
	if review.ID == uuid.Nil {
		review.ID = uuid.New()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	c := *review
	r.s.reviews = append(r.s.reviews, &c)
	return nil
}

func (r *ReviewStore) GetByOrderAndRole(ctx context.Context, orderID uuid.UUID, role string) (*models.Review, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.reviews {
		if existing.OrderID == orderID && existing.ReviewerRole == role {
			c := *existing
			return &c, nil
		}
	}
	return nil, nil
}

func (r *ReviewStore) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.Review, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []models.Review
	for _, existing := range r.s.reviews {
		if existing.OrderID == orderID {
			out = append(out, *existing)
		}
	}
	return out, nil
}
