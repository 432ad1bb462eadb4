package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	domain "github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/models"
)

type ReviewRepository struct {
	db *sqlx.DB
}

func NewReviewRepository(db *sqlx.DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Create создаёт отзыв. Повтор по (order_id, reviewer_role) возвращает ErrReviewExists.
func (r *ReviewRepository) Create(ctx context.Context, review *models.Review) error {
	query := `
		INSERT INTO reviews (order_id, reviewer_id, reviewer_role, reviewee_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		review.OrderID, review.ReviewerID, review.ReviewerRole, review.RevieweeID, review.Rating, review.Comment,
	).Scan(&review.ID, &review.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrReviewExists
		}
		return fmt.Errorf("review repository: create %w", err)
	}
	return nil
}

// GetByOrderAndRole проверяет, оставляла ли сторона отзыв на заказ.
func (r *ReviewRepository) GetByOrderAndRole(ctx context.Context, orderID uuid.UUID, role string) (*models.Review, error) {
	var review models.Review
	err := r.db.GetContext(ctx, &review, `SELECT * FROM reviews WHERE order_id = $1 AND reviewer_role = $2`, orderID, role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &review, nil
}

// ListByOrderID возвращает отзывы по заказу.
func (r *ReviewRepository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.Review, error) {
	var reviews []models.Review
	err := r.db.SelectContext(ctx, &reviews, `SELECT * FROM reviews WHERE order_id = $1 ORDER BY created_at`, orderID)
	return reviews, err
}
