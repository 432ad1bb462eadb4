package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/models"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

const maxReviewComment = 2000

type ReviewRepository interface {
	Create(ctx context.Context, review *models.Review) error
	GetByOrderAndRole(ctx context.Context, orderID uuid.UUID, role string) (*models.Review, error)
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.Review, error)
}

type OrderFinder interface {
	FindOrder(ctx context.Context, orderID uuid.UUID) (*entity.Order, error)
}

type ReviewService struct {
	repo   ReviewRepository
	orders OrderFinder
}

func NewReviewService(repo ReviewRepository, orders OrderFinder) *ReviewService {
	return &ReviewService{repo: repo, orders: orders}
}

var (
	ErrInvalidRating    = apperror.New(apperror.ErrCodeValidation, "рейтинг должен быть от 1 до 5")
	ErrReviewNotAllowed = apperror.New(apperror.ErrCodeValidation, "отзыв можно оставить только после завершения заказа")
	ErrAlreadyReviewed  = apperror.New(apperror.ErrCodeConflict, "вы уже оставили отзыв на этот заказ")
)

// LeaveReview покупатель оценивает исполнителя, исполнитель покупателя. Отзыв публикуется сразу и не меняется.
func (s *ReviewService) LeaveReview(ctx context.Context, actor entity.Actor, orderID uuid.UUID, rating int, comment *string) (*models.Review, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	if comment != nil {
		trimmed := strings.TrimSpace(*comment)
		if len([]rune(trimmed)) > maxReviewComment {
			return nil, apperror.New(apperror.ErrCodeValidation, "комментарий слишком длинный")
		}
		comment = &trimmed
	}

	order, err := s.orders.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	role, ok := order.PartyRole(actor.UserID)
	if !ok || role != actor.Role {
		return nil, apperror.ErrForbidden
	}
	if order.Status != valueobject.OrderStatusCompleted {
		return nil, ErrReviewNotAllowed
	}

	// Проверяем, не оставлял ли уже отзыв
	existing, err := s.repo.GetByOrderAndRole(ctx, orderID, string(role))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось проверить отзыв")
	}
	if existing != nil {
		return nil, ErrAlreadyReviewed
	}

	review := &models.Review{
		OrderID:      orderID,
		ReviewerID:   actor.UserID,
		ReviewerRole: string(role),
		RevieweeID:   order.Counterparty(role),
		Rating:       rating,
		Comment:      comment,
	}
	if err := s.repo.Create(ctx, review); err != nil {
		if errors.Is(err, repository.ErrReviewExists) {
			return nil, ErrAlreadyReviewed
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить отзыв")
	}
	return review, nil
}

// ListOrderReviews возвращает отзывы по заказу.
func (s *ReviewService) ListOrderReviews(ctx context.Context, orderID uuid.UUID) ([]models.Review, error) {
	reviews, err := s.repo.ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить отзывы")
	}
	return reviews, nil
}
