package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/response"
	"github.com/ignatzorin/escrow-engine/internal/models"
)

type ReviewService interface {
	LeaveReview(ctx context.Context, actor entity.Actor, orderID uuid.UUID, rating int, comment *string) (*models.Review, error)
	ListOrderReviews(ctx context.Context, orderID uuid.UUID) ([]models.Review, error)
}

// OrderAuthorizer проверяет, что участник вправе видеть заказ.
type OrderAuthorizer interface {
	Authorize(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (*entity.Order, error)
}

type ReviewHandler struct {
	reviews ReviewService
	orders  OrderAuthorizer
}

func NewReviewHandler(reviews ReviewService, orders OrderAuthorizer) *ReviewHandler {
	return &ReviewHandler{reviews: reviews, orders: orders}
}

// CreateReview POST /orders/:id/reviews
func (h *ReviewHandler) CreateReview(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}

	var req dto.CreateReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "рейтинг должен быть от 1 до 5")
		return
	}

	review, err := h.reviews.LeaveReview(c.Request.Context(), actor, orderID, req.Rating, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, review)
}

// ListOrderReviews GET /orders/:id/reviews
func (h *ReviewHandler) ListOrderReviews(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}
	if _, err := h.orders.Authorize(c.Request.Context(), actor, orderID); err != nil {
		response.Error(c, err)
		return
	}

	reviews, err := h.reviews.ListOrderReviews(c.Request.Context(), orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if reviews == nil {
		reviews = []models.Review{}
	}
	response.Success(c, reviews)
}
