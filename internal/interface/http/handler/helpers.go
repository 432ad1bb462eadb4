package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/http/middleware"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/response"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
)

// OrderService операции движка, доступные через HTTP.
type OrderService interface {
	Create(ctx context.Context, actor entity.Actor, in order.CreateInput) (*entity.Order, error)
	Execute(ctx context.Context, orderID uuid.UUID, actor entity.Actor, name string, params any) (*entity.Order, error)
	GetOrder(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (*order.View, error)
	ListLedger(ctx context.Context, actor entity.Actor, orderID uuid.UUID) ([]*entity.LedgerEntry, error)
	Balance(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (entity.Balance, error)
	Authorize(ctx context.Context, actor entity.Actor, orderID uuid.UUID) (*entity.Order, error)
}

// requestScope достаёт участника и идентификатор заказа; при ошибке ответ уже записан.
func requestScope(c *gin.Context) (entity.Actor, uuid.UUID, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "требуется авторизация")
		return entity.Actor{}, uuid.Nil, false
	}
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "некорректный ID заказа")
		return entity.Actor{}, uuid.Nil, false
	}
	return actor, orderID, true
}

// respondOrder при ожидании сверки или откате отдаёт заказ вместе с ошибкой.
func respondOrder(c *gin.Context, status int, o *entity.Order, err error) {
	if err != nil {
		if o != nil {
			response.WithData(c, dto.ToOrderResponse(o), err)
			return
		}
		response.Error(c, err)
		return
	}
	if status == http.StatusCreated {
		response.Created(c, dto.ToOrderResponse(o))
		return
	}
	response.Success(c, dto.ToOrderResponse(o))
}
