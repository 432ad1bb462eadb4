package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/http/middleware"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/response"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
)

type OrderHandler struct {
	orders OrderService
}

func NewOrderHandler(orders OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// CreateOrder POST /orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "требуется авторизация")
		return
	}

	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}

	buyerID := actor.UserID
	switch actor.Role {
	case valueobject.RoleBuyer:
		if req.BuyerID != nil && *req.BuyerID != actor.UserID {
			response.Forbidden(c, "нельзя создать заказ за другого покупателя")
			return
		}
	case valueobject.RoleSystem:
		if req.BuyerID == nil {
			response.BadRequest(c, "buyer_id обязателен")
			return
		}
		buyerID = *req.BuyerID
	default:
		response.Forbidden(c, "создать заказ может только покупатель")
		return
	}

	o, err := h.orders.Create(c.Request.Context(), actor, order.CreateInput{
		Type:             valueobject.OrderType(req.Type),
		BuyerID:          buyerID,
		SellerID:         req.SellerID,
		Amount:           req.Amount,
		PlatformFee:      req.PlatformFee,
		Currency:         req.Currency,
		Terms:            req.Terms,
		DeliveryDeadline: req.DeliveryDeadline,
		RevisionCount:    req.RevisionCount,
		Milestones:       req.MilestoneInputs(),
	})
	respondOrder(c, http.StatusCreated, o, err)
}

// GetOrder GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}

	view, err := h.orders.GetOrder(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToOrderView(view))
}

// ListLedger GET /orders/:id/ledger
func (h *OrderHandler) ListLedger(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}

	entries, err := h.orders.ListLedger(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToLedgerResponses(entries))
}

// Balance GET /orders/:id/balance
func (h *OrderHandler) Balance(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}

	b, err := h.orders.Balance(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToBalanceResponse(b))
}

// Deliver POST /orders/:id/deliver
func (h *OrderHandler) Deliver(c *gin.Context) {
	h.execute(c, order.TransitionDeliver, func() (any, string) {
		var req dto.DeliverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, "нужна хотя бы одна ссылка на результат"
		}
		return order.DeliverParams{Deliverables: dto.ToPayloadInputs(req.Deliverables)}, ""
	})
}

// RequestRevision POST /orders/:id/revisions
func (h *OrderHandler) RequestRevision(c *gin.Context) {
	h.execute(c, order.TransitionRequestRevision, func() (any, string) {
		var req dto.RevisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, "опишите, что нужно исправить"
		}
		return order.RevisionParams{Note: req.Note}, ""
	})
}

// Approve POST /orders/:id/approve
func (h *OrderHandler) Approve(c *gin.Context) {
	h.execute(c, order.TransitionApprove, nil)
}

// Cancel POST /orders/:id/cancel
func (h *OrderHandler) Cancel(c *gin.Context) {
	h.execute(c, order.TransitionCancel, func() (any, string) {
		var req dto.CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, "укажите причину отмены"
		}
		return order.CancelParams{Reason: req.Reason}, ""
	})
}

// DeliverMilestone POST /orders/:id/milestones/:milestoneId/deliver
func (h *OrderHandler) DeliverMilestone(c *gin.Context) {
	h.execute(c, order.TransitionDeliverMilestone, func() (any, string) {
		milestoneID, err := uuid.Parse(c.Param("milestoneId"))
		if err != nil {
			return nil, "некорректный ID этапа"
		}
		var req dto.MilestoneDeliverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, "нужна хотя бы одна ссылка на результат этапа"
		}
		return order.MilestoneParams{MilestoneID: milestoneID, Deliverables: dto.ToPayloadInputs(req.Deliverables)}, ""
	})
}

// ApproveMilestone POST /orders/:id/milestones/:milestoneId/approve
func (h *OrderHandler) ApproveMilestone(c *gin.Context) {
	h.execute(c, order.TransitionApproveMilestone, func() (any, string) {
		milestoneID, err := uuid.Parse(c.Param("milestoneId"))
		if err != nil {
			return nil, "некорректный ID этапа"
		}
		return order.MilestoneParams{MilestoneID: milestoneID}, ""
	})
}

// execute bind разбирает тело запроса; непустая строка означает ошибку ввода.
func (h *OrderHandler) execute(c *gin.Context, transition string, bind func() (any, string)) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}
	var params any
	if bind != nil {
		var problem string
		if params, problem = bind(); problem != "" {
			response.BadRequest(c, problem)
			return
		}
	}
	o, err := h.orders.Execute(c.Request.Context(), orderID, actor, transition, params)
	respondOrder(c, http.StatusOK, o, err)
}

var _ OrderService = (*order.Engine)(nil)
