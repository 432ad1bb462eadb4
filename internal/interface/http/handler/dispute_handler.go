package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/response"
	"github.com/ignatzorin/escrow-engine/internal/usecase/dispute"
)

type DisputeService interface {
	Open(ctx context.Context, orderID uuid.UUID, actor entity.Actor, p dispute.OpenParams) (*entity.Dispute, error)
	Review(ctx context.Context, orderID uuid.UUID, arbiter entity.Actor) (*entity.Dispute, error)
	Escalate(ctx context.Context, orderID uuid.UUID, arbiter entity.Actor) (*entity.Dispute, error)
	Resolve(ctx context.Context, orderID uuid.UUID, arbiter entity.Actor, p dispute.ResolveParams) (*entity.Dispute, *entity.Order, error)
	List(ctx context.Context, actor entity.Actor, orderID uuid.UUID) ([]*entity.Dispute, error)
}

var _ DisputeService = (*dispute.Resolver)(nil)

type DisputeHandler struct {
	disputes DisputeService
}

func NewDisputeHandler(disputes DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

// OpenDispute POST /orders/:id/disputes
func (h *DisputeHandler) OpenDispute(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}
	var req dto.OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "укажите причину и описание спора")
		return
	}

	d, err := h.disputes.Open(c.Request.Context(), orderID, actor, dispute.OpenParams{
		Reason:      valueobject.ReasonCategory(req.Reason),
		Description: req.Description,
		Evidence:    dto.ToPayloadInputs(req.Evidence),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.ToDisputeResponse(d))
}

// ListDisputes GET /orders/:id/disputes
func (h *DisputeHandler) ListDisputes(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}
	items, err := h.disputes.List(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToDisputeResponses(items))
}

// ReviewDispute POST /orders/:id/disputes/review
func (h *DisputeHandler) ReviewDispute(c *gin.Context) {
	h.move(c, h.disputes.Review)
}

// EscalateDispute POST /orders/:id/disputes/escalate
func (h *DisputeHandler) EscalateDispute(c *gin.Context) {
	h.move(c, h.disputes.Escalate)
}

func (h *DisputeHandler) move(c *gin.Context, fn func(context.Context, uuid.UUID, entity.Actor) (*entity.Dispute, error)) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}
	d, err := fn(c.Request.Context(), orderID, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToDisputeResponse(d))
}

// ResolveDispute POST /orders/:id/disputes/resolve
func (h *DisputeHandler) ResolveDispute(c *gin.Context) {
	actor, orderID, ok := requestScope(c)
	if !ok {
		return
	}
	var req dto.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "укажите решение и комментарий арбитра")
		return
	}

	d, o, err := h.disputes.Resolve(c.Request.Context(), orderID, actor, dispute.ResolveParams{
		Outcome:     valueobject.DisputeOutcome(req.Outcome),
		Note:        req.Note,
		SplitAmount: req.SplitAmount,
	})
	if err != nil {
		if o != nil {
			response.WithData(c, dto.ToOrderResponse(o), err)
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ResolutionResponse{
		Dispute: dto.ToDisputeResponse(d),
		Order:   dto.ToOrderResponse(o),
	})
}
