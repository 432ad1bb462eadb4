package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-engine/internal/config"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/http/middleware"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/handler"
)

// Handlers всё, что монтируется в роутер.
type Handlers struct {
	Order   *handler.OrderHandler
	Dispute *handler.DisputeHandler
	Review  *handler.ReviewHandler
	Health  *handler.HealthHandler
	WS      *handler.WSHandler
	Metrics http.Handler
}

func SetupRouter(cfg *config.Config, h Handlers, tokens middleware.AccessTokenParser) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))

	if h.WS != nil {
		api.GET("/ws", h.WS.Handle)
	}

	// Вложения передаются в JSON (base64), поэтому лимит тела больше лимита одного вложения.
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokens))
	protected.Use(middleware.BodyLimit(int64(cfg.MaxPayloadBytes) * 4))
	{
		protected.POST("/orders", h.Order.CreateOrder)

		orders := protected.Group("/orders/:id")
		orders.Use(middleware.UUIDValidator("id"))
		{
			orders.GET("", h.Order.GetOrder)
			orders.GET("/ledger", h.Order.ListLedger)
			orders.GET("/balance", h.Order.Balance)

			orders.POST("/deliver", h.Order.Deliver)
			orders.POST("/revisions", h.Order.RequestRevision)
			orders.POST("/approve", h.Order.Approve)
			orders.POST("/cancel", h.Order.Cancel)

			orders.POST("/milestones/:milestoneId/deliver", middleware.UUIDValidator("milestoneId"), h.Order.DeliverMilestone)
			orders.POST("/milestones/:milestoneId/approve", middleware.UUIDValidator("milestoneId"), h.Order.ApproveMilestone)

			orders.POST("/disputes", h.Dispute.OpenDispute)
			orders.GET("/disputes", h.Dispute.ListDisputes)

			arbiter := orders.Group("/disputes")
			arbiter.Use(middleware.RequireRoles(valueobject.RoleArbiter))
			{
				arbiter.POST("/review", h.Dispute.ReviewDispute)
				arbiter.POST("/escalate", h.Dispute.EscalateDispute)
				arbiter.POST("/resolve", h.Dispute.ResolveDispute)
			}

			orders.POST("/reviews", h.Review.CreateReview)
			orders.GET("/reviews", h.Review.ListOrderReviews)
		}
	}

	return r
}
