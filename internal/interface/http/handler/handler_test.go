package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-engine/internal/config"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/http/router"
	"github.com/ignatzorin/escrow-engine/internal/infrastructure/persistence/memory"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/handler"
	"github.com/ignatzorin/escrow-engine/internal/processor/sandbox"
	"github.com/ignatzorin/escrow-engine/internal/service"
	"github.com/ignatzorin/escrow-engine/internal/usecase/dispute"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
)

type server struct {
	t       *testing.T
	router  *gin.Engine
	proc    *sandbox.Sandbox
	tokens  *service.TokenManager
	buyer   uuid.UUID
	seller  uuid.UUID
	arbiter uuid.UUID
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	proc := sandbox.New()
	coordinator := escrow.NewCoordinator(proc, store.Operations, store.Ledger, nil, escrow.Config{
		CallTimeout: 50 * time.Millisecond,
		MaxRetries:  1,
		RetryBase:   time.Millisecond,
	})
	engine := order.NewEngine(store.Orders, store.Ledger, store.Disputes, coordinator, events.NewRecorder(), nil, order.Config{})
	resolver := dispute.NewResolver(engine, store.Disputes)
	reviews := service.NewReviewService(store.Reviews, engine)
	tokens := service.NewTokenManager("handler-test-secret-handler-test-secret", time.Hour)

	cfg := &config.Config{
		Env:             "test",
		AllowedOrigins:  []string{"http://localhost:3000"},
		RateLimitLimit:  1000,
		RateLimitPeriod: time.Minute,
		MaxPayloadBytes: 256 * 1024,
	}
	r := router.SetupRouter(cfg, router.Handlers{
		Order:   handler.NewOrderHandler(engine),
		Dispute: handler.NewDisputeHandler(resolver),
		Review:  handler.NewReviewHandler(reviews, engine),
		Health:  handler.NewHealthHandler(nil),
	}, tokens)

	return &server{
		t:       t,
		router:  r,
		proc:    proc,
		tokens:  tokens,
		buyer:   uuid.New(),
		seller:  uuid.New(),
		arbiter: uuid.New(),
	}
}

func (s *server) token(userID uuid.UUID, role valueobject.Role) string {
	tok, _, err := s.tokens.GenerateAccess(userID, role)
	require.NoError(s.t, err)
	return tok
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (s *server) do(method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

type orderBody struct {
	ID              uuid.UUID `json:"id"`
	Status          string    `json:"status"`
	EffectiveStatus string    `json:"effective_status"`
	EscrowStatus    string    `json:"escrow_status"`
}

func (s *server) createOrder() orderBody {
	s.t.Helper()
	w, env := s.do(http.MethodPost, "/api/orders", s.token(s.buyer, valueobject.RoleBuyer), map[string]any{
		"type":           "gig",
		"seller_id":      s.seller,
		"amount":         "100",
		"platform_fee":   "20",
		"currency":       "USD",
		"revision_count": 1,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var o orderBody
	require.NoError(s.t, json.Unmarshal(env.Data, &o))
	return o
}

func TestOrderFlow_DeliverApproveReview(t *testing.T) {
	s := newServer(t)
	buyerTok := s.token(s.buyer, valueobject.RoleBuyer)
	sellerTok := s.token(s.seller, valueobject.RoleSeller)

	o := s.createOrder()
	assert.Equal(t, "active", o.Status)
	assert.Equal(t, "held", o.EscrowStatus)

	w, _ := s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/deliver", sellerTok, map[string]any{
		"deliverables": []map[string]string{{"ref": "s3://deliverables/logo.zip"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/approve", buyerTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var approved orderBody
	require.NoError(t, json.Unmarshal(env.Data, &approved))
	assert.Equal(t, "completed", approved.Status)
	assert.Equal(t, "released", approved.EscrowStatus)

	w, env = s.do(http.MethodGet, "/api/orders/"+o.ID.String()+"/ledger", buyerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []struct {
		Sequence int64  `json:"sequence"`
		Type     string `json:"type"`
		Amount   string `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "payment_in", entries[0].Type)
	assert.Equal(t, "100", entries[0].Amount)

	w, env = s.do(http.MethodGet, "/api/orders/"+o.ID.String()+"/balance", sellerTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance struct {
		Held     string `json:"held"`
		Released string `json:"released"`
		Fees     string `json:"fees"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &balance))
	assert.Equal(t, "0", balance.Held)
	assert.Equal(t, "80", balance.Released)
	assert.Equal(t, "20", balance.Fees)

	w, _ = s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/reviews", buyerTok, map[string]any{"rating": 5})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w, env = s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/reviews", buyerTok, map[string]any{"rating": 4})
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)

	// Завершённый заказ больше не принимает переходов.
	w, env = s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/cancel", buyerTok, map[string]any{"reason": "передумал"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestOrders_RequireAuthentication(t *testing.T) {
	s := newServer(t)

	w, env := s.do(http.MethodPost, "/api/orders", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	w, _ = s.do(http.MethodGet, "/api/orders/"+uuid.NewString(), "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOrders_InvalidUUID(t *testing.T) {
	s := newServer(t)
	w, _ := s.do(http.MethodGet, "/api/orders/not-a-uuid", s.token(s.buyer, valueobject.RoleBuyer), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrders_StrangerForbidden(t *testing.T) {
	s := newServer(t)
	o := s.createOrder()

	w, env := s.do(http.MethodGet, "/api/orders/"+o.ID.String(), s.token(uuid.New(), valueobject.RoleBuyer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	// Исполнитель не может принять собственную работу.
	w, _ = s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/approve", s.token(s.seller, valueobject.RoleSeller), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateOrder_DeclinedCapture(t *testing.T) {
	s := newServer(t)
	s.proc.Script(sandbox.OpCapture, sandbox.Decline)

	w, env := s.do(http.MethodPost, "/api/orders", s.token(s.buyer, valueobject.RoleBuyer), map[string]any{
		"type": "gig", "seller_id": s.seller, "amount": "100", "platform_fee": "20", "currency": "USD",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PAYMENT_DECLINED", env.Error.Code)
}

func TestCreateOrder_PendingCaptureReturnsOrder(t *testing.T) {
	s := newServer(t)
	s.proc.Script(sandbox.OpCapture, sandbox.Hang)

	w, env := s.do(http.MethodPost, "/api/orders", s.token(s.buyer, valueobject.RoleBuyer), map[string]any{
		"type": "gig", "seller_id": s.seller, "amount": "100", "platform_fee": "20", "currency": "USD",
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ESCROW_OPERATION_PENDING", env.Error.Code)

	var o orderBody
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, "pending", o.Status)
	assert.Equal(t, "capture_pending", o.EscrowStatus)
}

func TestDispute_OpenAndResolveByArbiter(t *testing.T) {
	s := newServer(t)
	o := s.createOrder()
	path := "/api/orders/" + o.ID.String()

	w, _ := s.do(http.MethodPost, path+"/disputes", s.token(s.buyer, valueobject.RoleBuyer), map[string]any{
		"reason":      "not_delivered",
		"description": "исполнитель пропал",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, env := s.do(http.MethodGet, path, s.token(s.seller, valueobject.RoleSeller), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var frozen orderBody
	require.NoError(t, json.Unmarshal(env.Data, &frozen))
	assert.Equal(t, "disputed", frozen.EffectiveStatus)

	// Второй спор и отмена блокируются открытым спором.
	w, env = s.do(http.MethodPost, path+"/disputes", s.token(s.seller, valueobject.RoleSeller), map[string]any{
		"reason": "communication", "description": "покупатель не отвечает",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DISPUTE_CONFLICT", env.Error.Code)

	// Решать спор может только арбитр.
	w, _ = s.do(http.MethodPost, path+"/disputes/resolve", s.token(s.buyer, valueobject.RoleBuyer), map[string]any{
		"outcome": "refund_to_buyer", "note": "сам себе",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = s.do(http.MethodPost, path+"/disputes/resolve", s.token(s.arbiter, valueobject.RoleArbiter), map[string]any{
		"outcome": "refund_to_buyer", "note": "работа не сдана",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolution struct {
		Dispute struct {
			Status  string `json:"status"`
			Outcome string `json:"outcome"`
		} `json:"dispute"`
		Order orderBody `json:"order"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &resolution))
	assert.Equal(t, "resolved", resolution.Dispute.Status)
	assert.Equal(t, "refund_to_buyer", resolution.Dispute.Outcome)
	assert.Equal(t, "refunded", resolution.Order.Status)

	w, env = s.do(http.MethodGet, path+"/disputes", s.token(s.buyer, valueobject.RoleBuyer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var disputes []json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &disputes))
	assert.Len(t, disputes, 1)
}

func TestDeliver_RequiresDeliverables(t *testing.T) {
	s := newServer(t)
	o := s.createOrder()

	w, env := s.do(http.MethodPost, "/api/orders/"+o.ID.String()+"/deliver", s.token(s.seller, valueobject.RoleSeller), map[string]any{
		"deliverables": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", env.Error.Code)
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	w, _ := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
