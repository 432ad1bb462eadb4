package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/metrics"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

// EscrowCoordinator операции с удержанием, которые нужны переходам заказа.
type EscrowCoordinator interface {
	Capture(ctx context.Context, order *entity.Order, transition string) (escrow.Outcome, error)
	Release(ctx context.Context, order *entity.Order, kind valueobject.OperationKind, transition string, gross, fee decimal.Decimal) (escrow.Outcome, error)
	PartialRelease(ctx context.Context, order *entity.Order, milestone *entity.Milestone, transition string) (escrow.Outcome, error)
	Refund(ctx context.Context, order *entity.Order, kind valueobject.OperationKind, transition string, amount decimal.Decimal) (escrow.Outcome, error)
	Split(ctx context.Context, order *entity.Order, transition string, sellerGross, fee, refund decimal.Decimal) (escrow.Outcome, escrow.Outcome, error)
	ReverseCapture(ctx context.Context, order *entity.Order, transition string) (escrow.Outcome, error)
}

type Config struct {
	AutoApproveAfter time.Duration
	LockTTL          time.Duration
	MaxPayloadBytes  int
	PublishTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.AutoApproveAfter <= 0 {
		c.AutoApproveAfter = 72 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = entity.DefaultMaxPayloadBytes
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Handler описывает один переход. Engine проверяет терминальность, роль, исходный статус
// и удержание спором, захватывает блокировку заказа и только потом вызывает Apply.
type Handler struct {
	Name  string
	Roles []valueobject.Role
	From  []valueobject.OrderStatus
	// AllowFrozen разрешает переход, пока открыт спор.
	AllowFrozen bool
	// Check проверки без побочных эффектов, выполняются до захвата блокировки.
	Check func(tx *Txn) error
	Apply func(ctx context.Context, tx *Txn) error
	// Rollback применяется, если при сверке процессор окончательно отказал.
	Rollback func(tx *Txn) error
}

type Engine struct {
	orders    repository.OrderRepository
	ledger    repository.LedgerRepository
	disputes  repository.DisputeRepository
	escrow    EscrowCoordinator
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	handlers  map[string]Handler
}

func NewEngine(
	orders repository.OrderRepository,
	ledger repository.LedgerRepository,
	disputes repository.DisputeRepository,
	coordinator EscrowCoordinator,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg Config,
) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	e := &Engine{
		orders:    orders,
		ledger:    ledger,
		disputes:  disputes,
		escrow:    coordinator,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[string]Handler),
	}
	for _, h := range orderHandlers() {
		e.Register(h)
	}
	return e
}

// Register добавляет переход; так подключаются переходы спора.
func (e *Engine) Register(h Handler) {
	if h.Name == "" || h.Apply == nil {
		panic("order: handler requires a name and Apply")
	}
	e.handlers[h.Name] = h
}

// SetClock подменяет часы (для тестов).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Config() Config {
	return e.cfg
}

type pendingEnvelope struct {
	Actor        entity.Actor             `json:"actor"`
	Params       json.RawMessage          `json:"params,omitempty"`
	EscrowStatus valueobject.EscrowStatus `json:"escrow_status"`
	ParkedAt     time.Time                `json:"parked_at"`
}

// Execute выполняет переход name над заказом от имени actor.
func (e *Engine) Execute(ctx context.Context, orderID uuid.UUID, actor entity.Actor, name string, params any) (*entity.Order, error) {
	h, ok := e.handlers[name]
	if !ok {
		return nil, apperror.New(apperror.ErrCodeInternal, fmt.Sprintf("неизвестный переход %q", name))
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeBadRequest, "некорректные параметры перехода")
	}

	o, err := e.execute(ctx, h, orderID, actor, raw)
	e.observe(name, err)
	return o, err
}

func (e *Engine) execute(ctx context.Context, h Handler, orderID uuid.UUID, actor entity.Actor, params json.RawMessage) (*entity.Order, error) {
	current, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	tx, err := e.newTxn(ctx, h, current, actor, params, false)
	if err != nil {
		return nil, err
	}
	if err := e.validate(h, tx); err != nil {
		return nil, err
	}

	now := e.now()
	owner := uuid.New()
	locked, err := e.orders.AcquireLock(ctx, repository.LockRequest{
		OrderID: current.ID,
		Version: current.Version,
		Owner:   owner,
		Until:   now.Add(e.cfg.LockTTL),
		Now:     now,
	})
	if err != nil {
		return nil, lockError(err)
	}
	tx.Order = locked.Clone()
	tx.Now = now
	tx.owner = owner

	log := logger.Order(orderID.String(), h.Name).WithFields(logrus.Fields{
		"actor_role": string(actor.Role),
		"version":    locked.Version,
	})

	if err := h.Apply(ctx, tx); err != nil {
		return e.abort(ctx, h, tx, locked, err, log)
	}
	return e.commit(ctx, tx, log)
}

// CompletePending повторяет переход, припаркованный из-за неподтверждённой платёжной операции.
// Операции с удержанием идемпотентны по ключу, поэтому уже выполненные повторно не отправляются.
func (e *Engine) CompletePending(ctx context.Context, orderID uuid.UUID) (*entity.Order, error) {
	current, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !current.IsParked() {
		return current, nil
	}

	name := *current.PendingTransition
	h, ok := e.handlers[name]
	if !ok {
		return nil, apperror.New(apperror.ErrCodeInternal, fmt.Sprintf("неизвестный переход %q", name))
	}
	var env pendingEnvelope
	if err := json.Unmarshal(current.PendingParams, &env); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "повреждены параметры отложенного перехода")
	}

	now := e.now()
	owner := uuid.New()
	locked, err := e.orders.AcquireLock(ctx, repository.LockRequest{
		OrderID: current.ID,
		Version: current.Version,
		Owner:   owner,
		Until:   now.Add(e.cfg.LockTTL),
		Now:     now,
		Resume:  true,
	})
	if err != nil {
		return nil, lockError(err)
	}
	locked.EscrowStatus = env.EscrowStatus

	tx, err := e.newTxn(ctx, h, locked, env.Actor, env.Params, true)
	if err != nil {
		_ = e.orders.ReleaseLock(ctx, locked.ID, owner)
		return nil, err
	}
	tx.Now = now
	tx.owner = owner

	log := logger.Order(orderID.String(), name).WithFields(logrus.Fields{
		"actor_role": string(env.Actor.Role),
		"version":    locked.Version,
		"resumed":    true,
	})

	applyErr := h.Apply(ctx, tx)
	switch {
	case applyErr == nil:
		o, err := e.commit(ctx, tx, log)
		e.observe(name, err)
		return o, err

	case apperror.IsEscrowPending(applyErr):
		o, err := e.park(ctx, h, locked, owner, env, applyErr)
		log.Info("escrow operation still pending")
		return o, err

	case apperror.IsEscrowFailed(applyErr) || apperror.CodeOf(applyErr) == apperror.ErrCodePaymentDeclined:
		rollback, err := e.newTxn(ctx, h, locked, env.Actor, env.Params, true)
		if err != nil {
			_ = e.orders.ReleaseLock(ctx, locked.ID, owner)
			return nil, err
		}
		rollback.Now = now
		rollback.owner = owner
		if h.Rollback != nil {
			if err := h.Rollback(rollback); err != nil {
				_ = e.orders.ReleaseLock(ctx, locked.ID, owner)
				return nil, err
			}
		}
		o, err := e.commit(ctx, rollback, log)
		if err != nil {
			return nil, err
		}
		log.WithError(applyErr).Warn("pending transition rolled back")
		e.observe(name, applyErr)
		return o, applyErr

	default:
		// Заказ остаётся припаркованным и будет подобран следующей сверкой.
		if err := e.orders.ReleaseLock(ctx, locked.ID, owner); err != nil {
			log.WithError(err).Error("failed to release order lock")
		}
		return nil, applyErr
	}
}

func (e *Engine) validate(h Handler, tx *Txn) error {
	o := tx.Order
	if o.IsTerminal() {
		return apperror.ErrOrderTerminal
	}
	if o.IsParked() {
		return apperror.EscrowPending(errors.New("order awaits escrow reconciliation"))
	}
	if !tx.Actor.CanAct(o, h.Roles...) {
		return apperror.ErrForbidden
	}
	if !o.Status.In(h.From...) {
		return apperror.ErrInvalidTransition
	}
	if o.IsFrozen() && !h.AllowFrozen {
		return apperror.ErrDisputeConflict
	}
	if h.Check != nil {
		return h.Check(tx)
	}
	return nil
}

func (e *Engine) abort(ctx context.Context, h Handler, tx *Txn, locked *entity.Order, cause error, log *logrus.Entry) (*entity.Order, error) {
	if apperror.IsEscrowPending(cause) {
		env := pendingEnvelope{Actor: tx.Actor, Params: tx.Params, EscrowStatus: locked.EscrowStatus}
		o, err := e.park(ctx, h, locked, tx.owner, env, cause)
		log.Warn("transition parked until escrow reconciliation")
		return o, err
	}

	if err := e.orders.ReleaseLock(ctx, locked.ID, tx.owner); err != nil {
		log.WithError(err).Error("failed to release order lock")
	}
	log.WithError(cause).Info("transition rejected")
	return nil, cause
}

func (e *Engine) park(ctx context.Context, h Handler, locked *entity.Order, owner uuid.UUID, env pendingEnvelope, cause error) (*entity.Order, error) {
	now := e.now()
	env.ParkedAt = now
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сохранить отложенный переход")
	}

	parked := locked.Clone()
	name := h.Name
	parked.PendingTransition = &name
	parked.PendingParams = raw
	if kind, ok := escrow.PendingKind(cause); ok {
		parked.EscrowStatus = kind.PendingEscrowStatus()
	}
	parked.LockedUntil = &now
	parked.UpdatedAt = now

	if err := e.orders.Park(ctx, parked, owner); err != nil {
		return nil, lockError(err)
	}
	return parked, cause
}

func (e *Engine) commit(ctx context.Context, tx *Txn, log *logrus.Entry) (*entity.Order, error) {
	tx.Order.UpdatedAt = tx.Now
	committed, err := e.orders.Commit(ctx, repository.OrderChange{
		Order:      tx.Order,
		Owner:      tx.owner,
		Milestones: tx.changedMilestones(),
		Dispute:    tx.changedDispute(),
		Entries:    tx.entries,
	})
	if err != nil {
		return nil, lockError(err)
	}
	log.WithField("status", string(committed.Status)).Info("transition committed")

	e.publish(ctx, committed, tx.emitted)
	return committed, nil
}

func (e *Engine) publish(ctx context.Context, o *entity.Order, emitted []emission) {
	if len(emitted) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PublishTimeout)
	defer cancel()

	for _, em := range emitted {
		event := events.Event{
			ID:          uuid.New(),
			Type:        em.eventType,
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			NewStatus:   string(o.Status),
			BuyerID:     o.BuyerID,
			SellerID:    o.SellerID,
			DisputeID:   o.DisputeID,
			Outcome:     em.outcome,
			Timestamp:   e.now(),
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.metrics.IncPublishFailure(string(event.Type))
			logger.Order(o.ID.String(), string(event.Type)).WithError(err).Error("failed to publish order event")
		}
	}
}

func (e *Engine) load(ctx context.Context, orderID uuid.UUID) (*entity.Order, error) {
	o, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, apperror.ErrOrderNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить заказ")
	}
	return o, nil
}

func (e *Engine) observe(name string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperror.CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	e.metrics.ObserveTransition(name, result)
}

func lockError(err error) error {
	switch {
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrLockNotHeld):
		return apperror.ErrStaleOrderState
	case errors.Is(err, repository.ErrOrderNotFound):
		return apperror.ErrOrderNotFound
	}
	return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить заказ")
}
