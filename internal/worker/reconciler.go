// Package worker фоновые задачи движка: сверка зависших платёжных операций
// и автоматическая приёмка просроченных сдач.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/metrics"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-engine/internal/processor"
)

// OperationReconciler спрашивает процессор об исходе операции.
type OperationReconciler interface {
	Reconcile(ctx context.Context, op *entity.EscrowOperation) (valueobject.OperationStatus, string, error)
	// ReverseOrphan возвращает покупателю захват, для которого заказ так и не был сохранён.
	ReverseOrphan(ctx context.Context, op *entity.EscrowOperation, ref string) (escrow.Outcome, error)
}

// PendingCompleter доводит припаркованный переход заказа.
type PendingCompleter interface {
	CompletePending(ctx context.Context, orderID uuid.UUID) (*entity.Order, error)
}

type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter операция считается зависшей, если не обновлялась дольше этого времени.
	StaleAfter time.Duration
	LeaseTTL   time.Duration
	BatchSize  int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type Reconciler struct {
	ops         repository.EscrowOperationRepository
	orders      repository.OrderRepository
	coordinator OperationReconciler
	engine      PendingCompleter
	lease       Lease
	metrics     *metrics.Metrics
	cfg         ReconcilerConfig
	now         func() time.Time
}

func NewReconciler(
	ops repository.EscrowOperationRepository,
	orders repository.OrderRepository,
	coordinator OperationReconciler,
	engine PendingCompleter,
	lease Lease,
	m *metrics.Metrics,
	cfg ReconcilerConfig,
) *Reconciler {
	if lease == nil {
		lease = NopLease{}
	}
	return &Reconciler{
		ops:         ops,
		orders:      orders,
		coordinator: coordinator,
		engine:      engine,
		lease:       lease,
		metrics:     m,
		cfg:         cfg.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет часы (для тестов).
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Run крутит сверку до отмены контекста.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	logger.L().WithField("interval", r.cfg.Interval.String()).Info("Reconciler запущен")
	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.L().WithError(err).Error("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			logger.L().Info("Reconciler остановлен")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce один проход: сверяет зависшие операции, затем доводит припаркованные заказы.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := r.now()
	handled := make(map[uuid.UUID]struct{})

	pending, err := r.ops.ListPending(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, op := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.reconcileOperation(ctx, op) {
			handled[op.OrderID] = struct{}{}
		}
	}

	parked, err := r.orders.ListParked(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, o := range parked {
		if _, ok := handled[o.ID]; ok {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.withLease(ctx, "order:"+o.ID.String(), func() {
			r.complete(ctx, o.ID, logger.Order(o.ID.String(), deref(o.PendingTransition)))
		})
	}

	count, err := r.ops.CountPending(ctx)
	if err != nil {
		return err
	}
	r.metrics.SetPendingOperations(count)
	return nil
}

// reconcileOperation возвращает true, если заказ операции уже обработан в этом проходе.
func (r *Reconciler) reconcileOperation(ctx context.Context, op *entity.EscrowOperation) bool {
	log := logger.L().WithFields(logrus.Fields{
		"order_id":        op.OrderID.String(),
		"idempotency_key": op.IdempotencyKey,
		"kind":            string(op.Kind),
		"attempt":         op.Attempts,
	})

	done := false
	r.withLease(ctx, "op:"+op.IdempotencyKey, func() {
		status, ref, err := r.coordinator.Reconcile(ctx, op)
		switch {
		case errors.Is(err, processor.ErrUnknownKey):
			// Процессор команду не получил: помечаем для повторной отправки тем же ключом.
			if err := r.ops.MarkFailed(ctx, op.IdempotencyKey, err.Error(), true, r.now()); err != nil {
				log.WithError(err).Error("failed to mark escrow operation for retry")
				return
			}
			log.Warn("processor has no record of operation, scheduled resend")
		case err != nil:
			log.WithError(err).Warn("processor lookup failed")
			return
		case status == valueobject.OperationPending:
			log.Debug("escrow operation still pending")
			return
		default:
			log.WithField("status", string(status)).Info("escrow operation reconciled")
		}
		if r.orphaned(ctx, op, log) {
			r.reverseOrphan(ctx, op, status, ref, log)
			done = true
			return
		}
		r.complete(ctx, op.OrderID, log)
		done = true
	})
	return done
}

// orphaned true для захвата или его возврата, у которых нет сохранённого заказа.
func (r *Reconciler) orphaned(ctx context.Context, op *entity.EscrowOperation, log *logrus.Entry) bool {
	if op.Kind != valueobject.OperationCapture && op.Kind != valueobject.OperationCaptureReversal {
		return false
	}
	_, err := r.orders.FindByID(ctx, op.OrderID)
	switch {
	case err == nil:
		return false
	case errors.Is(err, repository.ErrOrderNotFound):
		return true
	default:
		log.WithError(err).Warn("failed to load order of escrow operation")
		return false
	}
}

func (r *Reconciler) reverseOrphan(ctx context.Context, op *entity.EscrowOperation, status valueobject.OperationStatus, ref string, log *logrus.Entry) {
	// Захват, который не прошёл, денег не двигал: возвращать нечего.
	if op.Kind == valueobject.OperationCapture && status != valueobject.OperationSucceeded {
		log.Info("orphan capture did not succeed, nothing to reverse")
		return
	}
	_, err := r.coordinator.ReverseOrphan(ctx, op, ref)
	switch {
	case err == nil:
		log.Warn("orphan capture reversed")
	case apperror.IsEscrowPending(err):
		log.WithError(err).Warn("orphan capture reversal still pending")
	default:
		log.WithError(err).Error("failed to reverse orphan capture")
	}
}

func (r *Reconciler) complete(ctx context.Context, orderID uuid.UUID, log *logrus.Entry) {
	o, err := r.engine.CompletePending(ctx, orderID)
	switch {
	case err == nil:
		log.WithField("status", string(o.Status)).Info("pending transition completed")
	case apperror.IsEscrowPending(err), apperror.IsStale(err):
		log.WithError(err).Debug("pending transition not ready")
	case o != nil:
		// Переход откатан, заказ сохранён в новом состоянии.
		log.WithError(err).WithField("status", string(o.Status)).Warn("pending transition rolled back")
	default:
		log.WithError(err).Error("failed to complete pending transition")
	}
}

func (r *Reconciler) withLease(ctx context.Context, key string, fn func()) {
	token, ok, err := r.lease.Acquire(ctx, key, r.cfg.LeaseTTL)
	if err != nil {
		logger.L().WithError(err).WithField("lease", key).Warn("lease unavailable")
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := r.lease.Release(context.WithoutCancel(ctx), key, token); err != nil {
			logger.L().WithError(err).WithField("lease", key).Warn("failed to release lease")
		}
	}()
	fn()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
