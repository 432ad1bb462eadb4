package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
)

// TransitionExecutor запуск перехода заказа от имени системы.
type TransitionExecutor interface {
	Execute(ctx context.Context, orderID uuid.UUID, actor entity.Actor, name string, params any) (*entity.Order, error)
}

// AutoApprover принимает сдачи, на которые покупатель не ответил до дедлайна.
type AutoApprover struct {
	orders    repository.OrderRepository
	engine    TransitionExecutor
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewAutoApprover(orders repository.OrderRepository, engine TransitionExecutor, interval time.Duration, batchSize int) *AutoApprover {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &AutoApprover{
		orders:    orders,
		engine:    engine,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет часы (для тестов).
func (a *AutoApprover) SetClock(now func() time.Time) {
	a.now = now
}

func (a *AutoApprover) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	logger.L().WithField("interval", a.interval.String()).Info("AutoApprover запущен")
	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.L().WithError(err).Error("auto-approve pass failed")
		}
		select {
		case <-ctx.Done():
			logger.L().Info("AutoApprover остановлен")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce возвращает число принятых заказов.
func (a *AutoApprover) RunOnce(ctx context.Context) (int, error) {
	due, err := a.orders.ListAutoApprovable(ctx, a.now(), a.batchSize)
	if err != nil {
		return 0, err
	}

	approved := 0
	for _, o := range due {
		if ctx.Err() != nil {
			return approved, ctx.Err()
		}
		log := logger.Order(o.ID.String(), order.TransitionAutoApprove)
		_, err := a.engine.Execute(ctx, o.ID, entity.SystemActor, order.TransitionAutoApprove, nil)
		switch {
		case err == nil:
			approved++
			log.Info("order auto-approved")
		case apperror.IsEscrowPending(err):
			log.Warn("auto-approve parked until escrow reconciliation")
		case apperror.IsStale(err), apperror.IsDisputeConflict(err), apperror.IsValidation(err):
			// Заказ успели изменить между выборкой и переходом.
			log.WithError(err).Debug("auto-approve skipped")
		default:
			log.WithError(err).Error("auto-approve failed")
		}
	}
	return approved, nil
}
