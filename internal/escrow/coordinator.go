// Package escrow переводит переходы заказа в идемпотентные команды платёжному процессору
// и записывает их исход в журнал.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/metrics"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-engine/internal/processor"
)

// PlatformAccount условный счёт площадки в записях журнала.
var PlatformAccount = uuid.Nil

var ErrOverRelease = apperror.New(apperror.ErrCodeValidation, "сумма операции превышает остаток удержания")

type Config struct {
	CallTimeout time.Duration
	MaxRetries  uint64
	RetryBase   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

type Coordinator struct {
	proc    processor.Processor
	ops     repository.EscrowOperationRepository
	ledger  repository.LedgerRepository
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewCoordinator(proc processor.Processor, ops repository.EscrowOperationRepository, ledger repository.LedgerRepository, m *metrics.Metrics, cfg Config) *Coordinator {
	return &Coordinator{
		proc:    proc,
		ops:     ops,
		ledger:  ledger,
		metrics: m,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет часы (для тестов).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// PendingError причина EscrowOperationPending: процессор не подтвердил операцию вовремя.
type PendingError struct {
	Key  string
	Kind valueobject.OperationKind
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("escrow operation %s (%s) awaiting confirmation", e.Kind, e.Key)
}

// PendingKind достаёт вид зависшей операции из ошибки.
func PendingKind(err error) (valueobject.OperationKind, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending.Kind, true
	}
	return "", false
}

type Outcome struct {
	Key              string
	Ref              string
	AlreadyProcessed bool
}

type command struct {
	kind        valueobject.OperationKind
	transition  string
	order       *entity.Order
	milestoneID *uuid.UUID
	amount      decimal.Decimal
	fee         decimal.Decimal
}

// Capture списывает оплату с покупателя в удержание.
func (c *Coordinator) Capture(ctx context.Context, order *entity.Order, transition string) (Outcome, error) {
	return c.execute(ctx, command{
		kind:       valueobject.OperationCapture,
		transition: transition,
		order:      order,
		amount:     order.Amount,
	})
}

// Release выплачивает исполнителю gross-сумму за вычетом fee, fee остаётся площадке.
func (c *Coordinator) Release(ctx context.Context, order *entity.Order, kind valueobject.OperationKind, transition string, gross, fee decimal.Decimal) (Outcome, error) {
	if !kind.IsRelease() {
		return Outcome{}, fmt.Errorf("escrow: %s is not a release", kind)
	}
	return c.execute(ctx, command{
		kind:       kind,
		transition: transition,
		order:      order,
		amount:     gross,
		fee:        fee,
	})
}

// PartialRelease выплата по одному этапу.
func (c *Coordinator) PartialRelease(ctx context.Context, order *entity.Order, milestone *entity.Milestone, transition string) (Outcome, error) {
	id := milestone.ID
	return c.execute(ctx, command{
		kind:        valueobject.OperationMilestoneRelease,
		transition:  transition,
		order:       order,
		milestoneID: &id,
		amount:      milestone.Amount,
		fee:         milestone.PlatformFee,
	})
}

// Refund возвращает покупателю сумму из удержания.
func (c *Coordinator) Refund(ctx context.Context, order *entity.Order, kind valueobject.OperationKind, transition string, amount decimal.Decimal) (Outcome, error) {
	if !kind.IsRefund() {
		return Outcome{}, fmt.Errorf("escrow: %s is not a refund", kind)
	}
	return c.execute(ctx, command{
		kind:       kind,
		transition: transition,
		order:      order,
		amount:     amount,
	})
}

// ReverseCapture возвращает покупателю списание заказа, который не удалось сохранить.
// Запись возврата ссылается на payment_in через Compensates.
func (c *Coordinator) ReverseCapture(ctx context.Context, order *entity.Order, transition string) (Outcome, error) {
	return c.execute(ctx, command{
		kind:       valueobject.OperationCaptureReversal,
		transition: transition,
		order:      order,
		amount:     order.Amount,
	})
}

// ReverseOrphan доводит возврат по записи операции, когда строки заказа нет.
// op либо подтверждённый захват (ref его ссылка), либо ранее начатый возврат.
func (c *Coordinator) ReverseOrphan(ctx context.Context, op *entity.EscrowOperation, ref string) (Outcome, error) {
	stub := &entity.Order{
		ID:       op.OrderID,
		BuyerID:  op.PayerID,
		Amount:   op.Amount,
		Currency: op.Currency,
		HoldRef:  op.HoldRef,
	}
	if op.Kind == valueobject.OperationCapture {
		if ref == "" {
			ref = deref(op.ProcessorRef)
		}
		// Сверка только отметила захват в escrow_operations, в журнал его пишем здесь.
		if err := c.settle(ctx, op, ref); err != nil {
			return Outcome{}, err
		}
		stub.HoldRef = &ref
	}
	return c.ReverseCapture(ctx, stub, "reconcile")
}

// Split делит удержание по решению арбитра: sellerGross уходит исполнителю (с комиссией fee),
// refund возвращается покупателю. Каждая часть идёт под своим ключом, поэтому при повторе
// уже выполненная часть не отправляется в процессор второй раз.
func (c *Coordinator) Split(ctx context.Context, order *entity.Order, transition string, sellerGross, fee, refund decimal.Decimal) (Outcome, Outcome, error) {
	released, err := c.Release(ctx, order, valueobject.OperationDisputeRelease, transition, sellerGross, fee)
	if err != nil {
		return Outcome{}, Outcome{}, err
	}
	refunded, err := c.Refund(ctx, order, valueobject.OperationDisputeRefund, transition, refund)
	if err != nil {
		return released, Outcome{}, err
	}
	return released, refunded, nil
}

func (c *Coordinator) execute(ctx context.Context, cmd command) (Outcome, error) {
	key := IdempotencyKey(cmd.order.ID, cmd.milestoneID, cmd.kind)
	log := logger.L().WithFields(logrus.Fields{
		"order_id":        cmd.order.ID.String(),
		"idempotency_key": key,
		"kind":            string(cmd.kind),
		"transition":      cmd.transition,
	})
	started := c.now()
	now := started

	op := &entity.EscrowOperation{
		IdempotencyKey: key,
		OrderID:        cmd.order.ID,
		MilestoneID:    cmd.milestoneID,
		Kind:           cmd.kind,
		Transition:     cmd.transition,
		Amount:         cmd.amount,
		Fee:            cmd.fee,
		Currency:       cmd.order.Currency,
		PayerID:        cmd.order.BuyerID,
		PayeeID:        payeeFor(cmd.kind, cmd.order),
		HoldRef:        cmd.order.HoldRef,
		Status:         valueobject.OperationPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	existing, created, err := c.ops.Begin(ctx, op)
	if err != nil {
		return Outcome{}, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось зарегистрировать платёжную операцию")
	}

	switch existing.Status {
	case valueobject.OperationSucceeded:
		ref := deref(existing.ProcessorRef)
		if err := c.settle(ctx, existing, ref); err != nil {
			return Outcome{}, err
		}
		log.Debug("escrow operation already succeeded")
		return Outcome{Key: key, Ref: ref, AlreadyProcessed: true}, nil

	case valueobject.OperationFailed:
		if !existing.Retryable {
			return Outcome{}, c.failure(existing.Kind, errors.New(deref(existing.LastError)), false)
		}
		if err := c.ops.Reopen(ctx, key, now); err != nil {
			return Outcome{}, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось возобновить платёжную операцию")
		}

	case valueobject.OperationPending:
		if !created {
			// Предыдущая попытка зависла: сначала спрашиваем процессор, а не шлём команду заново.
			outcome, done, err := c.recover(ctx, existing)
			if done {
				return outcome, err
			}
		}
	}

	if cmd.kind != valueobject.OperationCapture {
		if err := c.guard(ctx, cmd); err != nil {
			_ = c.ops.MarkFailed(ctx, key, err.Error(), false, c.now())
			return Outcome{}, err
		}
	}

	result, callErr := c.call(ctx, cmd, existing, key, log)
	took := c.now().Sub(started)

	switch {
	case callErr == nil && result.Status == processor.StatusPending:
		c.metrics.ObserveEscrowOperation(string(cmd.kind), "pending", took)
		log.Warn("processor accepted operation asynchronously")
		return Outcome{}, apperror.EscrowPending(&PendingError{Key: key, Kind: cmd.kind})

	case callErr == nil:
		if err := c.succeed(ctx, op, result.Ref); err != nil {
			return Outcome{}, err
		}
		outcome := "succeeded"
		if result.AlreadyProcessed {
			outcome = "already_processed"
		}
		c.metrics.ObserveEscrowOperation(string(cmd.kind), outcome, took)
		log.WithField("processor_ref", result.Ref).Info("escrow operation succeeded")
		return Outcome{Key: key, Ref: result.Ref, AlreadyProcessed: result.AlreadyProcessed}, nil

	case isTimeout(callErr):
		c.metrics.ObserveEscrowOperation(string(cmd.kind), "pending", took)
		log.WithError(callErr).Warn("escrow operation timed out, leaving it for reconciliation")
		return Outcome{}, apperror.EscrowPending(&PendingError{Key: key, Kind: cmd.kind})

	default:
		retryable := errors.Is(callErr, processor.ErrUnavailable)
		if err := c.fail(ctx, op, callErr, retryable); err != nil {
			return Outcome{}, err
		}
		c.metrics.ObserveEscrowOperation(string(cmd.kind), "failed", took)
		log.WithError(callErr).WithField("retryable", retryable).Error("escrow operation failed")
		return Outcome{}, c.failure(cmd.kind, callErr, retryable)
	}
}

// call обращается к процессору с экспоненциальным backoff. Повторяются только ErrUnavailable;
// таймаут отдельной попытки не повторяется, исход такой попытки неизвестен.
func (c *Coordinator) call(ctx context.Context, cmd command, op *entity.EscrowOperation, key string, log *logrus.Entry) (processor.Result, error) {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))
	attempt := op.Attempts

	return retry.DoValue(ctx, backoff, func(ctx context.Context) (processor.Result, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		result, err := c.invoke(callCtx, cmd, op, key)
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
			log.WithField("attempt", attempt).WithError(err).Debug("processor call failed")
		}
		if recErr := c.ops.RecordAttempt(ctx, key, lastErr, c.now()); recErr != nil {
			log.WithError(recErr).Warn("failed to record escrow attempt")
		}
		if errors.Is(err, processor.ErrUnavailable) {
			return result, retry.RetryableError(err)
		}
		return result, err
	})
}

func (c *Coordinator) invoke(ctx context.Context, cmd command, op *entity.EscrowOperation, key string) (processor.Result, error) {
	holdRef := deref(cmd.order.HoldRef)
	switch {
	case cmd.kind == valueobject.OperationCapture:
		return c.proc.Capture(ctx, processor.CaptureRequest{
			IdempotencyKey: key,
			OrderID:        cmd.order.ID,
			PayerID:        cmd.order.BuyerID,
			Amount:         cmd.amount,
			Currency:       cmd.order.Currency,
		})
	case cmd.kind.IsRelease():
		return c.proc.Transfer(ctx, processor.TransferRequest{
			IdempotencyKey: key,
			HoldRef:        holdRef,
			PayeeID:        cmd.order.SellerID,
			Amount:         cmd.amount.Sub(cmd.fee),
			Fee:            cmd.fee,
			Currency:       cmd.order.Currency,
		})
	case cmd.kind.IsRefund():
		return c.proc.Refund(ctx, processor.RefundRequest{
			IdempotencyKey: key,
			HoldRef:        holdRef,
			PayerID:        cmd.order.BuyerID,
			Amount:         cmd.amount,
			Currency:       cmd.order.Currency,
		})
	}
	return processor.Result{}, fmt.Errorf("escrow: unknown operation kind %q", op.Kind)
}

// recover разбирает операцию, оставшуюся pending после прошлой попытки.
// done=false означает, что процессор её не видел и команду можно отправить снова.
func (c *Coordinator) recover(ctx context.Context, op *entity.EscrowOperation) (Outcome, bool, error) {
	status, ref, err := c.Reconcile(ctx, op)
	switch {
	case errors.Is(err, processor.ErrUnknownKey):
		return Outcome{}, false, nil
	case err != nil:
		return Outcome{}, true, apperror.EscrowPending(&PendingError{Key: op.IdempotencyKey, Kind: op.Kind})
	}

	switch status {
	case valueobject.OperationSucceeded:
		if err := c.settle(ctx, op, ref); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Key: op.IdempotencyKey, Ref: ref, AlreadyProcessed: true}, true, nil
	case valueobject.OperationFailed:
		return Outcome{}, true, c.failure(op.Kind, processor.ErrDeclined, false)
	}
	return Outcome{}, true, apperror.EscrowPending(&PendingError{Key: op.IdempotencyKey, Kind: op.Kind})
}

// Reconcile спрашивает процессор об исходе операции и фиксирует его в escrow_operations.
// Записи журнала при этом не создаются: их допишет повторный запуск перехода.
func (c *Coordinator) Reconcile(ctx context.Context, op *entity.EscrowOperation) (valueobject.OperationStatus, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	result, err := c.proc.Lookup(callCtx, op.IdempotencyKey)
	if err != nil {
		return valueobject.OperationPending, "", err
	}

	now := c.now()
	switch result.Status {
	case processor.StatusSucceeded:
		if err := c.ops.MarkSucceeded(ctx, op.IdempotencyKey, result.Ref, now); err != nil {
			return valueobject.OperationPending, "", err
		}
		return valueobject.OperationSucceeded, result.Ref, nil
	case processor.StatusFailed:
		if err := c.fail(ctx, op, fmt.Errorf("%w: %s", processor.ErrDeclined, result.Reason), false); err != nil {
			return valueobject.OperationPending, "", err
		}
		return valueobject.OperationFailed, "", nil
	}
	return valueobject.OperationPending, "", nil
}

// guard не даёт суммам выплат и возвратов превысить захваченную сумму.
func (c *Coordinator) guard(ctx context.Context, cmd command) error {
	balance, err := c.ledger.Balance(ctx, cmd.order.ID, cmd.order.Currency)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить баланс удержания")
	}
	if !cmd.amount.IsPositive() {
		return apperror.New(apperror.ErrCodeValidation, "сумма операции должна быть положительной")
	}
	if cmd.fee.IsNegative() || cmd.fee.GreaterThan(cmd.amount) {
		return apperror.New(apperror.ErrCodeValidation, "некорректная комиссия операции")
	}
	if balance.Outgoing().Add(cmd.amount).GreaterThan(balance.Captured) {
		return ErrOverRelease
	}
	return nil
}

func (c *Coordinator) succeed(ctx context.Context, op *entity.EscrowOperation, ref string) error {
	if err := c.settle(ctx, op, ref); err != nil {
		return err
	}
	if err := c.ops.MarkSucceeded(ctx, op.IdempotencyKey, ref, c.now()); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить исход платёжной операции")
	}
	return nil
}

// settle дописывает в журнал завершённые записи операции. Повторный вызов ничего не добавляет.
func (c *Coordinator) settle(ctx context.Context, op *entity.EscrowOperation, ref string) error {
	entries := entriesFor(op, ref, valueobject.LedgerStatusCompleted, c.now())
	if err := c.linkCompensation(ctx, op, entries); err != nil {
		return err
	}
	inserted, err := c.ledger.Append(ctx, entries...)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось записать движение средств в журнал")
	}
	if inserted > 0 {
		for _, e := range entries {
			c.metrics.AddEscrowAmount(string(e.Type), e.Currency, e.Amount)
		}
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, op *entity.EscrowOperation, cause error, retryable bool) error {
	now := c.now()
	if err := c.ops.MarkFailed(ctx, op.IdempotencyKey, cause.Error(), retryable, now); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить исход платёжной операции")
	}
	// Неудачный захват не оставляет следа в журнале: деньги не двигались и заказа нет.
	if op.Kind == valueobject.OperationCapture {
		return nil
	}
	failed := entriesFor(op, "", valueobject.LedgerStatusFailed, now)
	for _, e := range failed {
		e.Note = cause.Error()
	}
	if err := c.linkCompensation(ctx, op, failed); err != nil {
		return err
	}
	if _, err := c.ledger.Append(ctx, failed...); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось записать неудачную операцию в журнал")
	}
	return nil
}

// linkCompensation связывает записи возврата захвата с исходной записью payment_in.
func (c *Coordinator) linkCompensation(ctx context.Context, op *entity.EscrowOperation, entries []*entity.LedgerEntry) error {
	if op.Kind != valueobject.OperationCaptureReversal {
		return nil
	}
	existing, err := c.ledger.ListByOrder(ctx, op.OrderID)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить журнал")
	}
	for _, prev := range existing {
		if prev.Type != valueobject.LedgerPaymentIn || prev.Status != valueobject.LedgerStatusCompleted {
			continue
		}
		id := prev.ID
		for _, e := range entries {
			e.Compensates = &id
		}
		return nil
	}
	return nil
}

func (c *Coordinator) failure(kind valueobject.OperationKind, cause error, retryable bool) error {
	if kind == valueobject.OperationCapture {
		appErr := apperror.Wrap(cause, apperror.ErrCodePaymentDeclined, apperror.ErrPaymentDeclined.Message)
		appErr.Retryable = retryable
		return appErr
	}
	return apperror.EscrowFailed(cause, retryable)
}

func entriesFor(op *entity.EscrowOperation, ref string, status valueobject.LedgerStatus, now time.Time) []*entity.LedgerEntry {
	var processorRef *string
	if ref != "" {
		processorRef = &ref
	}
	entry := func(t valueobject.LedgerEntryType, amount decimal.Decimal, payer, payee uuid.UUID) *entity.LedgerEntry {
		key := entryKey(op.IdempotencyKey, t)
		if status != valueobject.LedgerStatusCompleted {
			key += ":" + string(status)
		}
		return &entity.LedgerEntry{
			OrderID:        op.OrderID,
			MilestoneID:    op.MilestoneID,
			Type:           t,
			Amount:         amount,
			Currency:       op.Currency,
			PayerID:        payer,
			PayeeID:        payee,
			ProcessorRef:   processorRef,
			IdempotencyKey: key,
			Status:         status,
			Note:           op.Transition,
			CreatedAt:      now,
		}
	}

	switch {
	case op.Kind == valueobject.OperationCapture:
		return []*entity.LedgerEntry{entry(valueobject.LedgerPaymentIn, op.Amount, op.PayerID, PlatformAccount)}
	case op.Kind.IsRelease():
		var out []*entity.LedgerEntry
		if net := op.Amount.Sub(op.Fee); net.IsPositive() {
			out = append(out, entry(valueobject.LedgerPayout, net, op.PayerID, op.PayeeID))
		}
		if op.Fee.IsPositive() {
			out = append(out, entry(valueobject.LedgerPlatformFee, op.Fee, op.PayerID, PlatformAccount))
		}
		return out
	case op.Kind.IsRefund():
		return []*entity.LedgerEntry{entry(valueobject.LedgerRefund, op.Amount, PlatformAccount, op.PayerID)}
	}
	return nil
}

func payeeFor(kind valueobject.OperationKind, order *entity.Order) uuid.UUID {
	switch {
	case kind.IsRelease():
		return order.SellerID
	case kind.IsRefund():
		return order.BuyerID
	}
	return PlatformAccount
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
