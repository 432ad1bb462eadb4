package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/infrastructure/persistence/memory"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-engine/internal/processor/sandbox"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	proc   *sandbox.Sandbox
	events *events.Recorder
	clock  *clock
	buyer  entity.Actor
	seller entity.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	proc := sandbox.New()
	clk := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	coordinator := escrow.NewCoordinator(proc, store.Operations, store.Ledger, nil, escrow.Config{
		CallTimeout: 50 * time.Millisecond,
		MaxRetries:  2,
		RetryBase:   time.Millisecond,
	})
	coordinator.SetClock(clk.Now)

	recorder := events.NewRecorder()
	engine := NewEngine(store.Orders, store.Ledger, store.Disputes, coordinator, recorder, nil, Config{
		AutoApproveAfter: 72 * time.Hour,
		LockTTL:          time.Minute,
	})
	engine.SetClock(clk.Now)

	return &fixture{
		engine: engine,
		store:  store,
		proc:   proc,
		events: recorder,
		clock:  clk,
		buyer:  entity.Actor{UserID: uuid.New(), Role: valueobject.RoleBuyer},
		seller: entity.Actor{UserID: uuid.New(), Role: valueobject.RoleSeller},
	}
}

func (f *fixture) input(amount, fee string, revisions int) CreateInput {
	return CreateInput{
		Type:          valueobject.OrderTypeGig,
		BuyerID:       f.buyer.UserID,
		SellerID:      f.seller.UserID,
		Amount:        decimal.RequireFromString(amount),
		PlatformFee:   decimal.RequireFromString(fee),
		Currency:      "USD",
		Terms:         "Логотип в трёх вариантах",
		RevisionCount: revisions,
	}
}

func (f *fixture) create(t *testing.T, amount, fee string, revisions int) *entity.Order {
	t.Helper()
	o, err := f.engine.Create(context.Background(), f.buyer, f.input(amount, fee, revisions))
	require.NoError(t, err)
	return o
}

func (f *fixture) deliver(t *testing.T, orderID uuid.UUID) *entity.Order {
	t.Helper()
	o, err := f.engine.Execute(context.Background(), orderID, f.seller, TransitionDeliver, DeliverParams{
		Deliverables: []entity.PayloadInput{{Ref: "s3://deliverables/logo-v1.zip", Name: "logo-v1.zip"}},
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) ledger(t *testing.T, orderID uuid.UUID) []*entity.LedgerEntry {
	t.Helper()
	entries, err := f.store.Ledger.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return entries
}

func assertEntry(t *testing.T, e *entity.LedgerEntry, typ valueobject.LedgerEntryType, amount string) {
	t.Helper()
	assert.Equal(t, typ, e.Type)
	assert.True(t, decimal.RequireFromString(amount).Equal(e.Amount), "expected %s %s, got %s", typ, amount, e.Amount)
	assert.Equal(t, valueobject.LedgerStatusCompleted, e.Status)
}

func TestEngine_GigHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 1)
	assert.Equal(t, valueobject.OrderStatusActive, o.Status)
	assert.Equal(t, valueobject.EscrowStatusHeld, o.EscrowStatus)
	require.NotNil(t, o.HoldRef)

	delivered := f.deliver(t, o.ID)
	assert.Equal(t, valueobject.OrderStatusDelivered, delivered.Status)
	require.NotNil(t, delivered.ResponseDeadline)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *delivered.ResponseDeadline)

	done, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, done.Status)
	assert.Equal(t, valueobject.EscrowStatusReleased, done.EscrowStatus)
	assert.True(t, done.Amount.Equal(done.PlatformFee.Add(done.FreelancerEarnings)))

	entries := f.ledger(t, o.ID)
	require.Len(t, entries, 3)
	assertEntry(t, entries[0], valueobject.LedgerPaymentIn, "100")
	assertEntry(t, entries[1], valueobject.LedgerPayout, "80")
	assertEntry(t, entries[2], valueobject.LedgerPlatformFee, "20")
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	assert.Equal(t, 1, f.proc.Effects(sandbox.OpCapture))
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpTransfer))
	assert.Equal(t, []events.Type{events.OrderCompleted, events.OrderReviewEligible}, f.events.Types())

	balance, err := f.engine.Balance(ctx, f.buyer, o.ID)
	require.NoError(t, err)
	assert.True(t, balance.Held().IsZero())
}

func TestEngine_RevisionLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 1)
	f.deliver(t, o.ID)

	revised, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionRequestRevision, RevisionParams{Note: "Поменяйте шрифт"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusRevisionRequested, revised.Status)
	assert.Equal(t, 1, revised.RevisionsUsed)

	before := f.deliver(t, o.ID)

	_, err = f.engine.Execute(ctx, o.ID, f.buyer, TransitionRequestRevision, RevisionParams{Note: "Ещё раз"})
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeRevisionLimit, apperror.CodeOf(err))
	assert.True(t, apperror.IsValidation(err))

	after, err := f.engine.FindOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusDelivered, after.Status)
	assert.Equal(t, 1, after.RevisionsUsed)
	assert.Equal(t, before.Version, after.Version)
}

func TestEngine_CreateCaptureDeclined(t *testing.T) {
	f := newFixture(t)
	f.proc.Script(sandbox.OpCapture, sandbox.Decline)

	o, err := f.engine.Create(context.Background(), f.buyer, f.input("100", "20", 0))
	require.Error(t, err)
	assert.Nil(t, o)
	assert.Equal(t, apperror.ErrCodePaymentDeclined, apperror.CodeOf(err))
	assert.Equal(t, 0, f.proc.Effects(sandbox.OpCapture))
}

func TestEngine_CreateCaptureUnavailableRetried(t *testing.T) {
	f := newFixture(t)
	f.proc.Script(sandbox.OpCapture, sandbox.Unavailable, sandbox.Unavailable)

	o := f.create(t, "50", "5", 0)
	assert.Equal(t, valueobject.OrderStatusActive, o.Status)
	assert.Equal(t, 3, f.proc.Calls(sandbox.OpCapture))
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpCapture))
}

func TestEngine_CreateRejectsForeignBuyer(t *testing.T) {
	f := newFixture(t)
	stranger := entity.Actor{UserID: uuid.New(), Role: valueobject.RoleBuyer}

	_, err := f.engine.Create(context.Background(), stranger, f.input("100", "20", 0))
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Equal(t, 0, f.proc.Calls(sandbox.OpCapture))
}

func TestEngine_CaptureTimeoutReconciledOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.proc.Script(sandbox.OpCapture, sandbox.Hang)

	o, err := f.engine.Create(ctx, f.buyer, f.input("100", "20", 0))
	require.Error(t, err)
	assert.True(t, apperror.IsEscrowPending(err))
	require.NotNil(t, o)
	assert.Equal(t, valueobject.OrderStatusPending, o.Status)
	assert.Equal(t, valueobject.EscrowStatusCapturePending, o.EscrowStatus)
	assert.Empty(t, f.ledger(t, o.ID))

	// Пока захват не сверен, любые переходы отклоняются.
	_, err = f.engine.Execute(ctx, o.ID, f.buyer, TransitionCancel, CancelParams{Reason: "передумал"})
	assert.True(t, apperror.IsEscrowPending(err))

	f.clock.Advance(time.Second)
	active, err := f.engine.CompletePending(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusActive, active.Status)
	assert.Equal(t, valueobject.EscrowStatusHeld, active.EscrowStatus)
	assert.False(t, active.IsParked())
	assert.Nil(t, active.LockOwner)

	again, err := f.engine.CompletePending(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, active.Version, again.Version)

	entries := f.ledger(t, o.ID)
	require.Len(t, entries, 1)
	assertEntry(t, entries[0], valueobject.LedgerPaymentIn, "100")
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpCapture))
}

func TestEngine_CaptureTimeoutDeclinedOnReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.proc.Script(sandbox.OpCapture, sandbox.HangPending)

	o, err := f.engine.Create(ctx, f.buyer, f.input("100", "20", 0))
	require.True(t, apperror.IsEscrowPending(err))

	f.proc.Settle(escrow.IdempotencyKey(o.ID, nil, valueobject.OperationCapture), false)
	f.clock.Advance(time.Second)

	declined, err := f.engine.CompletePending(ctx, o.ID)
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodePaymentDeclined, apperror.CodeOf(err))
	require.NotNil(t, declined)
	assert.Equal(t, valueobject.OrderStatusCancelled, declined.Status)
	assert.Equal(t, valueobject.EscrowStatusDeclined, declined.EscrowStatus)
	assert.Empty(t, f.ledger(t, o.ID))
	assert.Equal(t, []events.Type{events.OrderCancelled}, f.events.Types())
}

// unsavedOrders теряет заказ при сохранении, как упавшая база.
type unsavedOrders struct {
	repository.OrderRepository
	attempted *entity.Order
}

func (u *unsavedOrders) Create(_ context.Context, o *entity.Order, _ []*entity.Milestone) error {
	u.attempted = o
	return errors.New("db down")
}

func TestEngine_CreateReversesCaptureWhenOrderNotSaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orders := &unsavedOrders{OrderRepository: f.store.Orders}
	coordinator := escrow.NewCoordinator(f.proc, f.store.Operations, f.store.Ledger, nil, escrow.Config{
		CallTimeout: 50 * time.Millisecond,
		MaxRetries:  1,
		RetryBase:   time.Millisecond,
	})
	engine := NewEngine(orders, f.store.Ledger, f.store.Disputes, coordinator, f.events, nil, Config{})

	o, err := engine.Create(ctx, f.buyer, f.input("100", "20", 0))
	require.Error(t, err)
	assert.Nil(t, o)
	assert.Equal(t, apperror.ErrCodeDatabaseError, apperror.CodeOf(err))
	require.NotNil(t, orders.attempted)

	assert.Equal(t, 1, f.proc.Effects(sandbox.OpCapture))
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpRefund))

	entries := f.ledger(t, orders.attempted.ID)
	require.Len(t, entries, 2)
	assertEntry(t, entries[0], valueobject.LedgerPaymentIn, "100")
	assertEntry(t, entries[1], valueobject.LedgerRefund, "100")
	require.NotNil(t, entries[1].Compensates)
	assert.Equal(t, entries[0].ID, *entries[1].Compensates)

	balance := entity.BalanceOf("USD", entries)
	assert.True(t, balance.Held().IsZero())

	pending, err := f.store.Operations.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Empty(t, f.events.Types())
}

func TestEngine_ReleasePendingThenSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	f.deliver(t, o.ID)
	f.proc.Script(sandbox.OpTransfer, sandbox.HangPending)

	parked, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionApprove, nil)
	require.True(t, apperror.IsEscrowPending(err))
	require.NotNil(t, parked)
	assert.Equal(t, valueobject.OrderStatusDelivered, parked.Status)
	assert.Equal(t, valueobject.EscrowStatusReleasePending, parked.EscrowStatus)

	// Процессор ещё не ответил: заказ остаётся припаркованным.
	f.clock.Advance(time.Second)
	_, err = f.engine.CompletePending(ctx, o.ID)
	require.True(t, apperror.IsEscrowPending(err))
	stored, err := f.engine.FindOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsParked())
	assert.Equal(t, valueobject.EscrowStatusReleasePending, stored.EscrowStatus)

	// Ожидание живёт в заказе и операции; журнал видит только захват.
	interim := f.ledger(t, o.ID)
	require.Len(t, interim, 1)
	assertEntry(t, interim[0], valueobject.LedgerPaymentIn, "100")

	f.proc.Settle(escrow.IdempotencyKey(o.ID, nil, valueobject.OperationRelease), true)
	f.clock.Advance(time.Second)

	done, err := f.engine.CompletePending(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, done.Status)
	assert.Equal(t, valueobject.EscrowStatusReleased, done.EscrowStatus)

	entries := f.ledger(t, o.ID)
	require.Len(t, entries, 3)
	assertEntry(t, entries[1], valueobject.LedgerPayout, "80")
	assertEntry(t, entries[2], valueobject.LedgerPlatformFee, "20")
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpTransfer))
	assert.Equal(t, []events.Type{events.OrderCompleted, events.OrderReviewEligible}, f.events.Types())
}

func TestEngine_ReleaseDeclinedOnReconcileRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	f.deliver(t, o.ID)
	f.proc.Script(sandbox.OpTransfer, sandbox.HangPending)

	_, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionApprove, nil)
	require.True(t, apperror.IsEscrowPending(err))

	f.proc.Settle(escrow.IdempotencyKey(o.ID, nil, valueobject.OperationRelease), false)
	f.clock.Advance(time.Second)

	restored, err := f.engine.CompletePending(ctx, o.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsEscrowFailed(err))
	require.NotNil(t, restored)
	assert.Equal(t, valueobject.OrderStatusDelivered, restored.Status)
	assert.Equal(t, valueobject.EscrowStatusHeld, restored.EscrowStatus)
	assert.False(t, restored.IsParked())

	balance, err := f.store.Ledger.Balance(ctx, o.ID, "USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(balance.Held()))
	for _, e := range f.ledger(t, o.ID)[1:] {
		assert.Equal(t, valueobject.LedgerStatusFailed, e.Status)
	}
	assert.Empty(t, f.events.Types())
}

func TestEngine_ReleaseDeclinedLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	before := f.deliver(t, o.ID)
	f.proc.Script(sandbox.OpTransfer, sandbox.Decline)

	_, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionApprove, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsEscrowFailed(err))

	after, err := f.engine.FindOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.EscrowStatus, after.EscrowStatus)
	assert.Nil(t, after.LockOwner)
	assert.Equal(t, 0, f.proc.Effects(sandbox.OpTransfer))
}

func TestEngine_TerminalOrderIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	f.deliver(t, o.ID)
	_, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionApprove, nil)
	require.NoError(t, err)
	entries := len(f.ledger(t, o.ID))

	attempts := []struct {
		actor  entity.Actor
		name   string
		params any
	}{
		{f.buyer, TransitionApprove, nil},
		{f.buyer, TransitionCancel, CancelParams{Reason: "поздно"}},
		{f.seller, TransitionDeliver, DeliverParams{Deliverables: []entity.PayloadInput{{Ref: "late.zip"}}}},
		{f.buyer, TransitionRequestRevision, RevisionParams{Note: "ещё"}},
		{entity.SystemActor, TransitionAutoApprove, nil},
	}
	for _, a := range attempts {
		_, err := f.engine.Execute(ctx, o.ID, a.actor, a.name, a.params)
		assert.ErrorIs(t, err, apperror.ErrOrderTerminal, a.name)
	}
	assert.Len(t, f.ledger(t, o.ID), entries)
}

func TestEngine_CancelRefundsHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	cancelled, err := f.engine.Execute(ctx, o.ID, f.seller, TransitionCancel, CancelParams{Reason: "не успеваю"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, valueobject.EscrowStatusRefunded, cancelled.EscrowStatus)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "не успеваю", *cancelled.CancelReason)

	entries := f.ledger(t, o.ID)
	require.Len(t, entries, 2)
	assertEntry(t, entries[1], valueobject.LedgerRefund, "100")
	assert.Equal(t, []events.Type{events.OrderCancelled}, f.events.Types())
}

func TestEngine_CancelAfterDeliveryRejected(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, "100", "20", 0)
	f.deliver(t, o.ID)

	_, err := f.engine.Execute(context.Background(), o.ID, f.buyer, TransitionCancel, CancelParams{})
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestEngine_RoleChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "100", "20", 0)

	_, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionDeliver, DeliverParams{
		Deliverables: []entity.PayloadInput{{Ref: "x"}},
	})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	stranger := entity.Actor{UserID: uuid.New(), Role: valueobject.RoleSeller}
	_, err = f.engine.Execute(ctx, o.ID, stranger, TransitionDeliver, DeliverParams{
		Deliverables: []entity.PayloadInput{{Ref: "x"}},
	})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = f.engine.GetOrder(ctx, stranger, o.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestEngine_DeliverRequiresDeliverables(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, "100", "20", 0)

	_, err := f.engine.Execute(context.Background(), o.ID, f.seller, TransitionDeliver, DeliverParams{})
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestEngine_AutoApproveAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	f.deliver(t, o.ID)

	_, err := f.engine.Execute(ctx, o.ID, entity.SystemActor, TransitionAutoApprove, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))

	f.clock.Advance(73 * time.Hour)
	due, err := f.store.Orders.ListAutoApprovable(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	done, err := f.engine.Execute(ctx, o.ID, entity.SystemActor, TransitionAutoApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, done.Status)
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpTransfer))
}

func TestEngine_StaleWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "100", "20", 0)

	_, err := f.store.Orders.AcquireLock(ctx, repository.LockRequest{
		OrderID: o.ID,
		Version: o.Version,
		Owner:   uuid.New(),
		Until:   f.clock.Now().Add(time.Minute),
		Now:     f.clock.Now(),
	})
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx, o.ID, f.seller, TransitionDeliver, DeliverParams{
		Deliverables: []entity.PayloadInput{{Ref: "x"}},
	})
	assert.True(t, apperror.IsStale(err))

	// Просроченную блокировку можно перехватить.
	f.clock.Advance(2 * time.Minute)
	f.deliver(t, o.ID)
}

func TestEngine_ConcurrentDeliverAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, "100", "20", 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.engine.Execute(ctx, o.ID, f.seller, TransitionDeliver, DeliverParams{
			Deliverables: []entity.PayloadInput{{Ref: "x"}},
		})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.engine.Execute(ctx, o.ID, f.buyer, TransitionCancel, CancelParams{Reason: "ждать долго"})
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperror.IsStale(err) || apperror.IsValidation(err), err.Error())
	}
	assert.Equal(t, 1, succeeded)

	final, err := f.engine.FindOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, final.LockOwner)
	assert.Contains(t, []valueobject.OrderStatus{valueobject.OrderStatusDelivered, valueobject.OrderStatusCancelled}, final.Status)
}

func TestEngine_Milestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input("100", "20", 0)
	in.Milestones = []entity.MilestoneInput{
		{Title: "Макет", Amount: decimal.NewFromInt(60)},
		{Title: "Вёрстка", Amount: decimal.NewFromInt(40)},
	}
	o, err := f.engine.Create(ctx, f.buyer, in)
	require.NoError(t, err)

	view, err := f.engine.GetOrder(ctx, f.buyer, o.ID)
	require.NoError(t, err)
	require.Len(t, view.Milestones, 2)
	first, second := view.Milestones[0], view.Milestones[1]
	assert.True(t, decimal.NewFromInt(12).Equal(first.PlatformFee))
	assert.True(t, decimal.NewFromInt(8).Equal(second.PlatformFee))

	deliver := func(m *entity.Milestone) error {
		_, err := f.engine.Execute(ctx, o.ID, f.seller, TransitionDeliverMilestone, MilestoneParams{
			MilestoneID:  m.ID,
			Deliverables: []entity.PayloadInput{{Ref: "stage-" + m.Title}},
		})
		return err
	}
	approve := func(m *entity.Milestone) (*entity.Order, error) {
		return f.engine.Execute(ctx, o.ID, f.buyer, TransitionApproveMilestone, MilestoneParams{MilestoneID: m.ID})
	}

	assert.True(t, apperror.IsValidation(deliver(second)), "второй этап нельзя сдать раньше первого")
	_, err = approve(first)
	assert.True(t, apperror.IsValidation(err), "несданный этап нельзя принять")

	require.NoError(t, deliver(first))
	partial, err := approve(first)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusActive, partial.Status)

	require.NoError(t, deliver(second))
	done, err := approve(second)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, done.Status)

	entries := f.ledger(t, o.ID)
	require.Len(t, entries, 5)
	assertEntry(t, entries[1], valueobject.LedgerPayout, "48")
	assertEntry(t, entries[2], valueobject.LedgerPlatformFee, "12")
	assertEntry(t, entries[3], valueobject.LedgerPayout, "32")
	assertEntry(t, entries[4], valueobject.LedgerPlatformFee, "8")

	balance, err := f.engine.Balance(ctx, f.seller, o.ID)
	require.NoError(t, err)
	assert.True(t, balance.Held().IsZero())
	assert.True(t, balance.Outgoing().Equal(balance.Captured))
}

func TestEngine_CancelAfterPartialMilestoneRefundsRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input("100", "20", 0)
	in.Milestones = []entity.MilestoneInput{
		{Title: "Первый", Amount: decimal.NewFromInt(30)},
		{Title: "Второй", Amount: decimal.NewFromInt(70)},
	}
	o, err := f.engine.Create(ctx, f.buyer, in)
	require.NoError(t, err)
	view, err := f.engine.GetOrder(ctx, f.buyer, o.ID)
	require.NoError(t, err)
	first := view.Milestones[0]

	_, err = f.engine.Execute(ctx, o.ID, f.seller, TransitionDeliverMilestone, MilestoneParams{
		MilestoneID:  first.ID,
		Deliverables: []entity.PayloadInput{{Ref: "part-1"}},
	})
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, o.ID, f.buyer, TransitionApproveMilestone, MilestoneParams{MilestoneID: first.ID})
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx, o.ID, f.buyer, TransitionCancel, CancelParams{Reason: "дальше сами"})
	require.NoError(t, err)

	entries := f.ledger(t, o.ID)
	assertEntry(t, entries[len(entries)-1], valueobject.LedgerRefund, "70")

	view, err = f.engine.GetOrder(ctx, f.buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.MilestoneStatusApproved, view.Milestones[0].Status)
	assert.Equal(t, valueobject.MilestoneStatusRefunded, view.Milestones[1].Status)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error { return errors.New("broker down") }
func (failingPublisher) Close() error                                { return nil }

func TestEngine_PublishFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.engine.publisher = failingPublisher{}
	ctx := context.Background()

	o := f.create(t, "100", "20", 0)
	cancelled, err := f.engine.Execute(ctx, o.ID, f.buyer, TransitionCancel, CancelParams{Reason: "ошибся"})
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCancelled, cancelled.Status)
}
