package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/escrow"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/infrastructure/persistence/memory"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-engine/internal/processor"
	"github.com/ignatzorin/escrow-engine/internal/processor/sandbox"
	"github.com/ignatzorin/escrow-engine/internal/usecase/order"
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
	store       *memory.Store
	proc        *sandbox.Sandbox
	coordinator *escrow.Coordinator
	engine      *order.Engine
	clock       *clock
	buyer       entity.Actor
	seller      entity.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	proc := sandbox.New()
	clk := &clock{now: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)}

	coordinator := escrow.NewCoordinator(proc, store.Operations, store.Ledger, nil, escrow.Config{
		CallTimeout: 50 * time.Millisecond,
		MaxRetries:  1,
		RetryBase:   time.Millisecond,
	})
	coordinator.SetClock(clk.Now)

	engine := order.NewEngine(store.Orders, store.Ledger, store.Disputes, coordinator, events.NewRecorder(), nil, order.Config{
		AutoApproveAfter: 72 * time.Hour,
		LockTTL:          time.Minute,
	})
	engine.SetClock(clk.Now)

	return &fixture{
		store:       store,
		proc:        proc,
		coordinator: coordinator,
		engine:      engine,
		clock:       clk,
		buyer:       entity.Actor{UserID: uuid.New(), Role: valueobject.RoleBuyer},
		seller:      entity.Actor{UserID: uuid.New(), Role: valueobject.RoleSeller},
	}
}

func (f *fixture) reconciler() *Reconciler {
	r := NewReconciler(f.store.Operations, f.store.Orders, f.coordinator, f.engine, nil, nil, ReconcilerConfig{
		StaleAfter: 10 * time.Second,
	})
	r.SetClock(f.clock.Now)
	return r
}

func (f *fixture) create(ctx context.Context) (*entity.Order, error) {
	return f.engine.Create(ctx, f.buyer, order.CreateInput{
		Type:          valueobject.OrderTypeGig,
		BuyerID:       f.buyer.UserID,
		SellerID:      f.seller.UserID,
		Amount:        decimal.RequireFromString("100"),
		PlatformFee:   decimal.RequireFromString("20"),
		Currency:      "USD",
		RevisionCount: 1,
	})
}

func TestReconciler_FinishesTimedOutCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.Script(sandbox.OpCapture, sandbox.Hang)
	parked, err := f.create(ctx)
	require.True(t, apperror.IsEscrowPending(err))
	require.NotNil(t, parked)
	assert.Equal(t, valueobject.EscrowStatusCapturePending, parked.EscrowStatus)

	// Hang успел применить списание: сверка видит успех и доводит активацию.
	f.clock.Advance(15 * time.Second)
	require.NoError(t, f.reconciler().RunOnce(ctx))

	o, err := f.store.Orders.FindByID(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusActive, o.Status)
	assert.Equal(t, valueobject.EscrowStatusHeld, o.EscrowStatus)
	assert.False(t, o.IsParked())
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpCapture))

	entries, err := f.store.Ledger.ListByOrder(ctx, parked.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, valueobject.LedgerPaymentIn, entries[0].Type)

	pending, err := f.store.Operations.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReconciler_RollsBackDeclinedCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.Script(sandbox.OpCapture, sandbox.HangPending)
	parked, err := f.create(ctx)
	require.True(t, apperror.IsEscrowPending(err))

	// Процессор ещё думает: заказ остаётся припаркованным.
	f.clock.Advance(15 * time.Second)
	require.NoError(t, f.reconciler().RunOnce(ctx))
	o, err := f.store.Orders.FindByID(ctx, parked.ID)
	require.NoError(t, err)
	assert.True(t, o.IsParked())

	f.proc.Settle(escrow.IdempotencyKey(parked.ID, nil, valueobject.OperationCapture), false)
	f.clock.Advance(15 * time.Second)
	require.NoError(t, f.reconciler().RunOnce(ctx))

	o, err = f.store.Orders.FindByID(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCancelled, o.Status)
	assert.Equal(t, valueobject.EscrowStatusDeclined, o.EscrowStatus)
	assert.False(t, o.IsParked())

	entries, err := f.store.Ledger.ListByOrder(ctx, parked.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
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

func TestReconciler_ReversesCaptureOfUnsavedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orders := &unsavedOrders{OrderRepository: f.store.Orders}
	engine := order.NewEngine(orders, f.store.Ledger, f.store.Disputes, f.coordinator, events.NewRecorder(), nil, order.Config{})
	engine.SetClock(f.clock.Now)

	f.proc.Script(sandbox.OpCapture, sandbox.HangPending)
	o, err := engine.Create(ctx, f.buyer, order.CreateInput{
		Type:        valueobject.OrderTypeGig,
		BuyerID:     f.buyer.UserID,
		SellerID:    f.seller.UserID,
		Amount:      decimal.RequireFromString("100"),
		PlatformFee: decimal.RequireFromString("20"),
		Currency:    "USD",
	})
	require.Error(t, err)
	assert.Nil(t, o)
	require.NotNil(t, orders.attempted)
	orderID := orders.attempted.ID

	// Процессор всё-таки провёл списание, а заказа в хранилище нет.
	f.proc.Settle(escrow.IdempotencyKey(orderID, nil, valueobject.OperationCapture), true)
	f.clock.Advance(15 * time.Second)
	require.NoError(t, f.reconciler().RunOnce(ctx))

	assert.Equal(t, 1, f.proc.Effects(sandbox.OpCapture))
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpRefund))

	entries, err := f.store.Ledger.ListByOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, valueobject.LedgerPaymentIn, entries[0].Type)
	assert.Equal(t, valueobject.LedgerRefund, entries[1].Type)
	require.NotNil(t, entries[1].Compensates)
	assert.Equal(t, entries[0].ID, *entries[1].Compensates)

	pending, err := f.store.Operations.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Повторный проход ничего не двигает.
	f.clock.Advance(15 * time.Second)
	require.NoError(t, f.reconciler().RunOnce(ctx))
	assert.Equal(t, 1, f.proc.Effects(sandbox.OpRefund))
}

type mockOperationReconciler struct {
	mock.Mock
}

func (m *mockOperationReconciler) Reconcile(ctx context.Context, op *entity.EscrowOperation) (valueobject.OperationStatus, string, error) {
	args := m.Called(ctx, op)
	return args.Get(0).(valueobject.OperationStatus), args.String(1), args.Error(2)
}

func (m *mockOperationReconciler) ReverseOrphan(ctx context.Context, op *entity.EscrowOperation, ref string) (escrow.Outcome, error) {
	args := m.Called(ctx, op, ref)
	return args.Get(0).(escrow.Outcome), args.Error(1)
}

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) CompletePending(ctx context.Context, orderID uuid.UUID) (*entity.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Order), args.Error(1)
}

type busyLease struct{}

func (busyLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (busyLease) Release(context.Context, string, string) error { return nil }

func seedOperation(t *testing.T, store *memory.Store, at time.Time) *entity.EscrowOperation {
	t.Helper()
	op := &entity.EscrowOperation{
		IdempotencyKey: "op-" + uuid.NewString(),
		OrderID:        uuid.New(),
		Kind:           valueobject.OperationRelease,
		Transition:     "approve",
		Amount:         decimal.RequireFromString("80"),
		Currency:       "USD",
		Status:         valueobject.OperationPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	_, created, err := store.Operations.Begin(context.Background(), op)
	require.NoError(t, err)
	require.True(t, created)
	return op
}

func TestReconciler_UnknownKeyScheduledForResend(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	op := seedOperation(t, store, now.Add(-time.Minute))

	rec := new(mockOperationReconciler)
	completer := new(mockCompleter)
	rec.On("Reconcile", mock.Anything, mock.Anything).Return(valueobject.OperationPending, "", processor.ErrUnknownKey)
	completer.On("CompletePending", mock.Anything, op.OrderID).Return(&entity.Order{ID: op.OrderID, Status: valueobject.OrderStatusCompleted}, nil)

	r := NewReconciler(store.Operations, store.Orders, rec, completer, nil, nil, ReconcilerConfig{StaleAfter: 10 * time.Second})
	r.SetClock(func() time.Time { return now })
	require.NoError(t, r.RunOnce(context.Background()))

	stored, err := store.Operations.FindByKey(context.Background(), op.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OperationFailed, stored.Status)
	assert.True(t, stored.Retryable)
	completer.AssertNumberOfCalls(t, "CompletePending", 1)
}

func TestReconciler_SkipsFreshAndLeasedOperations(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	seedOperation(t, store, now.Add(-time.Second))

	rec := new(mockOperationReconciler)
	completer := new(mockCompleter)

	r := NewReconciler(store.Operations, store.Orders, rec, completer, nil, nil, ReconcilerConfig{StaleAfter: 10 * time.Second})
	r.SetClock(func() time.Time { return now })
	require.NoError(t, r.RunOnce(context.Background()))
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)

	// Операция устарела, но аренду держит другой экземпляр.
	leased := NewReconciler(store.Operations, store.Orders, rec, completer, busyLease{}, nil, ReconcilerConfig{StaleAfter: 10 * time.Second})
	leased.SetClock(func() time.Time { return now.Add(time.Minute) })
	require.NoError(t, leased.RunOnce(context.Background()))
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
	completer.AssertNotCalled(t, "CompletePending", mock.Anything, mock.Anything)
}

func TestAutoApprover_ApprovesOnlyElapsedDeadlines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deliver := func(o *entity.Order) {
		_, err := f.engine.Execute(ctx, o.ID, f.seller, order.TransitionDeliver, order.DeliverParams{
			Deliverables: []entity.PayloadInput{{Ref: "s3://deliverables/result.zip"}},
		})
		require.NoError(t, err)
	}

	early, err := f.create(ctx)
	require.NoError(t, err)
	deliver(early)

	f.clock.Advance(48 * time.Hour)
	late, err := f.create(ctx)
	require.NoError(t, err)
	deliver(late)

	f.clock.Advance(25 * time.Hour)
	approver := NewAutoApprover(f.store.Orders, f.engine, time.Minute, 10)
	approver.SetClock(f.clock.Now)

	n, err := approver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := f.store.Orders.FindByID(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusCompleted, o.Status)

	o, err = f.store.Orders.FindByID(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.OrderStatusDelivered, o.Status)

	// Повторный проход ничего не делает.
	n, err = approver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
