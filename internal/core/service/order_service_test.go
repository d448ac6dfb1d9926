package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/escrow-settlement/internal/adapter/lock"
	"github.com/rl1809/escrow-settlement/internal/adapter/storage"
	"github.com/rl1809/escrow-settlement/internal/adapter/treasury"
	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

const (
	testAuthority = "platform"
	testBuyer     = "alice"
	testSeller    = "bob"
)

var errTreasuryDown = errors.New("treasury unavailable")

type capturedEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *capturedEvents) Publish(ctx context.Context, e domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturedEvents) last() domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return domain.Event{}
	}
	return c.events[len(c.events)-1]
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc      *OrderService
	store    *storage.MemoryAdapter
	treasury *treasury.Recorder
	events   *capturedEvents
}

func newFixture(t *testing.T, feePct int, opts ...Option) *fixture {
	t.Helper()
	store := storage.NewMemoryAdapter()
	return newFixtureWithStore(t, feePct, store, store, opts...)
}

func newFixtureWithStore(t *testing.T, feePct int, store Store, mem *storage.MemoryAdapter, opts ...Option) *fixture {
	t.Helper()
	platform, err := NewPlatformConfig(domain.PlatformSettings{Authority: testAuthority, FeePercentage: feePct}, mem)
	require.NoError(t, err)

	recorder := treasury.NewRecorder()
	events := &capturedEvents{}
	opts = append([]Option{WithEventPublisher(events)}, opts...)
	svc, err := NewOrderService(store, recorder, lock.NewLocalLocker(), platform, opts...)
	require.NoError(t, err)

	return &fixture{svc: svc, store: mem, treasury: recorder, events: events}
}

func (f *fixture) open(t *testing.T, id string, amount int64) domain.EscrowOrder {
	t.Helper()
	order, err := f.svc.OpenOrder(context.Background(), OpenOrderRequest{
		OrderID: id, Buyer: testBuyer, Seller: testSeller, Amount: amount, Quantity: 1,
	})
	require.NoError(t, err)
	return order
}

func TestNewOrderService_RequiresCollaborators(t *testing.T) {
	store := storage.NewMemoryAdapter()
	platform, err := NewPlatformConfig(domain.PlatformSettings{Authority: testAuthority}, nil)
	require.NoError(t, err)
	recorder := treasury.NewRecorder()
	locker := lock.NewLocalLocker()

	_, err = NewOrderService(nil, recorder, locker, platform)
	assert.ErrorIs(t, err, ErrNilRepository)
	_, err = NewOrderService(store, nil, locker, platform)
	assert.ErrorIs(t, err, ErrNilTreasury)
	_, err = NewOrderService(store, recorder, nil, platform)
	assert.ErrorIs(t, err, ErrNilLocker)
	_, err = NewOrderService(store, recorder, locker, nil)
	assert.ErrorIs(t, err, ErrNilPlatform)
}

func TestOpenOrder_HoldsFunds(t *testing.T) {
	f := newFixture(t, 2)

	order := f.open(t, "o-1", 10_000)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Nil(t, order.CompletedAt)
	assert.Equal(t, int64(10_000), f.treasury.Held("o-1"))

	transfers, err := f.svc.ListTransfers(context.Background(), "o-1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, domain.LegHold, transfers[0].Leg)
	assert.Equal(t, domain.TransferSettled, transfers[0].State)
	assert.True(t, strings.HasPrefix(transfers[0].IdempotencyKey, "o-1:Pending:hold:"), transfers[0].IdempotencyKey)
	assert.Equal(t, []string{domain.EventTypeOpened}, f.events.types())
}

func TestOpenOrder_Validation(t *testing.T) {
	cases := []struct {
		name string
		req  OpenOrderRequest
	}{
		{"zero amount", OpenOrderRequest{OrderID: "v", Buyer: testBuyer, Seller: testSeller, Amount: 0, Quantity: 1}},
		{"negative amount", OpenOrderRequest{OrderID: "v", Buyer: testBuyer, Seller: testSeller, Amount: -5, Quantity: 1}},
		{"zero quantity", OpenOrderRequest{OrderID: "v", Buyer: testBuyer, Seller: testSeller, Amount: 100, Quantity: 0}},
		{"buyer is seller", OpenOrderRequest{OrderID: "v", Buyer: testBuyer, Seller: testBuyer, Amount: 100, Quantity: 1}},
		{"missing id", OpenOrderRequest{Buyer: testBuyer, Seller: testSeller, Amount: 100, Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 2)
			_, err := f.svc.OpenOrder(context.Background(), tc.req)
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Empty(t, f.treasury.Movements())
			_, err = f.svc.GetOrder(context.Background(), "v")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestOpenOrder_DuplicateID(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "dup", 500)

	_, err := f.svc.OpenOrder(context.Background(), OpenOrderRequest{
		OrderID: "dup", Buyer: "carol", Seller: testSeller, Amount: 900, Quantity: 2,
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	order, err := f.svc.GetOrder(context.Background(), "dup")
	require.NoError(t, err)
	assert.Equal(t, testBuyer, order.Buyer)
	assert.Equal(t, int64(500), order.Amount)
	assert.Len(t, f.treasury.Movements(), 1)
}

func TestOpenOrder_HoldFailureStoresNothing(t *testing.T) {
	f := newFixture(t, 2)
	f.treasury.SetFailure(func(treasury.Movement) error { return errTreasuryDown })

	_, err := f.svc.OpenOrder(context.Background(), OpenOrderRequest{
		OrderID: "o-1", Buyer: testBuyer, Seller: testSeller, Amount: 100, Quantity: 1,
	})
	require.ErrorIs(t, err, domain.ErrTransferFailure)
	require.ErrorIs(t, err, errTreasuryDown)

	_, err = f.svc.GetOrder(context.Background(), "o-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.events.types())
}

type failingInsertStore struct {
	*storage.MemoryAdapter
}

func (s failingInsertStore) Insert(ctx context.Context, order domain.EscrowOrder, intents []domain.TransferIntent) error {
	return errors.New("disk full")
}

func TestOpenOrder_InsertFailureCompensatesHold(t *testing.T) {
	mem := storage.NewMemoryAdapter()
	f := newFixtureWithStore(t, 2, failingInsertStore{mem}, mem)

	_, err := f.svc.OpenOrder(context.Background(), OpenOrderRequest{
		OrderID: "o-1", Buyer: testBuyer, Seller: testSeller, Amount: 700, Quantity: 1,
	})
	require.Error(t, err)

	movements := f.treasury.Movements()
	require.Len(t, movements, 2)
	assert.Equal(t, domain.TransferHold, movements[0].Kind)
	assert.Equal(t, domain.TransferRefund, movements[1].Kind)
	assert.True(t, strings.HasPrefix(movements[1].IdempotencyKey, "o-1:Pending:compensate:"), movements[1].IdempotencyKey)
	assert.Equal(t, int64(700), f.treasury.Received(testBuyer))
}

type flakyInsertStore struct {
	*storage.MemoryAdapter
	failures atomic.Int32
}

func (s *flakyInsertStore) Insert(ctx context.Context, order domain.EscrowOrder, intents []domain.TransferIntent) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return s.MemoryAdapter.Insert(ctx, order, intents)
}

func TestOpenOrder_RetryAfterCompensationTakesFreshHold(t *testing.T) {
	mem := storage.NewMemoryAdapter()
	store := &flakyInsertStore{MemoryAdapter: mem}
	store.failures.Store(1)
	f := newFixtureWithStore(t, 2, store, mem)
	ctx := context.Background()
	req := OpenOrderRequest{OrderID: "o-1", Buyer: testBuyer, Seller: testSeller, Amount: 1_000, Quantity: 1}

	_, err := f.svc.OpenOrder(ctx, req)
	require.Error(t, err)
	assert.Equal(t, int64(1_000), f.treasury.Received(testBuyer))

	_, err = f.svc.OpenOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), f.treasury.Held("o-1"))

	_, err = f.svc.CompleteOrder(ctx, "o-1", testBuyer)
	require.NoError(t, err)

	paidOut := f.treasury.Received(testSeller) + f.treasury.Received(testAuthority)
	assert.Equal(t, int64(1_000), paidOut)
	// Every unit released was first held, and the compensated hold went back.
	assert.Equal(t, paidOut, f.treasury.Held("o-1")-f.treasury.Received(testBuyer))
}

func TestCompleteOrder_ReleasesPayoutAndFee(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 10_000)

	order, err := f.svc.CompleteOrder(context.Background(), "o-1", testBuyer)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.CompletedAt)
	assert.Equal(t, 2, order.Version)

	assert.Equal(t, int64(9_800), f.treasury.Received(testSeller))
	assert.Equal(t, int64(200), f.treasury.Received(testAuthority))
	assert.Zero(t, f.treasury.Received(testBuyer))

	transfers, err := f.svc.ListTransfers(context.Background(), "o-1")
	require.NoError(t, err)
	require.Len(t, transfers, 3)
	assert.Equal(t, domain.LegFee, transfers[1].Leg)
	assert.Equal(t, domain.LegPayout, transfers[2].Leg)
	for _, tr := range transfers {
		assert.Equal(t, domain.TransferSettled, tr.State, tr.Leg)
	}
	assert.Equal(t, []string{domain.EventTypeOpened, domain.EventTypeCompleted}, f.events.types())
}

func TestCompleteOrder_ZeroFeeSkipsFeeLeg(t *testing.T) {
	f := newFixture(t, 0)
	f.open(t, "o-1", 1_000)

	_, err := f.svc.CompleteOrder(context.Background(), "o-1", testBuyer)
	require.NoError(t, err)

	assert.Equal(t, int64(1_000), f.treasury.Received(testSeller))
	assert.Zero(t, f.treasury.Received(testAuthority))
	transfers, err := f.svc.ListTransfers(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Len(t, transfers, 2)
}

func TestCompleteOrder_ReplayIsRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 10_000)

	_, err := f.svc.CompleteOrder(context.Background(), "o-1", testBuyer)
	require.NoError(t, err)

	_, err = f.svc.CompleteOrder(context.Background(), "o-1", testBuyer)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.OrderStatusCompleted, te.From)

	assert.Equal(t, int64(9_800), f.treasury.Received(testSeller))
}

func TestTransitions_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.open(t, "o-1", 1_000)

	_, err := f.svc.CompleteOrder(ctx, "o-1", testSeller)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.CompleteOrder(ctx, "o-1", testAuthority)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.RefundOrder(ctx, "o-1", testBuyer)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.DisputeOrder(ctx, "o-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.DisputeOrder(ctx, "o-1", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	order, err := f.svc.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, 1, order.Version)
}

func TestTransitions_AuthorizationCheckedBeforeTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.open(t, "o-1", 1_000)
	_, err := f.svc.CompleteOrder(ctx, "o-1", testBuyer)
	require.NoError(t, err)

	_, err = f.svc.CompleteOrder(ctx, "o-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.NotErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransitions_UnknownOrder(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.svc.CompleteOrder(context.Background(), "missing", testBuyer)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.ListTransfers(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefundOrder(t *testing.T) {
	for _, caller := range []string{testSeller, testAuthority} {
		t.Run(caller, func(t *testing.T) {
			f := newFixture(t, 5)
			f.open(t, "o-1", 1_234)

			order, err := f.svc.RefundOrder(context.Background(), "o-1", caller)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusRefunded, order.Status)
			require.NotNil(t, order.CompletedAt)

			// Refunds carry no fee.
			assert.Equal(t, int64(1_234), f.treasury.Received(testBuyer))
			assert.Zero(t, f.treasury.Received(testSeller))
			assert.Zero(t, f.treasury.Received(testAuthority))

			refunded := f.events.last()
			assert.Equal(t, domain.EventTypeRefunded, refunded.Type)
			assert.Equal(t, int64(1_234), refunded.Refund)
			assert.Zero(t, refunded.Payout)
			assert.Zero(t, refunded.Fee)
		})
	}
}

func TestDisputeAndResolve(t *testing.T) {
	cases := []struct {
		resolution   domain.Resolution
		buyerGets    int64
		sellerGets   int64
		authorityFee int64
	}{
		{domain.ResolutionRefundBuyer, 5_000, 0, 0},
		{domain.ResolutionPaySeller, 0, 4_850, 150},
	}
	for _, tc := range cases {
		t.Run(string(tc.resolution), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 3)
			f.open(t, "o-1", 5_000)

			disputed, err := f.svc.DisputeOrder(ctx, "o-1", testSeller)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusDisputed, disputed.Status)
			assert.Nil(t, disputed.CompletedAt)
			assert.Len(t, f.treasury.Movements(), 1)

			// A disputed order is frozen for everyone but the authority.
			_, err = f.svc.CompleteOrder(ctx, "o-1", testBuyer)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			_, err = f.svc.RefundOrder(ctx, "o-1", testSeller)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			_, err = f.svc.ResolveDispute(ctx, "o-1", testBuyer, tc.resolution)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)

			resolved, err := f.svc.ResolveDispute(ctx, "o-1", testAuthority, tc.resolution)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusResolved, resolved.Status)
			require.NotNil(t, resolved.CompletedAt)

			assert.Equal(t, tc.buyerGets, f.treasury.Received(testBuyer))
			assert.Equal(t, tc.sellerGets, f.treasury.Received(testSeller))
			assert.Equal(t, tc.authorityFee, f.treasury.Received(testAuthority))

			_, err = f.svc.ResolveDispute(ctx, "o-1", testAuthority, tc.resolution)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}
}

func TestResolveDispute_RejectsUnknownResolution(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 100)
	_, err := f.svc.DisputeOrder(context.Background(), "o-1", testBuyer)
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(context.Background(), "o-1", testAuthority, domain.Resolution("Split"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestResolveDispute_RequiresDisputedOrder(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 100)

	_, err := f.svc.ResolveDispute(context.Background(), "o-1", testAuthority, domain.ResolutionPaySeller)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Zero(t, f.treasury.Received(testSeller))
}

func TestTerminalOutcomes_ConserveAmount(t *testing.T) {
	amounts := []int64{1, 99, 100, 101, 12_345, 1 << 40}
	for _, amount := range amounts {
		f := newFixture(t, 7)
		ctx := context.Background()

		f.open(t, "c", amount)
		_, err := f.svc.CompleteOrder(ctx, "c", testBuyer)
		require.NoError(t, err)

		f.open(t, "r", amount)
		_, err = f.svc.RefundOrder(ctx, "r", testSeller)
		require.NoError(t, err)

		paidOut := f.treasury.Received(testSeller) + f.treasury.Received(testAuthority) + f.treasury.Received(testBuyer)
		assert.Equal(t, 2*amount, paidOut, "amount %d", amount)
	}
}

func TestTransferFailure_LeavesLegPendingUntilReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.open(t, "o-1", 10_000)

	f.treasury.SetFailure(func(m treasury.Movement) error {
		if m.Party == testSeller {
			return errTreasuryDown
		}
		return nil
	})

	order, err := f.svc.CompleteOrder(ctx, "o-1", testBuyer)
	require.ErrorIs(t, err, domain.ErrTransferFailure)
	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.LegPayout, te.Leg)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)

	stored, err := f.svc.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, stored.Status)
	assert.Equal(t, int64(200), f.treasury.Received(testAuthority))
	assert.Zero(t, f.treasury.Received(testSeller))

	// A caller retry must not re-run the transition.
	_, err = f.svc.CompleteOrder(ctx, "o-1", testBuyer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	pending, err := f.store.PendingTransfers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.LegPayout, pending[0].Leg)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, errTreasuryDown.Error())

	report, err := f.svc.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Attempted: 1, Failed: 1}, report)

	f.treasury.SetFailure(nil)
	report, err = f.svc.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Attempted: 1, Settled: 1}, report)
	assert.Equal(t, int64(9_800), f.treasury.Received(testSeller))

	report, err = f.svc.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)

	assert.Contains(t, f.events.types(), domain.EventTypeTransferFailed)
}

func TestReconcile_RedispatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.open(t, "o-1", 300)

	// Simulate a crash between the treasury accepting the payout and the
	// intent being marked settled.
	order, err := f.store.Get(ctx, "o-1")
	require.NoError(t, err)
	updated := order.Clone()
	updated.Status = domain.OrderStatusCompleted
	updated.Version++
	key := domain.IdempotencyKey("o-1", domain.OrderStatusCompleted, domain.LegPayout)
	intent := domain.TransferIntent{
		ID: "intent-1", OrderID: "o-1", Leg: domain.LegPayout, Kind: domain.TransferRelease,
		Party: testSeller, Amount: 300, IdempotencyKey: key, State: domain.TransferPending,
	}
	require.NoError(t, f.store.Commit(ctx, updated, order.Version, []domain.TransferIntent{intent}))
	require.NoError(t, f.treasury.Release(ctx, "o-1", 300, testSeller, key))

	report, err := f.svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, int64(300), f.treasury.Received(testSeller))
}

func TestConcurrentComplete_SinglePayout(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 10_000)

	var wg sync.WaitGroup
	var success, rejected atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CompleteOrder(context.Background(), "o-1", testBuyer)
			if err == nil {
				success.Add(1)
			} else if errors.Is(err, domain.ErrInvalidTransition) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(49), rejected.Load())
	assert.Equal(t, int64(9_800), f.treasury.Received(testSeller))
	assert.Equal(t, int64(200), f.treasury.Received(testAuthority))
}

func TestConcurrentCompleteAndRefund_OneOutcome(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 10_000)

	var wg sync.WaitGroup
	var success atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.svc.CompleteOrder(context.Background(), "o-1", testBuyer); err == nil {
				success.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.svc.RefundOrder(context.Background(), "o-1", testSeller); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	total := f.treasury.Received(testSeller) + f.treasury.Received(testAuthority) + f.treasury.Received(testBuyer)
	assert.Equal(t, int64(10_000), total)
}

func TestConcurrentOpen_DuplicateIDs(t *testing.T) {
	f := newFixture(t, 2)

	var wg sync.WaitGroup
	var opened, dup atomic.Int32
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.OpenOrder(context.Background(), OpenOrderRequest{
				OrderID: "same", Buyer: testBuyer, Seller: testSeller, Amount: 100, Quantity: 1,
			})
			if err == nil {
				opened.Add(1)
			} else if errors.Is(err, domain.ErrAlreadyExists) {
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, int32(29), dup.Load())
	assert.Equal(t, int64(100), f.treasury.Held("same"))
}

func TestUpdateFeePercentage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	err := f.svc.UpdateFeePercentage(ctx, testBuyer, 5)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	err = f.svc.UpdateFeePercentage(ctx, testAuthority, 11)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 2, f.svc.GetFeePercentage())

	require.NoError(t, f.svc.UpdateFeePercentage(ctx, testAuthority, 10))
	assert.Equal(t, 10, f.svc.GetFeePercentage())

	pct, ok, err := f.store.LoadFeePercentage(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10, pct)

	f.open(t, "o-1", 1_000)
	_, err = f.svc.CompleteOrder(ctx, "o-1", testBuyer)
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.treasury.Received(testAuthority))
	assert.Equal(t, int64(900), f.treasury.Received(testSeller))
	assert.Contains(t, f.events.types(), domain.EventTypeFeeUpdated)
}

func TestListings_MostRecentFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	f := newFixture(t, 2, WithClock(clock))
	ctx := context.Background()

	f.open(t, "first", 100)
	f.open(t, "second", 100)
	_, err := f.svc.OpenOrder(ctx, OpenOrderRequest{OrderID: "other", Buyer: "carol", Seller: testSeller, Amount: 100, Quantity: 1})
	require.NoError(t, err)

	byBuyer, err := f.svc.ListByBuyer(ctx, testBuyer)
	require.NoError(t, err)
	require.Len(t, byBuyer, 2)
	assert.Equal(t, "second", byBuyer[0].ID)
	assert.Equal(t, "first", byBuyer[1].ID)

	bySeller, err := f.svc.ListBySeller(ctx, testSeller)
	require.NoError(t, err)
	require.Len(t, bySeller, 3)
	assert.Equal(t, "other", bySeller[0].ID)

	none, err := f.svc.ListByBuyer(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetOrder_ReturnsSnapshot(t *testing.T) {
	f := newFixture(t, 2)
	f.open(t, "o-1", 100)

	snapshot, err := f.svc.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	snapshot.Status = domain.OrderStatusCompleted

	again, err := f.svc.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, again.Status)
}

func TestReads_RestrictedToPartiesAndAuthority(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.open(t, "o-1", 100)

	for _, caller := range []string{testBuyer, testSeller, testAuthority} {
		order, err := f.svc.GetOrderFor(ctx, "o-1", caller)
		require.NoError(t, err, caller)
		assert.Equal(t, "o-1", order.ID)

		transfers, err := f.svc.ListTransfersFor(ctx, "o-1", caller)
		require.NoError(t, err, caller)
		assert.Len(t, transfers, 1)
	}

	// An outsider cannot tell the order apart from a missing one.
	_, err := f.svc.GetOrderFor(ctx, "o-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.ListTransfersFor(ctx, "o-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.GetOrderFor(ctx, "missing", testBuyer)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListings_RestrictedToOwnOrders(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.open(t, "o-1", 100)

	mine, err := f.svc.ListByBuyerFor(ctx, testBuyer, testBuyer)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	asAuthority, err := f.svc.ListBySellerFor(ctx, testSeller, testAuthority)
	require.NoError(t, err)
	assert.Len(t, asAuthority, 1)

	_, err = f.svc.ListByBuyerFor(ctx, testBuyer, "mallory")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.ListBySellerFor(ctx, testSeller, testBuyer)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
