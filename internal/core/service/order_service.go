package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/metrics"
	"github.com/rl1809/escrow-settlement/internal/port"
)

var (
	ErrNilRepository = errors.New("order service: repository not configured")
	ErrNilTreasury   = errors.New("order service: treasury not configured")
	ErrNilLocker     = errors.New("order service: locker not configured")
	ErrNilPlatform   = errors.New("order service: platform config not configured")
)

// Store is the registry plus the settlement ledger. Both storage adapters
// implement it.
type Store interface {
	port.EscrowRepository
	port.SettlementLedger
}

type OpenOrderRequest struct {
	OrderID    string
	Buyer      string
	Seller     string
	Amount     int64
	ListingRef string
	Quantity   int
}

// OrderService coordinates every escrow transition: authorization, the
// transition table, fee split, the status commit and the fund movements.
// Mutations on one order id are serialized through the locker.
type OrderService struct {
	store    Store
	treasury port.Treasury
	locker   port.KeyLocker
	platform *PlatformConfig
	events   port.EventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*OrderService)

func WithLogger(logger *zap.Logger) Option {
	return func(s *OrderService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(s *OrderService) { s.events = p }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewOrderService(store Store, treasury port.Treasury, locker port.KeyLocker, platform *PlatformConfig, opts ...Option) (*OrderService, error) {
	switch {
	case store == nil:
		return nil, ErrNilRepository
	case treasury == nil:
		return nil, ErrNilTreasury
	case locker == nil:
		return nil, ErrNilLocker
	case platform == nil:
		return nil, ErrNilPlatform
	}

	s := &OrderService{
		store:    store,
		treasury: treasury,
		locker:   locker,
		platform: platform,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenOrder takes custody of the buyer's funds and records a Pending order.
// Nothing is stored when the hold fails.
func (s *OrderService) OpenOrder(ctx context.Context, req OpenOrderRequest) (domain.EscrowOrder, error) {
	order := domain.EscrowOrder{
		ID:         req.OrderID,
		Buyer:      req.Buyer,
		Seller:     req.Seller,
		Amount:     req.Amount,
		ListingRef: req.ListingRef,
		Quantity:   req.Quantity,
		Status:     domain.OrderStatusPending,
		CreatedAt:  s.now(),
		Version:    1,
	}
	if err := order.Validate(); err != nil {
		metrics.RecordTransition(string(domain.ActionOpen), "rejected")
		return domain.EscrowOrder{}, err
	}

	unlock, err := s.locker.Lock(ctx, order.ID)
	if err != nil {
		return domain.EscrowOrder{}, fmt.Errorf("lock order %s: %w", order.ID, err)
	}
	defer unlock()

	if _, err := s.store.Get(ctx, order.ID); err == nil {
		metrics.RecordTransition(string(domain.ActionOpen), "rejected")
		return domain.EscrowOrder{}, fmt.Errorf("%w: %s", domain.ErrAlreadyExists, order.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.EscrowOrder{}, fmt.Errorf("lookup order %s: %w", order.ID, err)
	}

	attempt := uuid.NewString()
	hold := s.newIntent(order.ID, domain.LegHold, domain.TransferHold, order.Buyer, order.Amount,
		domain.OpenAttemptKey(order.ID, domain.LegHold, attempt))
	if err := s.send(ctx, hold); err != nil {
		metrics.RecordTransition(string(domain.ActionOpen), "transfer_failed")
		s.logger.Warn("hold failed, order not opened",
			zap.String("order_id", order.ID), zap.Int64("amount", order.Amount), zap.Error(err))
		return domain.EscrowOrder{}, &domain.TransferError{OrderID: order.ID, Leg: domain.LegHold, Err: err}
	}
	settledAt := s.now()
	hold.State = domain.TransferSettled
	hold.Attempts = 1
	hold.SettledAt = &settledAt

	if err := s.store.Insert(ctx, order, []domain.TransferIntent{hold}); err != nil {
		s.compensateHold(ctx, order, attempt, err)
		return domain.EscrowOrder{}, fmt.Errorf("insert order %s: %w", order.ID, err)
	}

	metrics.RecordTransition(string(domain.ActionOpen), "ok")
	s.logger.Info("escrow opened",
		zap.String("order_id", order.ID), zap.String("buyer", order.Buyer), zap.Int64("amount", order.Amount))
	s.emit(ctx, domain.Event{
		Type:      domain.EventTypeOpened,
		OrderID:   order.ID,
		Action:    domain.ActionOpen,
		Actor:     order.Buyer,
		Status:    order.Status,
		Amount:    order.Amount,
		Transfers: records([]domain.TransferIntent{hold}),
	})
	return order.Clone(), nil
}

// compensateHold returns held funds when the record could not be stored.
func (s *OrderService) compensateHold(ctx context.Context, order domain.EscrowOrder, attempt string, cause error) {
	ctx = context.WithoutCancel(ctx)
	key := domain.OpenAttemptKey(order.ID, domain.LegCompensate, attempt)
	if err := s.treasury.Refund(ctx, order.ID, order.Amount, order.Buyer, key); err != nil {
		s.logger.Error("CRITICAL compensation refund failed",
			zap.String("order_id", order.ID), zap.Int64("amount", order.Amount),
			zap.NamedError("cause", cause), zap.Error(err))
		metrics.RecordTransfer(string(domain.LegCompensate), "failed", order.Amount)
		return
	}
	metrics.RecordTransfer(string(domain.LegCompensate), "settled", order.Amount)
	s.logger.Warn("hold compensated after insert failure",
		zap.String("order_id", order.ID), zap.NamedError("cause", cause))
}

// CompleteOrder releases the funds to the seller minus the platform fee.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID, caller string) (domain.EscrowOrder, error) {
	return s.transition(ctx, orderID, caller, domain.ActionComplete, domain.OrderStatusCompleted, "")
}

// RefundOrder returns the full amount to the buyer.
func (s *OrderService) RefundOrder(ctx context.Context, orderID, caller string) (domain.EscrowOrder, error) {
	return s.transition(ctx, orderID, caller, domain.ActionRefund, domain.OrderStatusRefunded, "")
}

// DisputeOrder freezes the order until the authority resolves it.
func (s *OrderService) DisputeOrder(ctx context.Context, orderID, caller string) (domain.EscrowOrder, error) {
	return s.transition(ctx, orderID, caller, domain.ActionDispute, domain.OrderStatusDisputed, "")
}

// ResolveDispute settles a disputed order with one of the two outcomes.
func (s *OrderService) ResolveDispute(ctx context.Context, orderID, caller string, resolution domain.Resolution) (domain.EscrowOrder, error) {
	if !resolution.Valid() {
		metrics.RecordTransition(string(domain.ActionResolve), "rejected")
		return domain.EscrowOrder{}, fmt.Errorf("%w: unknown resolution %q", domain.ErrValidation, resolution)
	}
	return s.transition(ctx, orderID, caller, domain.ActionResolve, domain.OrderStatusResolved, resolution)
}

func (s *OrderService) transition(ctx context.Context, orderID, caller string, action domain.Action, target domain.OrderStatus, resolution domain.Resolution) (domain.EscrowOrder, error) {
	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return domain.EscrowOrder{}, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	current, err := s.store.Get(ctx, orderID)
	if err != nil {
		metrics.RecordTransition(string(action), "rejected")
		return domain.EscrowOrder{}, err
	}
	if err := Authorize(action, current, s.platform.Authority(), caller); err != nil {
		metrics.RecordTransition(string(action), "unauthorized")
		return domain.EscrowOrder{}, err
	}
	if err := domain.ValidateTransition(current.Status, target); err != nil {
		metrics.RecordTransition(string(action), "invalid_transition")
		return domain.EscrowOrder{}, err
	}

	updated := current.Clone()
	updated.Status = target
	updated.Version = current.Version + 1
	if target.Terminal() {
		completedAt := s.now()
		updated.CompletedAt = &completedAt
	}

	intents, split := s.plan(updated, action, resolution)
	if err := s.store.Commit(ctx, updated, current.Version, intents); err != nil {
		metrics.RecordTransition(string(action), "commit_failed")
		return domain.EscrowOrder{}, fmt.Errorf("commit order %s: %w", orderID, err)
	}

	// The status is durable from here on; finish the movements even if the
	// caller goes away.
	dispatchErr := s.dispatch(context.WithoutCancel(ctx), intents)

	event := domain.Event{
		Type:       eventType(target),
		OrderID:    orderID,
		Action:     action,
		Actor:      caller,
		Status:     target,
		Resolution: resolution,
		Amount:     updated.Amount,
		Fee:        split.Fee,
		Payout:     split.Payout,
		Refund:     split.Refund,
		Transfers:  records(intents),
	}
	s.emit(ctx, event)

	if dispatchErr != nil {
		metrics.RecordTransition(string(action), "transfer_failed")
		failed := event
		failed.Type = domain.EventTypeTransferFailed
		failed.Error = dispatchErr.Error()
		s.emit(ctx, failed)
		return updated.Clone(), dispatchErr
	}

	metrics.RecordTransition(string(action), "ok")
	s.logger.Info("escrow transition",
		zap.String("order_id", orderID), zap.String("action", string(action)),
		zap.String("status", string(target)), zap.Int64("fee", split.Fee), zap.Int64("payout", split.Payout), zap.Int64("refund", split.Refund))
	return updated.Clone(), nil
}

// plan decides the movements for a transition. Disputes move nothing.
func (s *OrderService) plan(order domain.EscrowOrder, action domain.Action, resolution domain.Resolution) ([]domain.TransferIntent, domain.Settlement) {
	payToSeller := action == domain.ActionComplete || (action == domain.ActionResolve && resolution == domain.ResolutionPaySeller)
	refundBuyer := action == domain.ActionRefund || (action == domain.ActionResolve && resolution == domain.ResolutionRefundBuyer)

	switch {
	case payToSeller:
		split := domain.ComputeFee(order.Amount, s.platform.FeePercentage())
		var intents []domain.TransferIntent
		if split.Fee > 0 {
			intents = append(intents, s.newIntent(order.ID, domain.LegFee, domain.TransferRelease, s.platform.Authority(), split.Fee,
				domain.IdempotencyKey(order.ID, order.Status, domain.LegFee)))
		}
		intents = append(intents, s.newIntent(order.ID, domain.LegPayout, domain.TransferRelease, order.Seller, split.Payout,
			domain.IdempotencyKey(order.ID, order.Status, domain.LegPayout)))
		return intents, split
	case refundBuyer:
		return []domain.TransferIntent{
			s.newIntent(order.ID, domain.LegRefund, domain.TransferRefund, order.Buyer, order.Amount,
				domain.IdempotencyKey(order.ID, order.Status, domain.LegRefund)),
		}, domain.Settlement{Refund: order.Amount}
	default:
		return nil, domain.Settlement{}
	}
}

func (s *OrderService) newIntent(orderID string, leg domain.TransferLeg, kind domain.TransferKind, party string, amount int64, key string) domain.TransferIntent {
	return domain.TransferIntent{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		Leg:            leg,
		Kind:           kind,
		Party:          party,
		Amount:         amount,
		IdempotencyKey: key,
		State:          domain.TransferPending,
		CreatedAt:      s.now(),
	}
}

// GetOrder returns a snapshot of the order.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.EscrowOrder, error) {
	return s.store.Get(ctx, orderID)
}

// GetOrderFor is GetOrder on behalf of caller, who must be a party to the
// order or the authority.
func (s *OrderService) GetOrderFor(ctx context.Context, orderID, caller string) (domain.EscrowOrder, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return domain.EscrowOrder{}, err
	}
	if err := AuthorizeRead(order, s.platform.Authority(), caller); err != nil {
		return domain.EscrowOrder{}, err
	}
	return order, nil
}

// ListByBuyer returns the buyer's orders, most recent first.
func (s *OrderService) ListByBuyer(ctx context.Context, buyer string) ([]domain.EscrowOrder, error) {
	orders, err := s.store.ListByBuyer(ctx, buyer)
	if err != nil {
		return nil, err
	}
	sortRecentFirst(orders)
	return orders, nil
}

// ListBySeller returns the seller's orders, most recent first.
func (s *OrderService) ListBySeller(ctx context.Context, seller string) ([]domain.EscrowOrder, error) {
	orders, err := s.store.ListBySeller(ctx, seller)
	if err != nil {
		return nil, err
	}
	sortRecentFirst(orders)
	return orders, nil
}

// ListByBuyerFor lists buyer's orders when caller is that buyer or the
// authority.
func (s *OrderService) ListByBuyerFor(ctx context.Context, buyer, caller string) ([]domain.EscrowOrder, error) {
	if err := AuthorizeListing(buyer, s.platform.Authority(), caller); err != nil {
		return nil, err
	}
	return s.ListByBuyer(ctx, buyer)
}

// ListBySellerFor lists seller's orders when caller is that seller or the
// authority.
func (s *OrderService) ListBySellerFor(ctx context.Context, seller, caller string) ([]domain.EscrowOrder, error) {
	if err := AuthorizeListing(seller, s.platform.Authority(), caller); err != nil {
		return nil, err
	}
	return s.ListBySeller(ctx, seller)
}

// ListTransfers returns the settlement ledger of an order.
func (s *OrderService) ListTransfers(ctx context.Context, orderID string) ([]domain.TransferIntent, error) {
	if _, err := s.store.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListTransfers(ctx, orderID)
}

// ListTransfersFor returns the ledger when caller may read the order.
func (s *OrderService) ListTransfersFor(ctx context.Context, orderID, caller string) ([]domain.TransferIntent, error) {
	if _, err := s.GetOrderFor(ctx, orderID, caller); err != nil {
		return nil, err
	}
	return s.store.ListTransfers(ctx, orderID)
}

func (s *OrderService) GetFeePercentage() int {
	return s.platform.FeePercentage()
}

// UpdateFeePercentage changes the platform fee; authority only.
func (s *OrderService) UpdateFeePercentage(ctx context.Context, caller string, pct int) error {
	if err := s.platform.UpdateFee(ctx, caller, pct); err != nil {
		metrics.RecordTransition(string(domain.ActionUpdateFee), "rejected")
		return err
	}
	metrics.RecordTransition(string(domain.ActionUpdateFee), "ok")
	s.logger.Info("platform fee updated", zap.Int("fee_percentage", pct))
	s.emit(ctx, domain.Event{
		Type:   domain.EventTypeFeeUpdated,
		Action: domain.ActionUpdateFee,
		Actor:  caller,
		Fee:    int64(pct),
	})
	return nil
}

func (s *OrderService) emit(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	event.ID = uuid.NewString()
	event.OccurredAt = s.now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("type", event.Type), zap.String("order_id", event.OrderID), zap.Error(err))
	}
}

func eventType(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusCompleted:
		return domain.EventTypeCompleted
	case domain.OrderStatusRefunded:
		return domain.EventTypeRefunded
	case domain.OrderStatusDisputed:
		return domain.EventTypeDisputed
	case domain.OrderStatusResolved:
		return domain.EventTypeResolved
	default:
		return domain.EventTypeOpened
	}
}

func records(intents []domain.TransferIntent) []domain.TransferRecord {
	if len(intents) == 0 {
		return nil
	}
	out := make([]domain.TransferRecord, 0, len(intents))
	for _, in := range intents {
		out = append(out, domain.TransferRecord{Leg: in.Leg, Party: in.Party, Amount: in.Amount})
	}
	return out
}

func sortRecentFirst(orders []domain.EscrowOrder) {
	slices.SortFunc(orders, func(a, b domain.EscrowOrder) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
