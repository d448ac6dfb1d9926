package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

// MemoryAdapter keeps orders, intents and settings in process memory. Every
// read returns a copy.
type MemoryAdapter struct {
	mu        sync.RWMutex
	orders    map[string]domain.EscrowOrder
	intents   map[string]domain.TransferIntent
	byOrder   map[string][]string
	sequence  []string
	fee       int
	feeStored bool
	now       func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		orders:  make(map[string]domain.EscrowOrder),
		intents: make(map[string]domain.TransferIntent),
		byOrder: make(map[string][]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryAdapter) Insert(ctx context.Context, order domain.EscrowOrder, intents []domain.TransferIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, order.ID)
	}
	m.orders[order.ID] = order.Clone()
	m.appendIntents(intents)
	return nil
}

func (m *MemoryAdapter) Get(ctx context.Context, orderID string) (domain.EscrowOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return domain.EscrowOrder{}, fmt.Errorf("%w: %s", domain.ErrNotFound, orderID)
	}
	return order.Clone(), nil
}

func (m *MemoryAdapter) Commit(ctx context.Context, order domain.EscrowOrder, expectedVersion int, intents []domain.TransferIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, order.ID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: order %s at version %d, expected %d", domain.ErrVersionConflict, order.ID, stored.Version, expectedVersion)
	}
	m.orders[order.ID] = order.Clone()
	m.appendIntents(intents)
	return nil
}

func (m *MemoryAdapter) appendIntents(intents []domain.TransferIntent) {
	for _, in := range intents {
		m.intents[in.ID] = in
		m.byOrder[in.OrderID] = append(m.byOrder[in.OrderID], in.ID)
		m.sequence = append(m.sequence, in.ID)
	}
}

func (m *MemoryAdapter) ListByBuyer(ctx context.Context, buyer string) ([]domain.EscrowOrder, error) {
	return m.filter(func(o domain.EscrowOrder) bool { return o.Buyer == buyer }), nil
}

func (m *MemoryAdapter) ListBySeller(ctx context.Context, seller string) ([]domain.EscrowOrder, error) {
	return m.filter(func(o domain.EscrowOrder) bool { return o.Seller == seller }), nil
}

func (m *MemoryAdapter) filter(match func(domain.EscrowOrder) bool) []domain.EscrowOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.EscrowOrder, 0)
	for _, o := range m.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (m *MemoryAdapter) ListTransfers(ctx context.Context, orderID string) ([]domain.TransferIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOrder[orderID]
	out := make([]domain.TransferIntent, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneIntent(m.intents[id]))
	}
	return out, nil
}

func (m *MemoryAdapter) PendingTransfers(ctx context.Context, limit int) ([]domain.TransferIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.TransferIntent
	for _, id := range m.sequence {
		in := m.intents[id]
		if in.State != domain.TransferPending {
			continue
		}
		out = append(out, cloneIntent(in))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryAdapter) MarkSettled(ctx context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[intentID]
	if !ok {
		return fmt.Errorf("transfer intent %s not found", intentID)
	}
	now := m.now()
	in.State = domain.TransferSettled
	in.Attempts++
	in.LastError = ""
	in.SettledAt = &now
	m.intents[intentID] = in
	return nil
}

func (m *MemoryAdapter) RecordAttempt(ctx context.Context, intentID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[intentID]
	if !ok {
		return fmt.Errorf("transfer intent %s not found", intentID)
	}
	in.Attempts++
	in.LastError = lastErr
	m.intents[intentID] = in
	return nil
}

func (m *MemoryAdapter) LoadFeePercentage(ctx context.Context) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fee, m.feeStored, nil
}

func (m *MemoryAdapter) SaveFeePercentage(ctx context.Context, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fee = pct
	m.feeStored = true
	return nil
}

func cloneIntent(in domain.TransferIntent) domain.TransferIntent {
	c := in
	if in.SettledAt != nil {
		t := *in.SettledAt
		c.SettledAt = &t
	}
	return c
}
