package treasury

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

// Movement is one accepted treasury request.
type Movement struct {
	Kind           domain.TransferKind
	OrderID        string
	Party          string
	Amount         int64
	IdempotencyKey string
	At             time.Time
}

// Recorder is an in-memory treasury. It records accepted movements, ignores
// repeated idempotency keys and can be told to fail.
type Recorder struct {
	mu        sync.Mutex
	movements []Movement
	seen      map[string]struct{}
	failure   func(Movement) error
}

func NewRecorder() *Recorder {
	return &Recorder{seen: make(map[string]struct{})}
}

// SetFailure installs a hook consulted before each movement; a non-nil error
// rejects it. Passing nil clears the hook.
func (r *Recorder) SetFailure(fn func(Movement) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = fn
}

func (r *Recorder) Hold(ctx context.Context, orderID string, amount int64, source, idempotencyKey string) error {
	return r.record(ctx, Movement{Kind: domain.TransferHold, OrderID: orderID, Party: source, Amount: amount, IdempotencyKey: idempotencyKey})
}

func (r *Recorder) Release(ctx context.Context, orderID string, amount int64, destination, idempotencyKey string) error {
	return r.record(ctx, Movement{Kind: domain.TransferRelease, OrderID: orderID, Party: destination, Amount: amount, IdempotencyKey: idempotencyKey})
}

func (r *Recorder) Refund(ctx context.Context, orderID string, amount int64, destination, idempotencyKey string) error {
	return r.record(ctx, Movement{Kind: domain.TransferRefund, OrderID: orderID, Party: destination, Amount: amount, IdempotencyKey: idempotencyKey})
}

func (r *Recorder) record(ctx context.Context, m Movement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[m.IdempotencyKey]; dup {
		return nil
	}
	if r.failure != nil {
		if err := r.failure(m); err != nil {
			return err
		}
	}
	m.At = time.Now().UTC()
	r.seen[m.IdempotencyKey] = struct{}{}
	r.movements = append(r.movements, m)
	return nil
}

func (r *Recorder) Movements() []Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Movement, len(r.movements))
	copy(out, r.movements)
	return out
}

// Received sums releases and refunds paid out to party.
func (r *Recorder) Received(party string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, m := range r.movements {
		if m.Party == party && m.Kind != domain.TransferHold {
			total += m.Amount
		}
	}
	return total
}

// Held sums the holds taken for orderID.
func (r *Recorder) Held(orderID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, m := range r.movements {
		if m.OrderID == orderID && m.Kind == domain.TransferHold {
			total += m.Amount
		}
	}
	return total
}
