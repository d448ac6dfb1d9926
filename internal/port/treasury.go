package port

import "context"

// Treasury moves value. Every call carries an idempotency key; a repeated key
// must not move funds twice.
type Treasury interface {
	Hold(ctx context.Context, orderID string, amount int64, source, idempotencyKey string) error
	Release(ctx context.Context, orderID string, amount int64, destination, idempotencyKey string) error
	Refund(ctx context.Context, orderID string, amount int64, destination, idempotencyKey string) error
}
