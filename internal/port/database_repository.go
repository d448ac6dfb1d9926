package port

import (
	"context"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

type EscrowRepository interface {
	// Insert stores a new order with its opening intents; ErrAlreadyExists if the id is taken
	Insert(ctx context.Context, order domain.EscrowOrder, intents []domain.TransferIntent) error

	// Get returns a snapshot of the order or ErrNotFound
	Get(ctx context.Context, orderID string) (domain.EscrowOrder, error)

	// Commit replaces the order if its stored version equals expectedVersion and
	// records the intents in the same transaction; ErrVersionConflict otherwise
	Commit(ctx context.Context, order domain.EscrowOrder, expectedVersion int, intents []domain.TransferIntent) error

	// ListByBuyer returns every order of the buyer, unordered
	ListByBuyer(ctx context.Context, buyer string) ([]domain.EscrowOrder, error)

	// ListBySeller returns every order of the seller, unordered
	ListBySeller(ctx context.Context, seller string) ([]domain.EscrowOrder, error)
}

type SettlementLedger interface {
	// ListTransfers returns every intent recorded for the order
	ListTransfers(ctx context.Context, orderID string) ([]domain.TransferIntent, error)

	// PendingTransfers returns up to limit unsettled intents, oldest first
	PendingTransfers(ctx context.Context, limit int) ([]domain.TransferIntent, error)

	// MarkSettled flags the intent as settled
	MarkSettled(ctx context.Context, intentID string) error

	// RecordAttempt stores a failed dispatch attempt
	RecordAttempt(ctx context.Context, intentID string, lastErr string) error
}

type SettingsRepository interface {
	// LoadFeePercentage returns the persisted fee, ok=false when none was saved
	LoadFeePercentage(ctx context.Context) (int, bool, error)

	// SaveFeePercentage persists the fee
	SaveFeePercentage(ctx context.Context, pct int) error
}
