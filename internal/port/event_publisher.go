package port

import (
	"context"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}
