package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

// LogPublisher writes each audit event as one structured log line.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("audit")}
}

func (p *LogPublisher) Publish(ctx context.Context, e domain.Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.String("action", string(e.Action)),
		zap.String("actor", e.Actor),
		zap.Time("occurred_at", e.OccurredAt),
	}
	if e.OrderID != "" {
		fields = append(fields, zap.String("order_id", e.OrderID), zap.String("status", string(e.Status)))
	}
	if e.Resolution != "" {
		fields = append(fields, zap.String("resolution", string(e.Resolution)))
	}
	fields = append(fields, zap.Int64("amount", e.Amount), zap.Int64("fee", e.Fee), zap.Int64("payout", e.Payout), zap.Int64("refund", e.Refund))
	for _, t := range e.Transfers {
		fields = append(fields, zap.Int64("transfer_"+string(t.Leg), t.Amount))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	p.logger.Info("escrow event", fields...)
	return nil
}
