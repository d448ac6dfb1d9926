package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/metrics"
)

const defaultReconcileLimit = 100

// ReconcileReport summarises one sweep over pending intents.
type ReconcileReport struct {
	Attempted int
	Settled   int
	Failed    int
}

// send issues a single movement to the treasury.
func (s *OrderService) send(ctx context.Context, in domain.TransferIntent) error {
	start := time.Now()
	var err error
	switch in.Kind {
	case domain.TransferHold:
		err = s.treasury.Hold(ctx, in.OrderID, in.Amount, in.Party, in.IdempotencyKey)
	case domain.TransferRelease:
		err = s.treasury.Release(ctx, in.OrderID, in.Amount, in.Party, in.IdempotencyKey)
	case domain.TransferRefund:
		err = s.treasury.Refund(ctx, in.OrderID, in.Amount, in.Party, in.IdempotencyKey)
	default:
		err = fmt.Errorf("unknown transfer kind %q", in.Kind)
	}
	metrics.ObserveTreasury(string(in.Kind), time.Since(start).Seconds())

	if err != nil {
		metrics.RecordTransfer(string(in.Leg), "failed", in.Amount)
		return err
	}
	metrics.RecordTransfer(string(in.Leg), "settled", in.Amount)
	return nil
}

// dispatch sends every committed intent and marks it settled. All legs are
// attempted; the first failure is returned and failed legs stay pending for
// the reconciliation sweep.
func (s *OrderService) dispatch(ctx context.Context, intents []domain.TransferIntent) error {
	var firstErr error
	for _, in := range intents {
		if err := s.settle(ctx, in); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *OrderService) settle(ctx context.Context, in domain.TransferIntent) error {
	if err := s.send(ctx, in); err != nil {
		s.logger.Warn("transfer failed, left pending",
			zap.String("order_id", in.OrderID), zap.String("leg", string(in.Leg)),
			zap.Int64("amount", in.Amount), zap.Error(err))
		if recErr := s.store.RecordAttempt(ctx, in.ID, err.Error()); recErr != nil {
			s.logger.Error("record transfer attempt failed",
				zap.String("intent_id", in.ID), zap.Error(recErr))
		}
		return &domain.TransferError{OrderID: in.OrderID, Leg: in.Leg, Err: err}
	}
	// A failed mark only causes a re-dispatch under the same idempotency key.
	if err := s.store.MarkSettled(ctx, in.ID); err != nil {
		s.logger.Error("mark transfer settled failed",
			zap.String("intent_id", in.ID), zap.String("order_id", in.OrderID), zap.Error(err))
	}
	return nil
}

// Reconcile re-dispatches intents whose transfer did not go through when the
// status was committed. Each order is locked while its intents are retried.
func (s *OrderService) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	pending, err := s.store.PendingTransfers(ctx, limit)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list pending transfers: %w", err)
	}

	var report ReconcileReport
	for _, in := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++

		unlock, err := s.locker.Lock(ctx, in.OrderID)
		if err != nil {
			return report, fmt.Errorf("lock order %s: %w", in.OrderID, err)
		}
		err = s.settle(ctx, in)
		unlock()

		if err != nil {
			report.Failed++
			metrics.RecordReconciled("failed")
			continue
		}
		report.Settled++
		metrics.RecordReconciled("settled")
		s.logger.Info("pending transfer settled",
			zap.String("order_id", in.OrderID), zap.String("leg", string(in.Leg)), zap.Int64("amount", in.Amount))
	}
	return report, nil
}
