package domain

import (
	"fmt"
	"time"
)

type TransferLeg string

const (
	LegHold       TransferLeg = "hold"
	LegPayout     TransferLeg = "payout"
	LegFee        TransferLeg = "fee"
	LegRefund     TransferLeg = "refund"
	LegCompensate TransferLeg = "compensate"
)

// TransferKind selects the treasury primitive used for a leg.
type TransferKind string

const (
	TransferHold    TransferKind = "hold"
	TransferRelease TransferKind = "release"
	TransferRefund  TransferKind = "refund"
)

type TransferState string

const (
	TransferPending TransferState = "pending"
	TransferSettled TransferState = "settled"
)

// TransferIntent is a fund movement the engine decided on. It is committed
// together with the status change and settled once the treasury accepts it.
type TransferIntent struct {
	ID             string
	OrderID        string
	Leg            TransferLeg
	Kind           TransferKind
	Party          string
	Amount         int64
	IdempotencyKey string
	State          TransferState
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	SettledAt      *time.Time
}

// IdempotencyKey is stable for an order, its target status and the leg, so a
// re-dispatch of the same movement is recognised by the treasury.
func IdempotencyKey(orderID string, target OrderStatus, leg TransferLeg) string {
	return fmt.Sprintf("%s:%s:%s", orderID, target, leg)
}

// OpenAttemptKey scopes the hold and its compensation to one open attempt. A
// retried open after a compensated hold must take fresh custody, so it cannot
// share the previous attempt's key.
func OpenAttemptKey(orderID string, leg TransferLeg, attempt string) string {
	return IdempotencyKey(orderID, OrderStatusPending, leg) + ":" + attempt
}
