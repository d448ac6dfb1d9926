package domain

import "time"

const (
	EventTypeOpened         = "escrow.opened"
	EventTypeCompleted      = "escrow.completed"
	EventTypeRefunded       = "escrow.refunded"
	EventTypeDisputed       = "escrow.disputed"
	EventTypeResolved       = "escrow.resolved"
	EventTypeFeeUpdated     = "escrow.fee_updated"
	EventTypeTransferFailed = "escrow.transfer_failed"
)

type Action string

const (
	ActionOpen      Action = "open"
	ActionComplete  Action = "complete"
	ActionRefund    Action = "refund"
	ActionDispute   Action = "dispute"
	ActionResolve   Action = "resolve"
	ActionUpdateFee Action = "update_fee"
)

// TransferRecord is the audit view of one movement inside an Event.
type TransferRecord struct {
	Leg    TransferLeg `json:"leg"`
	Party  string      `json:"party"`
	Amount int64       `json:"amount"`
}

// Event is the audit record emitted for every mutating operation.
type Event struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	OrderID    string           `json:"order_id,omitempty"`
	Action     Action           `json:"action"`
	Actor      string           `json:"actor"`
	Status     OrderStatus      `json:"status,omitempty"`
	Resolution Resolution       `json:"resolution,omitempty"`
	Amount     int64            `json:"amount"`
	Fee        int64            `json:"fee"`
	Payout     int64            `json:"payout"`
	Refund     int64            `json:"refund"`
	Transfers  []TransferRecord `json:"transfers,omitempty"`
	Error      string           `json:"error,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
