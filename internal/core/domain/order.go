package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusRefunded  OrderStatus = "Refunded"
	OrderStatusDisputed  OrderStatus = "Disputed"
	OrderStatusResolved  OrderStatus = "Resolved"
)

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusRefunded, OrderStatusDisputed, OrderStatusResolved:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusRefunded || s == OrderStatusResolved
}

// ParseOrderStatus accepts the canonical status names.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", raw)
	}
	return s, nil
}

// Resolution is the authority's decision on a disputed order.
type Resolution string

const (
	ResolutionRefundBuyer Resolution = "RefundBuyer"
	ResolutionPaySeller   Resolution = "PaySeller"
)

func (r Resolution) Valid() bool {
	return r == ResolutionRefundBuyer || r == ResolutionPaySeller
}

// EscrowOrder is a buyer payment held in custody until a terminal outcome.
// Version is bumped on every committed mutation and backs optimistic locking
// in the storage adapters.
type EscrowOrder struct {
	ID          string
	Buyer       string
	Seller      string
	Amount      int64
	ListingRef  string
	Quantity    int
	Status      OrderStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
	Version     int
}

// Clone returns a copy that shares no pointers with o.
func (o EscrowOrder) Clone() EscrowOrder {
	c := o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Validate checks the creation invariants of a new order.
func (o EscrowOrder) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if o.Buyer == "" || o.Seller == "" {
		return fmt.Errorf("%w: buyer and seller are required", ErrValidation)
	}
	if o.Buyer == o.Seller {
		return fmt.Errorf("%w: buyer and seller must be different", ErrValidation)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be greater than 0", ErrValidation)
	}
	return nil
}
