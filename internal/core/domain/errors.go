package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrNotFound          = errors.New("order not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTransferFailure   = errors.New("transfer failure")

	// ErrVersionConflict is returned by storage when the record changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// TransitionError names the rejected from/to pair.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransferError reports a treasury movement that did not go through. The
// corresponding intent stays pending in the settlement ledger.
type TransferError struct {
	OrderID string
	Leg     TransferLeg
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failure: order %s leg %s: %v", e.OrderID, e.Leg, e.Err)
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailure
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
