package service

import (
	"fmt"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

// Authorize checks that caller is the party allowed to perform action on
// order. The error never names the other parties.
func Authorize(action domain.Action, order domain.EscrowOrder, authority, caller string) error {
	var allowed bool
	switch action {
	case domain.ActionComplete:
		allowed = caller == order.Buyer
	case domain.ActionRefund:
		allowed = caller == order.Seller || caller == authority
	case domain.ActionDispute:
		allowed = caller == order.Buyer || caller == order.Seller
	case domain.ActionResolve:
		allowed = caller == authority
	default:
		return fmt.Errorf("%w: unknown action %q", domain.ErrValidation, action)
	}

	if caller == "" || !allowed {
		return fmt.Errorf("%w: caller may not %s order %s", domain.ErrUnauthorized, action, order.ID)
	}
	return nil
}

// AuthorizeRead lets the parties and the authority see an order. Anyone else
// gets NotFound so the order's existence is not disclosed.
func AuthorizeRead(order domain.EscrowOrder, authority, caller string) error {
	if caller != "" && (caller == order.Buyer || caller == order.Seller || caller == authority) {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrNotFound, order.ID)
}

// AuthorizeListing lets a party list only its own orders. The authority may
// list anyone's.
func AuthorizeListing(party, authority, caller string) error {
	if caller != "" && (caller == party || caller == authority) {
		return nil
	}
	return fmt.Errorf("%w: caller may only list its own orders", domain.ErrUnauthorized)
}
