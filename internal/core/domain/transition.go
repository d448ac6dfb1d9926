package domain

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:  {OrderStatusCompleted, OrderStatusRefunded, OrderStatusDisputed},
	OrderStatusDisputed: {OrderStatusResolved},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError when from -> to is illegal.
// Terminal states, self transitions and anything into Pending are all rejected
// by absence from the table.
func ValidateTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
