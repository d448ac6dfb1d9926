package domain

import "fmt"

// MaxFeePercentage bounds the platform fee, inclusive.
const MaxFeePercentage = 10

// Settlement is how an order amount leaves custody: fee and payout on a
// paid-out outcome, Refund when the buyer gets it back.
type Settlement struct {
	Fee    int64
	Payout int64
	Refund int64
}

func (s Settlement) Total() int64 {
	return s.Fee + s.Payout + s.Refund
}

// ValidateFeePercentage enforces the [0, MaxFeePercentage] bound.
func ValidateFeePercentage(pct int) error {
	if pct < 0 || pct > MaxFeePercentage {
		return fmt.Errorf("%w: fee percentage %d outside [0,%d]", ErrValidation, pct, MaxFeePercentage)
	}
	return nil
}

// ComputeFee returns floor(amount*pct/100) and the remainder as payout.
// Splitting amount into hundreds and remainder keeps the product in range for
// any int64 amount.
func ComputeFee(amount int64, pct int) Settlement {
	p := int64(pct)
	fee := (amount/100)*p + (amount%100)*p/100
	return Settlement{Fee: fee, Payout: amount - fee}
}
