package domain

import "fmt"

// PlatformSettings is the process-wide fee and authority record.
type PlatformSettings struct {
	Authority     string
	FeePercentage int
}

func (p PlatformSettings) Validate() error {
	if p.Authority == "" {
		return fmt.Errorf("%w: authority is required", ErrValidation)
	}
	return ValidateFeePercentage(p.FeePercentage)
}
