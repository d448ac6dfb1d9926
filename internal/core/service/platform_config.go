package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/metrics"
	"github.com/rl1809/escrow-settlement/internal/port"
)

// PlatformConfig holds the authority identity and the fee percentage. Only the
// authority may change the fee.
type PlatformConfig struct {
	mu       sync.RWMutex
	settings domain.PlatformSettings
	store    port.SettingsRepository
}

// NewPlatformConfig validates settings. store may be nil, in which case fee
// updates live in memory only.
func NewPlatformConfig(settings domain.PlatformSettings, store port.SettingsRepository) (*PlatformConfig, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	metrics.SetFeePercentage(settings.FeePercentage)
	return &PlatformConfig{settings: settings, store: store}, nil
}

// Load replaces the configured fee with the persisted one, if any.
func (c *PlatformConfig) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	pct, ok, err := c.store.LoadFeePercentage(ctx)
	if err != nil {
		return fmt.Errorf("load fee percentage: %w", err)
	}
	if !ok {
		return nil
	}
	if err := domain.ValidateFeePercentage(pct); err != nil {
		return fmt.Errorf("persisted fee: %w", err)
	}

	c.mu.Lock()
	c.settings.FeePercentage = pct
	c.mu.Unlock()
	metrics.SetFeePercentage(pct)
	return nil
}

func (c *PlatformConfig) Authority() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Authority
}

func (c *PlatformConfig) FeePercentage() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.FeePercentage
}

func (c *PlatformConfig) Snapshot() domain.PlatformSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateFee sets a new fee percentage on behalf of caller.
func (c *PlatformConfig) UpdateFee(ctx context.Context, caller string, pct int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.settings.Authority {
		return fmt.Errorf("%w: only the authority can update the fee", domain.ErrUnauthorized)
	}
	if err := domain.ValidateFeePercentage(pct); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SaveFeePercentage(ctx, pct); err != nil {
			return fmt.Errorf("save fee percentage: %w", err)
		}
	}
	c.settings.FeePercentage = pct
	metrics.SetFeePercentage(pct)
	return nil
}
