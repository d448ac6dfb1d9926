package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rl1809/escrow-settlement/internal/adapter/lock"
	"github.com/rl1809/escrow-settlement/internal/adapter/storage"
	"github.com/rl1809/escrow-settlement/internal/adapter/treasury"
	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/core/service"
)

const (
	authority = "platform"
	buyer     = "alice"
	seller    = "bob"
)

func newTestService(t *testing.T) (*service.OrderService, *treasury.Recorder) {
	t.Helper()
	store := storage.NewMemoryAdapter()
	platform, err := service.NewPlatformConfig(domain.PlatformSettings{Authority: authority, FeePercentage: 2}, store)
	require.NoError(t, err)
	recorder := treasury.NewRecorder()
	svc, err := service.NewOrderService(store, recorder, lock.NewLocalLocker(), platform)
	require.NoError(t, err)
	return svc, recorder
}
