package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/usecase"
	"go.uber.org/zap"
)

func TestPositionManager_WholesaleReplace(t *testing.T) {
	ex := newMockExchange()
	ex.positions = []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 0.5, EntryPrice: 50000},
		{Symbol: "ETHUSDT", Side: domain.SideShort, Contracts: 2, EntryPrice: 3000},
	}
	m := usecase.NewPositionManager(ex, nil, zap.NewNop())

	n, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, m.HasPosition("BTCUSDT"))
	assert.True(t, m.HasPosition("ETHUSDT"))

	// ETHUSDT closes on the exchange; the next sync must drop it even
	// though no close event was seen.
	ex.mu.Lock()
	ex.positions = ex.positions[:1]
	ex.mu.Unlock()

	n, err = m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, m.HasPosition("BTCUSDT"))
	assert.False(t, m.HasPosition("ETHUSDT"))
}

func TestPositionManager_GetReturnsCopy(t *testing.T) {
	ex := newMockExchange()
	ex.positions = []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 0.5, EntryPrice: 50000},
	}
	m := usecase.NewPositionManager(ex, nil, zap.NewNop())
	_, err := m.Sync(context.Background())
	require.NoError(t, err)

	p := m.Get("BTCUSDT")
	require.NotNil(t, p)
	p.Contracts = 99

	assert.Equal(t, 0.5, m.Get("BTCUSDT").Contracts)
	assert.Nil(t, m.Get("XRPUSDT"))
}

func TestPositionManager_CountByCategory(t *testing.T) {
	ex := newMockExchange()
	ex.positions = []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 1},
		{Symbol: "ETHUSDT", Side: domain.SideLong, Contracts: 1},
		{Symbol: "DOGEUSDT", Side: domain.SideShort, Contracts: 1},
	}
	m := usecase.NewPositionManager(ex, map[string]string{
		"BTCUSDT": "major",
		"ETHUSDT": "major",
	}, zap.NewNop())
	_, err := m.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, m.CountByCategory("major"))
	assert.Equal(t, 1, m.CountByCategory("other"))
	assert.Equal(t, 0, m.CountByCategory("alt"))
	assert.Equal(t, 3, m.OpenCount())
}
