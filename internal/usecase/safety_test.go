package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/usecase"
	"go.uber.org/zap"
)

func defaultSafetyConfig() usecase.SafetyConfig {
	return usecase.SafetyConfig{
		SLATRMultiplier:     1.0,
		TPATRMultiplier:     3.0,
		FallbackSLPercent:   0.015,
		FallbackTPPercent:   0.025,
		TrailingEnabled:     true,
		ActivationThreshold: 0.80,
		CallbackPercent:     0.001,
		MinProfitPercent:    0.005,
		// Zero interval disables the write throttle in tests.
		AmendMinInterval:   0,
		NativeCallbackRate: 0.5,
		NativeMinRate:      0.1,
		NativeMaxRate:      5.0,
	}
}

func newSafety(ex *mockExchange, tracker *memTracker) (*usecase.SafetyManager, *mockNotifier) {
	notifier := &mockNotifier{}
	s := usecase.NewSafetyManager(ex, tracker, notifier, defaultSafetyConfig(), zap.NewNop())
	return s, notifier
}

func securedLong(tracker *memTracker, symbol string, entryPrice, tp float64) {
	tracker.Set(symbol, &domain.TrackerEntry{
		Status:         domain.StatusSecured,
		Side:           domain.SideLong,
		EntryPrice:     entryPrice,
		TPPrice:        tp,
		SLPriceInitial: entryPrice * 0.99,
		SLOrderID:      "sl-1",
	})
}

func TestSafetyManager_ATRDistances(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	tracker.Set("BTCUSDT", &domain.TrackerEntry{
		Status:     domain.StatusPending,
		Side:       domain.SideLong,
		EntryPrice: 50000,
		ATRValue:   500,
	})
	s, _ := newSafety(ex, tracker)

	err := s.InstallSafetyOrders(context.Background(), &domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 0.5, EntryPrice: 50000,
	})
	require.NoError(t, err)

	require.Len(t, ex.stopOrders, 1)
	require.Len(t, ex.tpOrders, 1)
	assert.InDelta(t, 49500.0, ex.stopOrders[0].Price, 1e-9)
	assert.InDelta(t, 51500.0, ex.tpOrders[0].Price, 1e-9)

	entry := tracker.Get("BTCUSDT")
	require.NotNil(t, entry)
	assert.Equal(t, domain.StatusSecured, entry.Status)
	assert.Equal(t, ex.stopOrders[0].ID, entry.SLOrderID)
	assert.Equal(t, ex.tpOrders[0].ID, entry.TPOrderID)
	assert.InDelta(t, 49500.0, entry.SLPriceInitial, 1e-9)
	assert.InDelta(t, 51500.0, entry.TPPrice, 1e-9)

	// Idempotency: pre-existing orders cancelled first.
	assert.Equal(t, []string{"BTCUSDT"}, ex.cancelledAll)
}

func TestSafetyManager_FallbackPercentages(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	s, _ := newSafety(ex, tracker)

	// No tracker entry: a manually opened short gets adopted and
	// protected with percentage distances.
	err := s.InstallSafetyOrders(context.Background(), &domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideShort, Contracts: 2, EntryPrice: 3000,
	})
	require.NoError(t, err)

	require.Len(t, ex.stopOrders, 1)
	require.Len(t, ex.tpOrders, 1)
	assert.InDelta(t, 3045.0, ex.stopOrders[0].Price, 1e-9) // +1.5%
	assert.InDelta(t, 2925.0, ex.tpOrders[0].Price, 1e-9)   // -2.5%

	entry := tracker.Get("ETHUSDT")
	require.NotNil(t, entry)
	assert.Equal(t, domain.StatusSecured, entry.Status)
	assert.Equal(t, domain.SideShort, entry.Side)
}

func TestSafetyManager_PartialFailureSurfaced(t *testing.T) {
	ex := newMockExchange()
	ex.tpErr = errors.New("rejected")
	tracker := newMemTracker()
	tracker.Set("BTCUSDT", &domain.TrackerEntry{
		Status:     domain.StatusPending,
		Side:       domain.SideLong,
		EntryPrice: 50000,
		ATRValue:   500,
	})
	s, notifier := newSafety(ex, tracker)

	err := s.InstallSafetyOrders(context.Background(), &domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 0.5, EntryPrice: 50000,
	})
	require.Error(t, err)

	// The stop leg stays live and remembered; status rolls back to
	// PENDING so the next monitor pass retries the install.
	entry := tracker.Get("BTCUSDT")
	require.NotNil(t, entry)
	assert.Equal(t, domain.StatusPending, entry.Status)
	assert.Equal(t, ex.stopOrders[0].ID, entry.SLOrderID)
	assert.NotEmpty(t, notifier.messages)
}

func TestSafetyManager_SLFailureRetainsPending(t *testing.T) {
	ex := newMockExchange()
	ex.stopErr = errors.New("rejected")
	tracker := newMemTracker()
	tracker.Set("BTCUSDT", &domain.TrackerEntry{
		Status:     domain.StatusPending,
		Side:       domain.SideLong,
		EntryPrice: 50000,
	})
	s, _ := newSafety(ex, tracker)

	err := s.InstallSafetyOrders(context.Background(), &domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 0.5, EntryPrice: 50000,
	})
	require.Error(t, err)
	assert.Equal(t, domain.StatusPending, tracker.Get("BTCUSDT").Status)
	assert.Empty(t, ex.tpOrders, "take profit must not be placed after a stop failure")
}

func TestSafetyManager_AlreadySecuredIsNoOp(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	securedLong(tracker, "BTCUSDT", 50000, 51500)
	s, _ := newSafety(ex, tracker)

	err := s.InstallSafetyOrders(context.Background(), &domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideLong, Contracts: 0.5, EntryPrice: 50000,
	})
	require.NoError(t, err)
	assert.Empty(t, ex.stopOrders)
	assert.Empty(t, ex.cancelledAll)
}

func TestActivationPrice(t *testing.T) {
	assert.InDelta(t, 58000.0, usecase.ActivationPrice(50000, 60000, 0.80), 1e-9)
	// Short: TP below entry, activation moves down.
	assert.InDelta(t, 42000.0, usecase.ActivationPrice(50000, 40000, 0.80), 1e-9)
}

func TestSafetyManager_ActivationGate(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	securedLong(tracker, "BTCUSDT", 50000, 60000)
	s, _ := newSafety(ex, tracker)
	ctx := context.Background()

	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 57999)
	assert.False(t, tracker.Get("BTCUSDT").TrailingActive)

	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 58000)
	entry := tracker.Get("BTCUSDT")
	require.True(t, entry.TrailingActive)
	assert.Equal(t, 58000.0, entry.TrailingHigh)
	// Callback off price beats the min-profit floor at this level.
	assert.InDelta(t, 58000*(1-0.001), entry.TrailingSL, 1e-6)
}

func TestSafetyManager_MonotonicRatchetLong(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	securedLong(tracker, "BTCUSDT", 50000, 60000)
	s, _ := newSafety(ex, tracker)
	ctx := context.Background()

	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 58000)
	require.True(t, tracker.Get("BTCUSDT").TrailingActive)

	prices := []float64{58500, 58200, 59000, 57500, 59500, 58000, 60000}
	prev := tracker.Get("BTCUSDT").TrailingSL
	for _, p := range prices {
		s.CheckTrailingOnPrice(ctx, "BTCUSDT", p)
		cur := tracker.Get("BTCUSDT").TrailingSL
		assert.GreaterOrEqual(t, cur, prev, "trailing SL loosened at price %v", p)
		prev = cur
	}

	entry := tracker.Get("BTCUSDT")
	assert.Equal(t, 60000.0, entry.TrailingHigh)
	assert.InDelta(t, 60000*(1-0.001), entry.TrailingSL, 1e-6)
}

func TestSafetyManager_MonotonicRatchetShort(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	tracker.Set("ETHUSDT", &domain.TrackerEntry{
		Status:     domain.StatusSecured,
		Side:       domain.SideShort,
		EntryPrice: 3000,
		TPPrice:    2700,
		SLOrderID:  "sl-9",
	})
	s, _ := newSafety(ex, tracker)
	ctx := context.Background()

	// Activation at 3000 - 0.8*300 = 2760.
	s.CheckTrailingOnPrice(ctx, "ETHUSDT", 2760)
	require.True(t, tracker.Get("ETHUSDT").TrailingActive)

	prices := []float64{2750, 2770, 2720, 2740, 2700}
	prev := tracker.Get("ETHUSDT").TrailingSL
	for _, p := range prices {
		s.CheckTrailingOnPrice(ctx, "ETHUSDT", p)
		cur := tracker.Get("ETHUSDT").TrailingSL
		assert.LessOrEqual(t, cur, prev, "trailing SL loosened at price %v", p)
		prev = cur
	}
	assert.Equal(t, 2700.0, tracker.Get("ETHUSDT").TrailingLow)
}

func TestSafetyManager_ThrottledTightenDeferredNotDropped(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	securedLong(tracker, "BTCUSDT", 50000, 60000)
	cfg := defaultSafetyConfig()
	cfg.AmendMinInterval = 200 * time.Millisecond
	s := usecase.NewSafetyManager(ex, tracker, &mockNotifier{}, cfg, zap.NewNop())
	ctx := context.Background()

	// Activation consumes the one write allowance.
	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 58000)
	entry := tracker.Get("BTCUSDT")
	require.True(t, entry.TrailingActive)
	require.InDelta(t, 58000*(1-0.001), entry.TrailingSL, 1e-6)
	writes := len(ex.stopOrders)

	// Inside the window: the watermark advances, but the stop on record
	// must not move past what the exchange actually holds.
	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 59000)
	entry = tracker.Get("BTCUSDT")
	assert.Equal(t, 59000.0, entry.TrailingHigh)
	assert.InDelta(t, 58000*(1-0.001), entry.TrailingSL, 1e-6)
	assert.Len(t, ex.stopOrders, writes, "throttled tick must not reach the exchange")

	// Same price once the window passes: the pending improvement flushes
	// from the stored watermark even without a new extreme.
	time.Sleep(300 * time.Millisecond)
	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 59000)
	entry = tracker.Get("BTCUSDT")
	assert.InDelta(t, 59000*(1-0.001), entry.TrailingSL, 1e-6)
	last := ex.lastStopOrder()
	require.NotNil(t, last)
	assert.InDelta(t, 59000*(1-0.001), last.Price, 1e-6)
	assert.Equal(t, last.ID, entry.SLOrderID)
}

func TestSafetyManager_AmendFallbackEnumeratesStops(t *testing.T) {
	ex := newMockExchange()
	ex.cancelErr = errors.New("unknown order")
	ex.openOrders = []*domain.Order{
		{ID: "stray-stop", Symbol: "BTCUSDT", Type: domain.OrderTypeStopMarket},
		{ID: "tp-1", Symbol: "BTCUSDT", Type: domain.OrderTypeTakeProfit},
	}
	tracker := newMemTracker()
	securedLong(tracker, "BTCUSDT", 50000, 60000)
	s, _ := newSafety(ex, tracker)
	ctx := context.Background()

	s.CheckTrailingOnPrice(ctx, "BTCUSDT", 58000) // activates and amends

	// Cancel by remembered id failed, so the fallback enumerated open
	// orders and cancelled only the stop-type one.
	assert.Contains(t, ex.cancelled, "sl-1")
	assert.Contains(t, ex.cancelled, "stray-stop")
	assert.NotContains(t, ex.cancelled, "tp-1")

	// Replacement stop placed and its id persisted.
	last := ex.lastStopOrder()
	require.NotNil(t, last)
	assert.Equal(t, last.ID, tracker.Get("BTCUSDT").SLOrderID)
}

func TestSafetyManager_InstallNativeTrailing(t *testing.T) {
	ex := newMockExchange()
	tracker := newMemTracker()
	securedLong(tracker, "BTCUSDT", 50000, 60000)
	s, _ := newSafety(ex, tracker)

	err := s.InstallNativeTrailing(context.Background(), "BTCUSDT", 0.5, 58000)
	require.NoError(t, err)

	require.Len(t, ex.trailingOrders, 1)
	assert.Equal(t, 0.5, ex.trailingOrders[0].Quantity)

	entry := tracker.Get("BTCUSDT")
	assert.Equal(t, domain.StatusSecuredNative, entry.Status)
	assert.Equal(t, ex.trailingOrders[0].ID, entry.NativeTrailingID)
	assert.Equal(t, 58000.0, entry.ActivationPrice)
	assert.Empty(t, entry.SLOrderID)
	// Old stop cancelled before handoff.
	assert.Contains(t, ex.cancelled, "sl-1")
}

func TestSafetyManager_NativeTrailingUntracked(t *testing.T) {
	ex := newMockExchange()
	s, _ := newSafety(ex, newMemTracker())

	err := s.InstallNativeTrailing(context.Background(), "BTCUSDT", 0.5, 58000)
	require.Error(t, err)
	assert.Empty(t, ex.trailingOrders)
}
