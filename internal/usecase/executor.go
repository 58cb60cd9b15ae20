package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"go.uber.org/zap"
)

// ErrSymbolBusy rejects a second entry while a symbol already has a live
// trade or a pending one.
var ErrSymbolBusy = fmt.Errorf("symbol already has an active or pending trade")

type ExecutorConfig struct {
	SafetyInterval   time.Duration // safety-monitor pass
	SyncInterval     time.Duration // order reconciliation pass
	TrailingInterval time.Duration // price poll for the trailing ratchet
}

// Executor composes the components into the single entry point the
// strategy engine and the event stream talk to.
type Executor struct {
	exchange  domain.Exchange
	tracker   domain.TrackerStore
	positions *PositionManager
	risk      *RiskManager
	safety    *SafetyManager
	orders    *OrderManager
	orderSync *OrderSyncManager
	handler   *OrderUpdateHandler
	cfg       ExecutorConfig
	logger    *zap.Logger
}

func NewExecutor(
	exchange domain.Exchange,
	tracker domain.TrackerStore,
	positions *PositionManager,
	risk *RiskManager,
	safety *SafetyManager,
	orders *OrderManager,
	orderSync *OrderSyncManager,
	handler *OrderUpdateHandler,
	cfg ExecutorConfig,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		exchange:  exchange,
		tracker:   tracker,
		positions: positions,
		risk:      risk,
		safety:    safety,
		orders:    orders,
		orderSync: orderSync,
		handler:   handler,
		cfg:       cfg,
		logger:    logger,
	}
}

// HasActiveOrPendingTrade is the one canonical busy predicate: the
// exchange holds a position, or the tracker holds an entry still working
// toward one.
func (x *Executor) HasActiveOrPendingTrade(symbol string) bool {
	if x.positions.HasPosition(symbol) {
		return true
	}
	entry := x.tracker.Get(symbol)
	if entry == nil {
		return false
	}
	return entry.Status == domain.StatusWaitingEntry || entry.Status == domain.StatusPending
}

// ExecuteEntry gates a signal through the busy predicate, then delegates
// submission. Cooldown is enforced inside OrderManager.
func (x *Executor) ExecuteEntry(ctx context.Context, req *EntryRequest) error {
	if x.HasActiveOrPendingTrade(req.Symbol) {
		x.logger.Info("Entry rejected, symbol busy", zap.String("symbol", req.Symbol))
		return fmt.Errorf("%w: %s", ErrSymbolBusy, req.Symbol)
	}
	return x.orders.ExecuteEntry(ctx, req)
}

// HandleOrderUpdate is the event-stream entry point.
func (x *Executor) HandleOrderUpdate(u *domain.OrderUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	x.handler.HandleOrderUpdate(ctx, u)
}

// SyncPositions is the ACCOUNT_UPDATE entry point.
func (x *Executor) SyncPositions() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := x.positions.Sync(ctx); err != nil {
		x.logger.Warn("Position sync failed", zap.Error(err))
	}
}

// RunSafetyMonitor periodically finds unprotected positions and installs
// safety orders. The fallback path for everything the event stream missed.
func (x *Executor) RunSafetyMonitor(ctx context.Context) {
	ticker := time.NewTicker(x.cfg.SafetyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.safetyPass(ctx)
		}
	}
}

// RunSafetyMonitorOnce performs a single safety pass immediately instead
// of waiting for the first tick.
func (x *Executor) RunSafetyMonitorOnce(ctx context.Context) {
	x.safetyPass(ctx)
}

func (x *Executor) safetyPass(ctx context.Context) {
	if _, err := x.positions.Sync(ctx); err != nil {
		x.logger.Error("Safety pass aborted, position sync failed", zap.Error(err))
		return
	}

	metrics.TrackedSymbols.Set(float64(len(x.tracker.Symbols())))

	for _, pos := range x.positions.OpenPositions() {
		entry := x.tracker.Get(pos.Symbol)
		if entry != nil && (entry.Status == domain.StatusSecured || entry.Status == domain.StatusSecuredNative) {
			continue
		}
		if err := x.safety.InstallSafetyOrders(ctx, pos); err != nil {
			x.logger.Error("Safety install failed, will retry next pass",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
}

// RunOrderSync periodically reconciles pending entry orders.
func (x *Executor) RunOrderSync(ctx context.Context) {
	ticker := time.NewTicker(x.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.orderSync.SyncPendingOrders(ctx)
		}
	}
}

// RunTrailingMonitor polls prices for secured trades and feeds the
// software trailing ratchet. An external price feed can call OnPriceTick
// directly instead; the poll is the self-sufficient default.
func (x *Executor) RunTrailingMonitor(ctx context.Context) {
	ticker := time.NewTicker(x.cfg.TrailingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.trailingPass(ctx)
		}
	}
}

func (x *Executor) trailingPass(ctx context.Context) {
	for _, symbol := range x.tracker.Symbols() {
		entry := x.tracker.Get(symbol)
		if entry == nil || entry.Status != domain.StatusSecured {
			continue
		}

		price, err := x.exchange.LastPrice(ctx, symbol)
		if err != nil {
			x.logger.Warn("Price fetch failed for trailing check",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		x.safety.CheckTrailingOnPrice(ctx, symbol, price)
	}
}

// OnPriceTick lets an external market-data feed drive the ratchet at
// higher resolution than the poll loop.
func (x *Executor) OnPriceTick(ctx context.Context, symbol string, price float64) {
	x.safety.CheckTrailingOnPrice(ctx, symbol, price)
}

// Shutdown persists tracker state synchronously.
func (x *Executor) Shutdown() error {
	if err := x.tracker.Flush(); err != nil {
		return fmt.Errorf("failed to flush tracker on shutdown: %w", err)
	}
	return nil
}
