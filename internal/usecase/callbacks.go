package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"go.uber.org/zap"
)

type HandlerConfig struct {
	NativeTrailingEnabled bool
	// NativeTrailingDelay spaces the native trailing install away from
	// the fill event. Placing it immediately can race the exchange's own
	// fill confirmation and get rejected.
	NativeTrailingDelay time.Duration
	ActivationThreshold float64
}

// OrderUpdateHandler turns order-lifecycle events from the push stream
// into tracker transitions, cooldowns and journal records. This is the
// primary low-latency path; the polling loops only cover missed events.
type OrderUpdateHandler struct {
	tracker   domain.TrackerStore
	positions *PositionManager
	risk      *RiskManager
	safety    *SafetyManager
	journal   domain.TradeJournal
	notifier  domain.Notifier
	cfg       HandlerConfig
	logger    *zap.Logger
}

func NewOrderUpdateHandler(tracker domain.TrackerStore, positions *PositionManager, risk *RiskManager, safety *SafetyManager, journal domain.TradeJournal, notifier domain.Notifier, cfg HandlerConfig, logger *zap.Logger) *OrderUpdateHandler {
	return &OrderUpdateHandler{
		tracker:   tracker,
		positions: positions,
		risk:      risk,
		safety:    safety,
		journal:   journal,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// ClassifyExit maps the closing order's type to how the trade ended.
func ClassifyExit(orderType string) domain.ExitType {
	switch orderType {
	case domain.OrderTypeStopMarket:
		return domain.ExitStopLoss
	case domain.OrderTypeTakeProfit:
		return domain.ExitTakeProfit
	case domain.OrderTypeTrailingMarket:
		return domain.ExitTrailingStop
	default:
		return domain.ExitManual
	}
}

func (h *OrderUpdateHandler) HandleOrderUpdate(ctx context.Context, u *domain.OrderUpdate) {
	switch u.Status {
	case domain.OrderStatusCanceled, domain.OrderStatusExpired:
		h.handleCancelled(ctx, u)
	case domain.OrderStatusFilled:
		if u.RealizedPnL != 0 {
			h.handlePositionClose(ctx, u)
		} else if u.OrderType == domain.OrderTypeLimit {
			h.handleEntryFill(ctx, u)
		}
	default:
		return
	}

	// Reflect reality before the next safety pass runs.
	if _, err := h.positions.Sync(ctx); err != nil {
		h.logger.Warn("Post-event position sync failed", zap.Error(err))
	}
}

// handleCancelled reacts only when the cancelled order is the tracked
// entry order. Cancelled safety orders are the trailing amender's own
// doing and carry no state meaning.
func (h *OrderUpdateHandler) handleCancelled(ctx context.Context, u *domain.OrderUpdate) {
	entry := h.tracker.Get(u.Symbol)
	if entry == nil || entry.EntryID == "" || entry.EntryID != u.OrderID {
		h.logger.Debug("Ignoring cancel event for non-entry order",
			zap.String("symbol", u.Symbol), zap.String("order_id", u.OrderID))
		return
	}

	result := "CANCELLED"
	if u.Status == domain.OrderStatusExpired {
		result = "TIMEOUT"
	}

	h.writeJournal(ctx, &domain.TradeRecord{
		Symbol:         u.Symbol,
		Side:           entry.Side,
		EntryType:      entry.OrderType,
		EntryPrice:     entry.EntryPrice,
		Result:         result,
		Strategy:       entry.Strategy,
		Reason:         entry.Reason,
		TechnicalData:  entry.TechnicalData,
		ConfigSnapshot: entry.ConfigSnapshot,
		SetupAt:        entry.CreatedAt,
		ClosedAt:       time.Now(),
	})

	h.tracker.Delete(u.Symbol)
	h.tracker.Save()

	h.logger.Info("Entry order cancelled",
		zap.String("symbol", u.Symbol),
		zap.String("order_id", u.OrderID),
		zap.String("result", result))
	h.notifier.Notify(fmt.Sprintf("🛑 %s entry %s", u.Symbol, result))
}

// handlePositionClose records the terminal outcome: cooldown, exit
// classification, ROI from the leverage remembered at entry, one journal
// row, and the tracker entry removed.
func (h *OrderUpdateHandler) handlePositionClose(ctx context.Context, u *domain.OrderUpdate) {
	entry := h.tracker.Get(u.Symbol)

	cooldown := h.risk.SetOutcomeCooldown(u.Symbol, u.RealizedPnL)
	exitType := ClassifyExit(u.OrderType)

	size := u.AvgPrice * u.Quantity
	rec := &domain.TradeRecord{
		Symbol:    u.Symbol,
		EntryType: domain.OrderTypeMarket,
		ExitPrice: u.AvgPrice,
		SizeUSDT:  size,
		PnLUSDT:   u.RealizedPnL,
		Fee:       u.Fee,
		Result:    string(exitType),
		ClosedAt:  time.Now(),
	}
	if u.Side == "SELL" {
		rec.Side = domain.SideLong // closing order side is opposite the position
	} else {
		rec.Side = domain.SideShort
	}

	leverage := 1
	if entry != nil {
		rec.Side = entry.Side
		rec.EntryType = entry.OrderType
		rec.EntryPrice = entry.EntryPrice
		rec.Strategy = entry.Strategy
		rec.Reason = entry.Reason
		rec.TechnicalData = entry.TechnicalData
		rec.ConfigSnapshot = entry.ConfigSnapshot
		rec.TrailingWasActive = entry.TrailingActive
		rec.TrailingSLFinal = entry.TrailingSL
		rec.TrailingHigh = entry.TrailingHigh
		rec.TrailingLow = entry.TrailingLow
		rec.ActivationPrice = entry.ActivationPrice
		rec.SLPriceInitial = entry.SLPriceInitial
		rec.SetupAt = entry.CreatedAt
		rec.FilledAt = entry.FilledAt
		if entry.Leverage > 0 {
			leverage = entry.Leverage
		}
	}
	if margin := size / float64(leverage); margin > 0 {
		rec.ROIPercent = u.RealizedPnL / margin * 100
	}

	h.writeJournal(ctx, rec)

	metrics.ExitsRecorded.WithLabelValues(rec.Result, string(rec.Side)).Inc()
	if u.RealizedPnL > 0 {
		metrics.RealizedProfit.Add(u.RealizedPnL)
	} else {
		metrics.RealizedLoss.Add(math.Abs(u.RealizedPnL))
	}

	if entry != nil {
		h.tracker.Delete(u.Symbol)
		h.tracker.Save()
	}

	h.logger.Info("Position closed",
		zap.String("symbol", u.Symbol),
		zap.String("exit_type", rec.Result),
		zap.Float64("pnl_usdt", u.RealizedPnL),
		zap.Float64("roi_percent", rec.ROIPercent),
		zap.Duration("cooldown", cooldown))

	icon := "✅"
	if u.RealizedPnL < 0 {
		icon = "🔻"
	}
	h.notifier.Notify(fmt.Sprintf("%s %s closed via %s: %+.2f USDT (%+.2f%%), cooldown %s",
		icon, u.Symbol, rec.Result, u.RealizedPnL, rec.ROIPercent, cooldown))
}

// handleEntryFill moves a limit entry to PENDING and, when enabled,
// schedules the delayed native-trailing install as its own task. The
// projected SL/TP here are notification-only; SafetyManager recomputes
// the authoritative levels when it installs.
func (h *OrderUpdateHandler) handleEntryFill(ctx context.Context, u *domain.OrderUpdate) {
	entry := h.tracker.Get(u.Symbol)
	if entry == nil || entry.EntryID != u.OrderID {
		return
	}

	fillPrice := u.AvgPrice
	if fillPrice <= 0 {
		fillPrice = entry.EntryPrice
	}

	h.tracker.Update(u.Symbol, func(e *domain.TrackerEntry) {
		e.Status = domain.StatusPending
		e.EntryID = ""
		e.EntryPrice = fillPrice
		e.FilledAt = time.Now()
	})
	h.tracker.Save()

	entry.EntryPrice = fillPrice
	sl, tp := h.safety.SafetyPrices(entry)
	rr := 0.0
	if risk := math.Abs(fillPrice - sl); risk > 0 {
		rr = math.Abs(tp-fillPrice) / risk
	}

	h.logger.Info("Limit entry filled",
		zap.String("symbol", u.Symbol),
		zap.Float64("fill_price", fillPrice),
		zap.Float64("projected_sl", sl),
		zap.Float64("projected_tp", tp))
	h.notifier.Notify(fmt.Sprintf("🎯 %s %s filled @ %.6g\nSL %.6g / TP %.6g (R:R 1:%.1f)",
		u.Symbol, entry.Side, fillPrice, sl, tp, rr))

	if h.cfg.NativeTrailingEnabled {
		go h.delayedNativeTrailing(u.Symbol, u.Quantity)
	}
}

// delayedNativeTrailing runs detached with its own error boundary. The
// delay is unbounded relative to the trade's life, so everything is
// re-validated before acting.
func (h *OrderUpdateHandler) delayedNativeTrailing(symbol string, quantity float64) {
	time.Sleep(h.cfg.NativeTrailingDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := h.positions.Sync(ctx); err != nil {
		h.logger.Warn("Position sync before native trailing failed",
			zap.String("symbol", symbol), zap.Error(err))
	}
	pos := h.positions.Get(symbol)
	if pos == nil {
		h.logger.Info("Native trailing skipped, position already closed",
			zap.String("symbol", symbol))
		return
	}

	entry := h.tracker.Get(symbol)
	if entry == nil {
		return
	}

	tp := entry.TPPrice
	if tp == 0 {
		_, tp = h.safety.SafetyPrices(entry)
	}
	activation := ActivationPrice(entry.EntryPrice, tp, h.cfg.ActivationThreshold)

	if quantity <= 0 {
		quantity = pos.Contracts
	}

	if err := h.safety.InstallNativeTrailing(ctx, symbol, quantity, activation); err != nil {
		h.logger.Error("Native trailing install failed",
			zap.String("symbol", symbol), zap.Error(err))
	}
}

func (h *OrderUpdateHandler) writeJournal(ctx context.Context, rec *domain.TradeRecord) {
	if h.journal == nil {
		return
	}
	if err := h.journal.LogTrade(ctx, rec); err != nil {
		h.logger.Error("Failed to write trade journal",
			zap.String("symbol", rec.Symbol), zap.Error(err))
	}
}
