package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type SafetyConfig struct {
	// ATR-multiplier distances, with fixed-percentage fallbacks for
	// positions that have no ATR snapshot (opened manually or recovered
	// after a crash).
	SLATRMultiplier   float64
	TPATRMultiplier   float64
	FallbackSLPercent float64
	FallbackTPPercent float64

	// Software trailing ratchet.
	TrailingEnabled     bool
	ActivationThreshold float64 // fraction of entry->TP distance
	CallbackPercent     float64 // stop distance off the watermark
	MinProfitPercent    float64 // locked-profit floor off entry
	AmendMinInterval    time.Duration

	// Exchange-native trailing.
	NativeCallbackRate float64 // percent
	NativeMinRate      float64
	NativeMaxRate      float64
}

// SafetyManager installs stop-loss/take-profit protection and runs the
// trailing-stop ratchet, software or exchange-native.
type SafetyManager struct {
	exchange domain.Exchange
	tracker  domain.TrackerStore
	notifier domain.Notifier
	cfg      SafetyConfig
	logger   *zap.Logger

	// One process-wide lock serializes installs across all symbols.
	// Installs are rare relative to price ticks, so the lost parallelism
	// is irrelevant next to the simpler reasoning.
	installMu sync.Mutex

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // symbol -> exchange-write throttle
}

func NewSafetyManager(exchange domain.Exchange, tracker domain.TrackerStore, notifier domain.Notifier, cfg SafetyConfig, logger *zap.Logger) *SafetyManager {
	return &SafetyManager{
		exchange: exchange,
		tracker:  tracker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *SafetyManager) limiter(symbol string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[symbol]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.AmendMinInterval), 1)
		s.limiters[symbol] = l
	}
	return l
}

// SafetyPrices computes the SL/TP levels for an entry. ATR distance when a
// snapshot exists, percentage-of-entry fallback otherwise.
func (s *SafetyManager) SafetyPrices(entry *domain.TrackerEntry) (sl, tp float64) {
	var slDist, tpDist float64
	if entry.ATRValue > 0 {
		slDist = entry.ATRValue * s.cfg.SLATRMultiplier
		tpDist = entry.ATRValue * s.cfg.TPATRMultiplier
	} else {
		slDist = entry.EntryPrice * s.cfg.FallbackSLPercent
		tpDist = entry.EntryPrice * s.cfg.FallbackTPPercent
	}

	if entry.Side == domain.SideShort {
		return entry.EntryPrice + slDist, entry.EntryPrice - tpDist
	}
	return entry.EntryPrice - slDist, entry.EntryPrice + tpDist
}

// InstallSafetyOrders protects an open position with a close-position stop
// and take-profit. Idempotent: any pre-existing orders on the symbol are
// cancelled first, so a retry cannot stack duplicates. A partial failure
// (one leg placed, the other rejected) is surfaced and retried on the next
// monitor pass; the position is never auto-flattened.
func (s *SafetyManager) InstallSafetyOrders(ctx context.Context, pos *domain.Position) error {
	s.installMu.Lock()
	defer s.installMu.Unlock()

	symbol := pos.Symbol

	entry := s.tracker.Get(symbol)
	if entry == nil {
		// Manual or crash-recovered position: adopt it.
		entry = &domain.TrackerEntry{
			Status:     domain.StatusPending,
			CreatedAt:  time.Now(),
			Side:       pos.Side,
			EntryPrice: pos.EntryPrice,
			OrderType:  domain.OrderTypeMarket,
			Reason:     "adopted untracked position",
		}
		s.tracker.Set(symbol, entry)
		s.tracker.Save()
		s.logger.Info("Adopted untracked position", zap.String("symbol", symbol))
	}
	if entry.Status == domain.StatusSecured || entry.Status == domain.StatusSecuredNative {
		return nil
	}
	if entry.EntryPrice == 0 {
		entry.EntryPrice = pos.EntryPrice
	}

	s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
		e.Status = domain.StatusProcessing
		e.EntryPrice = entry.EntryPrice
		e.LastCheck = time.Now()
	})
	s.tracker.Save()

	if err := s.exchange.CancelAllOpenOrders(ctx, symbol); err != nil {
		s.logger.Warn("Pre-install cancel failed, continuing",
			zap.String("symbol", symbol), zap.Error(err))
	}

	slPrice, tpPrice := s.SafetyPrices(entry)

	slOrder, err := s.exchange.PlaceStopMarket(ctx, symbol, pos.Side, slPrice)
	if err != nil {
		s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
			e.Status = domain.StatusPending
		})
		s.tracker.Save()
		metrics.SafetyInstalls.WithLabelValues("sl_failed").Inc()
		return fmt.Errorf("failed to place stop loss for %s: %w", symbol, err)
	}

	tpOrder, err := s.exchange.PlaceTakeProfitMarket(ctx, symbol, pos.Side, tpPrice)
	if err != nil {
		// The position keeps the stop it has. Remember it and retry the
		// full install next pass.
		s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
			e.Status = domain.StatusPending
			e.SLOrderID = slOrder.ID
			e.SLPriceInitial = slPrice
		})
		s.tracker.Save()
		metrics.SafetyInstalls.WithLabelValues("tp_failed").Inc()
		s.notifier.Notify(fmt.Sprintf("⚠️ %s partially protected: SL placed @ %.6g, TP failed", symbol, slPrice))
		return fmt.Errorf("failed to place take profit for %s (stop loss is live): %w", symbol, err)
	}

	s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
		e.Status = domain.StatusSecured
		e.SLOrderID = slOrder.ID
		e.TPOrderID = tpOrder.ID
		e.SLPriceInitial = slPrice
		e.TPPrice = tpPrice
		e.LastCheck = time.Now()
	})
	s.tracker.Save()

	metrics.SafetyInstalls.WithLabelValues("secured").Inc()
	s.logger.Info("Safety orders installed",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("sl", slPrice),
		zap.Float64("tp", tpPrice))
	s.notifier.Notify(fmt.Sprintf("🛡️ %s secured: SL %.6g / TP %.6g", symbol, slPrice, tpPrice))
	return nil
}

// ActivationPrice is the level where trailing arms: the configured fraction
// of the way from entry to TP. Works for both sides because tp-entry
// carries the sign.
func ActivationPrice(entryPrice, tpPrice, threshold float64) float64 {
	return entryPrice + threshold*(tpPrice-entryPrice)
}

// CheckTrailingOnPrice is the per-tick entry point for the software
// trailing ratchet. Watermarks update on every tick; only the exchange
// write is throttled.
func (s *SafetyManager) CheckTrailingOnPrice(ctx context.Context, symbol string, price float64) {
	if !s.cfg.TrailingEnabled || price <= 0 {
		return
	}

	entry := s.tracker.Get(symbol)
	if entry == nil || entry.Status != domain.StatusSecured {
		return
	}

	if !entry.TrailingActive {
		if entry.TPPrice == 0 || entry.EntryPrice == 0 {
			return
		}
		activation := ActivationPrice(entry.EntryPrice, entry.TPPrice, s.cfg.ActivationThreshold)
		reached := price >= activation
		if entry.Side == domain.SideShort {
			reached = price <= activation
		}
		if reached {
			s.activateTrailing(ctx, symbol, entry, price)
		}
		return
	}

	s.UpdateTrailingSL(ctx, symbol, price)
}

// activateTrailing arms the ratchet: the watermark starts at the
// activation price. The initial stop goes through the same deferred write
// path as every later tightening, so a throttled activation is flushed by
// the next tick instead of lost.
func (s *SafetyManager) activateTrailing(ctx context.Context, symbol string, entry *domain.TrackerEntry, price float64) {
	s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
		e.TrailingActive = true
		if e.Side == domain.SideShort {
			e.TrailingLow = price
		} else {
			e.TrailingHigh = price
		}
	})
	s.tracker.Save()

	sl := s.candidateStop(entry.Side, entry.EntryPrice, price)
	s.logger.Info("Trailing activated",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("trailing_sl", sl))
	s.notifier.Notify(fmt.Sprintf("⛓️ %s trailing active @ %.6g, SL %.6g", symbol, price, sl))

	if s.limiter(symbol).Allow() {
		s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
			e.TrailingSL = sl
		})
		s.tracker.Save()
		s.amendSLOrder(ctx, symbol, entry.Side, sl)
	}
}

// UpdateTrailingSL advances the watermark and tightens the stop when the
// recomputed candidate is strictly more favorable. The stop never loosens,
// and TrailingSL only moves together with an exchange write: a throttled
// improvement stays pending against the last written stop, and the next
// allowed tick flushes it from the stored watermark.
func (s *SafetyManager) UpdateTrailingSL(ctx context.Context, symbol string, price float64) {
	entry := s.tracker.Get(symbol)
	if entry == nil || !entry.TrailingActive {
		return
	}

	watermark := entry.TrailingHigh
	newExtreme := price > watermark
	if entry.Side == domain.SideShort {
		watermark = entry.TrailingLow
		newExtreme = watermark == 0 || price < watermark
	}
	if newExtreme {
		watermark = price
	}

	candidate := s.candidateStop(entry.Side, entry.EntryPrice, watermark)
	improved := improvedStop(entry.Side, candidate, entry.TrailingSL)
	if !newExtreme && !improved {
		return
	}

	write := improved && s.limiter(symbol).Allow()
	if !newExtreme && !write {
		return
	}

	s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
		if newExtreme {
			if e.Side == domain.SideShort {
				e.TrailingLow = watermark
			} else {
				e.TrailingHigh = watermark
			}
		}
		if write {
			e.TrailingSL = candidate
		}
	})
	s.tracker.Save()

	if write {
		s.amendSLOrder(ctx, symbol, entry.Side, candidate)
	}
}

// improvedStop reports whether candidate tightens the stop. A zero current
// value means no trailing stop has been written yet, so anything improves.
func improvedStop(side domain.Side, candidate, current float64) bool {
	if current == 0 {
		return true
	}
	if side == domain.SideShort {
		return candidate < current
	}
	return candidate > current
}

func (s *SafetyManager) candidateStop(side domain.Side, entryPrice, watermark float64) float64 {
	if side == domain.SideShort {
		callback := watermark * (1 + s.cfg.CallbackPercent)
		floor := entryPrice * (1 - s.cfg.MinProfitPercent)
		if callback < floor {
			return callback
		}
		return floor
	}

	callback := watermark * (1 - s.cfg.CallbackPercent)
	floor := entryPrice * (1 + s.cfg.MinProfitPercent)
	if callback > floor {
		return callback
	}
	return floor
}

// amendSLOrder replaces the live stop with one at newSL. Cancel by the
// remembered id first; if that id is stale (missed fill or cancel event),
// fall back to cancelling any open stop-type order on the symbol.
func (s *SafetyManager) amendSLOrder(ctx context.Context, symbol string, positionSide domain.Side, newSL float64) {
	entry := s.tracker.Get(symbol)
	if entry == nil {
		return
	}

	cancelled := false
	if entry.SLOrderID != "" {
		if err := s.exchange.CancelOrder(ctx, symbol, entry.SLOrderID); err != nil {
			s.logger.Warn("Stop cancel by id failed, falling back to enumeration",
				zap.String("symbol", symbol),
				zap.String("order_id", entry.SLOrderID),
				zap.Error(err))
		} else {
			cancelled = true
		}
	}

	if !cancelled {
		open, err := s.exchange.OpenOrders(ctx, symbol)
		if err != nil {
			s.logger.Error("Failed to enumerate open orders for stop amend",
				zap.String("symbol", symbol), zap.Error(err))
			return
		}
		for _, o := range open {
			if o.Type != domain.OrderTypeStopMarket {
				continue
			}
			if err := s.exchange.CancelOrder(ctx, symbol, o.ID); err != nil {
				s.logger.Warn("Failed to cancel stray stop order",
					zap.String("symbol", symbol),
					zap.String("order_id", o.ID),
					zap.Error(err))
			}
		}
	}

	order, err := s.exchange.PlaceStopMarket(ctx, symbol, positionSide, newSL)
	if err != nil {
		s.logger.Error("Failed to place replacement stop",
			zap.String("symbol", symbol),
			zap.Float64("sl", newSL),
			zap.Error(err))
		return
	}

	s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
		e.SLOrderID = order.ID
	})
	s.tracker.Save()

	metrics.TrailingAmendments.Inc()
	s.logger.Info("Trailing stop amended",
		zap.String("symbol", symbol), zap.Float64("sl", newSL))
}

// InstallNativeTrailing hands the ratchet to the exchange's trailing order
// type. The existing stop is cancelled (the take-profit stays); the
// callback rate is clamped to the exchange's permitted range.
func (s *SafetyManager) InstallNativeTrailing(ctx context.Context, symbol string, quantity, activationPrice float64) error {
	entry := s.tracker.Get(symbol)
	if entry == nil {
		return fmt.Errorf("no tracked trade for %s", symbol)
	}
	if entry.Status == domain.StatusSecuredNative {
		return nil
	}

	callbackRate := s.cfg.NativeCallbackRate
	if callbackRate < s.cfg.NativeMinRate {
		callbackRate = s.cfg.NativeMinRate
	}
	if callbackRate > s.cfg.NativeMaxRate {
		callbackRate = s.cfg.NativeMaxRate
	}

	if entry.SLOrderID != "" {
		if err := s.exchange.CancelOrder(ctx, symbol, entry.SLOrderID); err != nil {
			s.logger.Warn("Failed to cancel stop before native trailing",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	order, err := s.exchange.PlaceTrailingStop(ctx, symbol, entry.Side, quantity, callbackRate, activationPrice)
	if err != nil {
		return fmt.Errorf("failed to install native trailing for %s: %w", symbol, err)
	}

	s.tracker.Update(symbol, func(e *domain.TrackerEntry) {
		e.Status = domain.StatusSecuredNative
		e.NativeTrailingID = order.ID
		e.ActivationPrice = activationPrice
		e.SLOrderID = ""
	})
	s.tracker.Save()

	s.logger.Info("Native trailing installed",
		zap.String("symbol", symbol),
		zap.Float64("callback_rate", callbackRate),
		zap.Float64("activation_price", activationPrice))
	s.notifier.Notify(fmt.Sprintf("🪝 %s native trailing @ %.2f%%, activation %.6g", symbol, callbackRate, activationPrice))
	return nil
}
