package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"go.uber.org/zap"
)

// ErrCooldown rejects an entry on a symbol still inside its post-trade
// cooldown window.
var ErrCooldown = fmt.Errorf("symbol under cooldown")

type OrderConfig struct {
	LimitOrderTTL    time.Duration
	DefaultLeverage  int
	MarginType       string // ISOLATED or CROSSED
	StaticAmountUSDT float64
}

// EntryRequest is the signal tuple the strategy engine hands over.
// Provenance fields pass through to the tracker and journal untouched.
type EntryRequest struct {
	Symbol     string
	Side       domain.Side
	OrderType  string  // MARKET or LIMIT
	Price      float64 // optional for market entries
	AmountUSDT float64 // 0 means size by risk policy
	Leverage   int     // 0 means configured default
	ATRValue   float64

	Strategy       string
	Reason         string
	TechnicalData  map[string]float64
	ConfigSnapshot map[string]string
}

// OrderManager submits entry orders and keeps the tracker consistent
// around submission, including rollback when a market order is rejected.
type OrderManager struct {
	exchange domain.Exchange
	tracker  domain.TrackerStore
	risk     *RiskManager
	notifier domain.Notifier
	cfg      OrderConfig
	logger   *zap.Logger
}

func NewOrderManager(exchange domain.Exchange, tracker domain.TrackerStore, risk *RiskManager, notifier domain.Notifier, cfg OrderConfig, logger *zap.Logger) *OrderManager {
	return &OrderManager{
		exchange: exchange,
		tracker:  tracker,
		risk:     risk,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

func (m *OrderManager) ExecuteEntry(ctx context.Context, req *EntryRequest) error {
	if remaining := m.risk.RemainingCooldown(req.Symbol); remaining > 0 {
		m.logger.Info("Entry skipped, symbol under cooldown",
			zap.String("symbol", req.Symbol),
			zap.Duration("remaining", remaining.Round(time.Second)))
		return fmt.Errorf("%w: %s for another %s", ErrCooldown, req.Symbol, remaining.Round(time.Second))
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = m.cfg.DefaultLeverage
	}
	m.setupSymbol(ctx, req.Symbol, leverage)

	price := req.Price
	if price <= 0 {
		var err error
		price, err = m.exchange.LastPrice(ctx, req.Symbol)
		if err != nil {
			return fmt.Errorf("failed to resolve entry price for %s: %w", req.Symbol, err)
		}
	}

	amount, err := m.resolveAmount(ctx, req)
	if err != nil {
		return err
	}

	quantity := amount * float64(leverage) / price

	entry := &domain.TrackerEntry{
		CreatedAt:      time.Now(),
		Side:           req.Side,
		EntryPrice:     price,
		Leverage:       leverage,
		ATRValue:       req.ATRValue,
		Strategy:       req.Strategy,
		Reason:         req.Reason,
		TechnicalData:  req.TechnicalData,
		ConfigSnapshot: req.ConfigSnapshot,
	}

	if strings.EqualFold(req.OrderType, domain.OrderTypeLimit) {
		return m.executeLimit(ctx, req, entry, quantity, price)
	}
	return m.executeMarket(ctx, req, entry, quantity, price, amount)
}

// Limit path: submit first, record after. The tracker entry needs the
// exchange order id, which only exists once submission succeeds.
func (m *OrderManager) executeLimit(ctx context.Context, req *EntryRequest, entry *domain.TrackerEntry, quantity, price float64) error {
	order, err := m.exchange.CreateLimitOrder(ctx, req.Symbol, req.Side, quantity, price)
	if err != nil {
		return fmt.Errorf("failed to submit limit entry for %s: %w", req.Symbol, err)
	}

	entry.Status = domain.StatusWaitingEntry
	entry.EntryID = order.ID
	entry.OrderType = domain.OrderTypeLimit
	entry.ExpiresAt = time.Now().Add(m.cfg.LimitOrderTTL)
	m.tracker.Set(req.Symbol, entry)
	m.tracker.Save()

	metrics.EntriesPlaced.WithLabelValues(req.Symbol, string(req.Side), domain.OrderTypeLimit).Inc()
	m.logger.Info("Limit entry placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("price", price),
		zap.Float64("quantity", quantity),
		zap.String("order_id", order.ID))
	m.notifier.Notify(fmt.Sprintf("📌 %s %s limit entry @ %.6g", req.Symbol, req.Side, price))
	return nil
}

// Market path: record first, submit after. A market order can fill before
// the submit call even returns, so the entry must exist for the fill event
// to land on; a rejected submission removes it without a trace.
func (m *OrderManager) executeMarket(ctx context.Context, req *EntryRequest, entry *domain.TrackerEntry, quantity, price, amount float64) error {
	entry.Status = domain.StatusPending
	entry.OrderType = domain.OrderTypeMarket
	m.tracker.Set(req.Symbol, entry)
	m.tracker.Save()

	order, err := m.exchange.CreateMarketOrder(ctx, req.Symbol, req.Side, quantity)
	if err != nil {
		m.tracker.Delete(req.Symbol)
		m.tracker.Save()
		return fmt.Errorf("failed to submit market entry for %s: %w", req.Symbol, err)
	}

	metrics.EntriesPlaced.WithLabelValues(req.Symbol, string(req.Side), domain.OrderTypeMarket).Inc()
	m.logger.Info("Market entry submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", quantity),
		zap.Float64("amount_usdt", amount),
		zap.String("order_id", order.ID))
	m.notifier.Notify(fmt.Sprintf("🚀 %s %s market entry, %.2f USDT x%d", req.Symbol, req.Side, amount, entry.Leverage))
	return nil
}

func (m *OrderManager) resolveAmount(ctx context.Context, req *EntryRequest) (float64, error) {
	if req.AmountUSDT > 0 {
		return req.AmountUSDT, nil
	}

	amount, ok, err := m.risk.DynamicAmountUSDT(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}
	if !ok {
		return m.cfg.StaticAmountUSDT, nil
	}
	return amount, nil
}

// setupSymbol applies leverage and margin type. Best effort: both calls
// fail when the value is already set and a position exists, which is not a
// reason to drop the entry.
func (m *OrderManager) setupSymbol(ctx context.Context, symbol string, leverage int) {
	if err := m.exchange.SetLeverage(ctx, symbol, leverage); err != nil {
		m.logger.Warn("Failed to set leverage", zap.String("symbol", symbol), zap.Error(err))
	}
	if err := m.exchange.SetMarginType(ctx, symbol, m.cfg.MarginType); err != nil {
		m.logger.Warn("Failed to set margin type", zap.String("symbol", symbol), zap.Error(err))
	}
}
