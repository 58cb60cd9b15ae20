package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"go.uber.org/zap"
)

type RiskConfig struct {
	// DynamicSizing switches position sizing from the static per-symbol
	// default to a percentage of available balance.
	DynamicSizing bool
	RiskPercent   float64 // fraction of available balance per trade

	// MinNotionalUSDT is the exchange's minimum order value. Sizes below
	// it are clamped up, never rejected.
	MinNotionalUSDT float64

	// Asymmetric cooldowns: longer after a loss than after a profit, a
	// revenge-trading guard.
	ProfitCooldown time.Duration
	LossCooldown   time.Duration
}

// RiskManager sizes positions from the account risk policy and runs the
// per-symbol cooldown circuit breaker.
type RiskManager struct {
	exchange domain.Exchange
	cfg      RiskConfig
	logger   *zap.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time // symbol -> expiry
}

func NewRiskManager(exchange domain.Exchange, cfg RiskConfig, logger *zap.Logger) *RiskManager {
	return &RiskManager{
		exchange:  exchange,
		cfg:       cfg,
		logger:    logger,
		cooldowns: make(map[string]time.Time),
	}
}

// DynamicAmountUSDT returns the margin to commit for a new trade. ok=false
// means dynamic sizing is disabled and the caller should use its static
// default.
func (r *RiskManager) DynamicAmountUSDT(ctx context.Context, symbol string) (float64, bool, error) {
	if !r.cfg.DynamicSizing {
		return 0, false, nil
	}

	balance, err := r.exchange.AvailableBalance(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to size %s entry: %w", symbol, err)
	}

	amount := balance * r.cfg.RiskPercent
	if amount < r.cfg.MinNotionalUSDT {
		r.logger.Debug("Risk amount below min notional, clamping up",
			zap.String("symbol", symbol),
			zap.Float64("amount", amount),
			zap.Float64("min_notional", r.cfg.MinNotionalUSDT))
		amount = r.cfg.MinNotionalUSDT
	}

	return amount, true, nil
}

func (r *RiskManager) SetCooldown(symbol string, d time.Duration) {
	r.mu.Lock()
	r.cooldowns[symbol] = time.Now().Add(d)
	r.mu.Unlock()
}

// SetOutcomeCooldown picks the asymmetric duration from the trade result
// and returns what it chose.
func (r *RiskManager) SetOutcomeCooldown(symbol string, realizedPnL float64) time.Duration {
	d := r.cfg.LossCooldown
	if realizedPnL > 0 {
		d = r.cfg.ProfitCooldown
	}
	r.SetCooldown(symbol, d)
	return d
}

func (r *RiskManager) UnderCooldown(symbol string) bool {
	return r.RemainingCooldown(symbol) > 0
}

func (r *RiskManager) RemainingCooldown(symbol string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.cooldowns[symbol]
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		delete(r.cooldowns, symbol)
		return 0
	}
	return remaining
}
