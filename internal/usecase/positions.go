package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"go.uber.org/zap"
)

// PositionManager mirrors the exchange's open positions. The cache is the
// source of truth for "does the exchange actually hold this position"; the
// tracker only says what we believe about the trade.
type PositionManager struct {
	exchange domain.Exchange
	logger   *zap.Logger

	// symbol -> category, for portfolio-level exposure caps.
	categories map[string]string

	mu       sync.RWMutex
	cache    map[string]*domain.Position
	lastSync time.Time
}

func NewPositionManager(exchange domain.Exchange, categories map[string]string, logger *zap.Logger) *PositionManager {
	if categories == nil {
		categories = make(map[string]string)
	}
	return &PositionManager{
		exchange:   exchange,
		logger:     logger,
		categories: categories,
		cache:      make(map[string]*domain.Position),
	}
}

// Sync replaces the cache wholesale. Never merged incrementally: a closed
// position must disappear on the next sync even when its close event was
// missed.
func (m *PositionManager) Sync(ctx context.Context) (int, error) {
	positions, err := m.exchange.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sync positions: %w", err)
	}

	fresh := make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		fresh[p.Symbol] = p
	}

	m.mu.Lock()
	m.cache = fresh
	m.lastSync = time.Now()
	m.mu.Unlock()

	metrics.OpenPositions.Set(float64(len(fresh)))
	return len(fresh), nil
}

func (m *PositionManager) HasPosition(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cache[symbol]
	return ok
}

func (m *PositionManager) Get(symbol string) *domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.cache[symbol]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *PositionManager) OpenPositions() []*domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Position, 0, len(m.cache))
	for _, p := range m.cache {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (m *PositionManager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// CountByCategory counts open positions whose symbol maps to the given
// category. Symbols without a mapping count under "other".
func (m *PositionManager) CountByCategory(category string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for symbol := range m.cache {
		cat, ok := m.categories[symbol]
		if !ok {
			cat = "other"
		}
		if cat == category {
			n++
		}
	}
	return n
}

func (m *PositionManager) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}
