package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_trade_exec/internal/domain"
	"github.com/vitos/crypto_trade_exec/internal/metrics"
	"go.uber.org/zap"
)

// OrderSyncManager reconciles WAITING_ENTRY tracker entries against the
// exchange's open-orders list. The event stream is not guaranteed to
// deliver every terminal event; this loop catches expired limit orders,
// out-of-band cancellations, and fills whose events were missed.
type OrderSyncManager struct {
	exchange  domain.Exchange
	tracker   domain.TrackerStore
	positions *PositionManager
	notifier  domain.Notifier
	logger    *zap.Logger
}

func NewOrderSyncManager(exchange domain.Exchange, tracker domain.TrackerStore, positions *PositionManager, notifier domain.Notifier, logger *zap.Logger) *OrderSyncManager {
	return &OrderSyncManager{
		exchange:  exchange,
		tracker:   tracker,
		positions: positions,
		notifier:  notifier,
		logger:    logger,
	}
}

// SyncPendingOrders runs one reconciliation pass. Symbols are checked
// sequentially; a failure on one never aborts the rest.
func (m *OrderSyncManager) SyncPendingOrders(ctx context.Context) {
	changed := false
	for _, symbol := range m.tracker.Symbols() {
		entry := m.tracker.Get(symbol)
		if entry == nil || entry.Status != domain.StatusWaitingEntry {
			continue
		}

		mutated, err := m.checkSymbol(ctx, symbol, entry)
		if err != nil {
			m.logger.Error("Order sync failed for symbol",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		changed = changed || mutated
	}

	if changed {
		m.tracker.Save()
	}
}

func (m *OrderSyncManager) checkSymbol(ctx context.Context, symbol string, entry *domain.TrackerEntry) (bool, error) {
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		// The goal is to stop believing in this order, not to get the
		// exchange to confirm: delete even when the cancel fails.
		if err := m.exchange.CancelOrder(ctx, symbol, entry.EntryID); err != nil {
			m.logger.Warn("Failed to cancel expired entry order",
				zap.String("symbol", symbol),
				zap.String("order_id", entry.EntryID),
				zap.Error(err))
		}
		m.tracker.Delete(symbol)
		metrics.SyncRepairs.WithLabelValues("expired").Inc()
		m.logger.Info("Limit entry expired",
			zap.String("symbol", symbol), zap.String("order_id", entry.EntryID))
		m.notifier.Notify(fmt.Sprintf("⏳ %s limit entry expired, cancelled", symbol))
		return true, nil
	}

	open, err := m.exchange.OpenOrders(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	for _, o := range open {
		if o.ID == entry.EntryID {
			// Still on the book, still waiting.
			return false, nil
		}
	}

	// Order vanished without an event reaching us.
	if m.positions.HasPosition(symbol) {
		m.tracker.Update(symbol, func(e *domain.TrackerEntry) {
			e.Status = domain.StatusPending
			e.EntryID = ""
			e.FilledAt = time.Now()
		})
		metrics.SyncRepairs.WithLabelValues("filled_unseen").Inc()
		m.logger.Info("Entry fill detected by reconciliation",
			zap.String("symbol", symbol))
		m.notifier.Notify(fmt.Sprintf("🔎 %s entry filled (detected by sync)", symbol))
		return true, nil
	}

	m.tracker.Delete(symbol)
	metrics.SyncRepairs.WithLabelValues("cancelled_external").Inc()
	m.logger.Info("Entry cancelled out-of-band",
		zap.String("symbol", symbol), zap.String("order_id", entry.EntryID))
	m.notifier.Notify(fmt.Sprintf("🗑️ %s entry cancelled externally, tracking dropped", symbol))
	return true, nil
}
