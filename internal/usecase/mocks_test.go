package usecase_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/crypto_trade_exec/internal/domain"
)

// memTracker is an in-memory TrackerStore for tests.
type memTracker struct {
	mu    sync.Mutex
	data  map[string]*domain.TrackerEntry
	saves int
}

func newMemTracker() *memTracker {
	return &memTracker{data: make(map[string]*domain.TrackerEntry)}
}

func (t *memTracker) Get(symbol string) *domain.TrackerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.data[symbol]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (t *memTracker) Set(symbol string, entry *domain.TrackerEntry) {
	cp := *entry
	t.mu.Lock()
	t.data[symbol] = &cp
	t.mu.Unlock()
}

func (t *memTracker) Update(symbol string, mutate func(*domain.TrackerEntry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.data[symbol]
	if !ok {
		return false
	}
	mutate(e)
	return true
}

func (t *memTracker) Delete(symbol string) {
	t.mu.Lock()
	delete(t.data, symbol)
	t.mu.Unlock()
}

func (t *memTracker) Exists(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.data[symbol]
	return ok
}

func (t *memTracker) Symbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.data))
	for s := range t.data {
		out = append(out, s)
	}
	return out
}

func (t *memTracker) Save() {
	t.mu.Lock()
	t.saves++
	t.mu.Unlock()
}

func (t *memTracker) Flush() error { return nil }

func (t *memTracker) saveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saves
}

// mockExchange records every call and fails on demand.
type mockExchange struct {
	mu sync.Mutex

	lastPrice    float64
	lastPriceErr error
	balance      float64
	balanceErr   error
	positions    []*domain.Position
	positionsErr error
	openOrders   []*domain.Order
	openOrdersErr error

	marketErr   error
	limitErr    error
	stopErr     error
	tpErr       error
	trailingErr error
	cancelErr   error

	marketOrders   []*domain.Order
	limitOrders    []*domain.Order
	stopOrders     []*domain.Order
	tpOrders       []*domain.Order
	trailingOrders []*domain.Order
	cancelled      []string
	cancelledAll   []string
	leverages      map[string]int

	nextID int
}

func newMockExchange() *mockExchange {
	return &mockExchange{lastPrice: 100, balance: 1000, leverages: make(map[string]int)}
}

func (m *mockExchange) newOrder(symbol string, side domain.Side, typ string, price, qty float64) *domain.Order {
	m.nextID++
	return &domain.Order{
		ID:       fmt.Sprintf("ord-%d", m.nextID),
		Symbol:   symbol,
		Side:     side,
		Type:     typ,
		Price:    price,
		Quantity: qty,
		Status:   "NEW",
	}
}

func (m *mockExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice, m.lastPriceErr
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	m.leverages[symbol] = leverage
	m.mu.Unlock()
	return nil
}

func (m *mockExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return nil
}

func (m *mockExchange) CreateMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	o := m.newOrder(symbol, side, domain.OrderTypeMarket, 0, quantity)
	m.marketOrders = append(m.marketOrders, o)
	return o, nil
}

func (m *mockExchange) CreateLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limitErr != nil {
		return nil, m.limitErr
	}
	o := m.newOrder(symbol, side, domain.OrderTypeLimit, price, quantity)
	m.limitOrders = append(m.limitOrders, o)
	return o, nil
}

func (m *mockExchange) PlaceStopMarket(ctx context.Context, symbol string, positionSide domain.Side, stopPrice float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	o := m.newOrder(symbol, positionSide, domain.OrderTypeStopMarket, stopPrice, 0)
	m.stopOrders = append(m.stopOrders, o)
	return o, nil
}

func (m *mockExchange) PlaceTakeProfitMarket(ctx context.Context, symbol string, positionSide domain.Side, stopPrice float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tpErr != nil {
		return nil, m.tpErr
	}
	o := m.newOrder(symbol, positionSide, domain.OrderTypeTakeProfit, stopPrice, 0)
	m.tpOrders = append(m.tpOrders, o)
	return o, nil
}

func (m *mockExchange) PlaceTrailingStop(ctx context.Context, symbol string, positionSide domain.Side, quantity, callbackRate, activationPrice float64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trailingErr != nil {
		return nil, m.trailingErr
	}
	o := m.newOrder(symbol, positionSide, domain.OrderTypeTrailingMarket, activationPrice, quantity)
	m.trailingOrders = append(m.trailingOrders, o)
	return o, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return m.cancelErr
}

func (m *mockExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledAll = append(m.cancelledAll, symbol)
	return nil
}

func (m *mockExchange) OpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrders, m.openOrdersErr
}

func (m *mockExchange) Positions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, m.positionsErr
}

func (m *mockExchange) AvailableBalance(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, m.balanceErr
}

func (m *mockExchange) lastStopOrder() *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stopOrders) == 0 {
		return nil
	}
	return m.stopOrders[len(m.stopOrders)-1]
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *mockNotifier) Notify(text string) {
	n.mu.Lock()
	n.messages = append(n.messages, text)
	n.mu.Unlock()
}

type mockJournal struct {
	mu      sync.Mutex
	records []*domain.TradeRecord
	err     error
}

func (j *mockJournal) LogTrade(ctx context.Context, rec *domain.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, rec)
	return nil
}
