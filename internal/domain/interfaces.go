package domain

import "context"

// Exchange defines the interface for interacting with the derivatives exchange.
// Safety-order methods take the POSITION side; adapters place the opposite,
// closing side on the exchange.
type Exchange interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error

	CreateMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error)
	CreateLimitOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (*Order, error)

	// Close-position stop orders: the exchange closes whatever quantity is
	// open when triggered, so partial fills elsewhere cannot strand a
	// mismatched safety order.
	PlaceStopMarket(ctx context.Context, symbol string, positionSide Side, stopPrice float64) (*Order, error)
	PlaceTakeProfitMarket(ctx context.Context, symbol string, positionSide Side, stopPrice float64) (*Order, error)
	PlaceTrailingStop(ctx context.Context, symbol string, positionSide Side, quantity, callbackRate, activationPrice float64) (*Order, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	Positions(ctx context.Context) ([]*Position, error)
	AvailableBalance(ctx context.Context) (float64, error)
}

// TrackerStore holds the per-symbol trade state. Implementations persist a
// full dump on Save without blocking the caller.
type TrackerStore interface {
	Get(symbol string) *TrackerEntry
	Set(symbol string, entry *TrackerEntry)
	// Update applies the mutator to the entry if it exists and reports
	// whether it did.
	Update(symbol string, mutate func(*TrackerEntry)) bool
	Delete(symbol string)
	Exists(symbol string) bool
	Symbols() []string
	Save()
	// Flush blocks until all queued saves hit disk. Shutdown only.
	Flush() error
}

// TradeJournal records terminal trade outcomes.
type TradeJournal interface {
	LogTrade(ctx context.Context, rec *TradeRecord) error
}

// Notifier delivers human-readable status messages. Implementations are
// fire-and-forget: they never return errors and never block trading logic.
type Notifier interface {
	Notify(text string)
}
