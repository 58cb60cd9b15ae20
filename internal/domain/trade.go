package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// TradeStatus is the lifecycle state of a tracked trade.
// Transitions move forward only; reconciliation may delete an entry or
// move it back to an earlier status when repairing drift.
type TradeStatus string

const (
	StatusNone          TradeStatus = "NONE"
	StatusWaitingEntry  TradeStatus = "WAITING_ENTRY"  // limit order placed, not filled yet
	StatusPending       TradeStatus = "PENDING"        // filled (or market submitted), safety orders not installed
	StatusProcessing    TradeStatus = "PROCESSING"     // safety installation in progress
	StatusSecured       TradeStatus = "SECURED"        // SL/TP live on the exchange
	StatusSecuredNative TradeStatus = "SECURED_NATIVE" // exchange-native trailing stop live
)

// Order types as Binance futures names them on the wire.
const (
	OrderTypeMarket         = "MARKET"
	OrderTypeLimit          = "LIMIT"
	OrderTypeStopMarket     = "STOP_MARKET"
	OrderTypeTakeProfit     = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingMarket = "TRAILING_STOP_MARKET"
)

// ExitType classifies how a position was closed.
type ExitType string

const (
	ExitStopLoss     ExitType = "STOP_LOSS"
	ExitTakeProfit   ExitType = "TAKE_PROFIT"
	ExitTrailingStop ExitType = "TRAILING_STOP"
	ExitManual       ExitType = "MANUAL"
)

// TrackerEntry is the per-symbol trade state. One entry per symbol,
// owned by the tracker store and persisted on every mutation.
type TrackerEntry struct {
	Status    TradeStatus `json:"status"`
	EntryID   string      `json:"entry_id,omitempty"` // exchange id of the entry order, WAITING_ENTRY only
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
	FilledAt  time.Time   `json:"filled_at,omitempty"`
	LastCheck time.Time   `json:"last_check,omitempty"`

	Side       Side    `json:"side,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	OrderType  string  `json:"order_type,omitempty"` // entry order type, distinct from whatever closes the position
	Leverage   int     `json:"leverage,omitempty"`
	ATRValue   float64 `json:"atr_value,omitempty"` // volatility snapshot taken at entry time

	SLPriceInitial float64 `json:"sl_price_initial,omitempty"`
	TPPrice        float64 `json:"tp_price,omitempty"`
	SLOrderID      string  `json:"sl_order_id,omitempty"`
	TPOrderID      string  `json:"tp_order_id,omitempty"`

	TrailingActive   bool    `json:"trailing_active"`
	TrailingSL       float64 `json:"trailing_sl,omitempty"`
	TrailingHigh     float64 `json:"trailing_high,omitempty"`
	TrailingLow      float64 `json:"trailing_low,omitempty"`
	ActivationPrice  float64 `json:"activation_price,omitempty"`
	NativeTrailingID string  `json:"native_trailing_id,omitempty"`

	// Provenance, passed through untouched.
	Strategy       string             `json:"strategy,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	TechnicalData  map[string]float64 `json:"technical_data,omitempty"`
	ConfigSnapshot map[string]string  `json:"config_snapshot,omitempty"`
}

// TradeRecord is the journal row written once per terminal trade outcome.
type TradeRecord struct {
	Symbol     string
	Side       Side
	EntryType  string // order type of the entry, not the close
	EntryPrice float64
	ExitPrice  float64
	SizeUSDT   float64
	PnLUSDT    float64
	ROIPercent float64
	Fee        float64
	Result     string // exit type, or CANCELLED / TIMEOUT for never-filled entries

	Strategy       string
	Reason         string
	TechnicalData  map[string]float64
	ConfigSnapshot map[string]string

	TrailingWasActive bool
	TrailingSLFinal   float64
	TrailingHigh      float64
	TrailingLow       float64
	ActivationPrice   float64
	SLPriceInitial    float64

	SetupAt  time.Time
	FilledAt time.Time
	ClosedAt time.Time
}
