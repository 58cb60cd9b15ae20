package domain

// Order is the slice of an exchange order this engine cares about.
type Order struct {
	ID       string
	Symbol   string
	Side     Side
	Type     string
	Price    float64
	Quantity float64
	Status   string
}

// Terminal order statuses as delivered by the event stream.
const (
	OrderStatusFilled   = "FILLED"
	OrderStatusCanceled = "CANCELED"
	OrderStatusExpired  = "EXPIRED"
)

// OrderUpdate is one order-lifecycle event from the push stream.
type OrderUpdate struct {
	Symbol      string
	OrderID     string
	Status      string
	Side        string // BUY / SELL
	OrderType   string // MARKET, LIMIT, STOP_MARKET, ...
	AvgPrice    float64
	Quantity    float64
	RealizedPnL float64
	Fee         float64
}
