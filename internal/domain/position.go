package domain

// Position is a snapshot of an open position on the exchange, keyed by
// symbol in the position cache. The cache is rebuilt wholesale on every
// sync so closed positions are guaranteed to disappear.
type Position struct {
	Symbol     string
	Side       Side
	Contracts  float64
	EntryPrice float64
}
