package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/vitos/crypto_trade_exec/internal/domain"
	"go.uber.org/zap"
)

type symbolFilters struct {
	tickSize float64
	stepSize float64
}

// BinanceFutures adapts the USDT-M futures REST API to the domain.Exchange
// interface. Prices and quantities are rounded to the symbol's tick and step
// size before submission, otherwise the API rejects with -1111.
type BinanceFutures struct {
	client *futures.Client
	logger *zap.Logger

	mu      sync.RWMutex
	filters map[string]symbolFilters
}

func NewBinanceFutures(apiKey, secretKey string, testnet bool, logger *zap.Logger) (*BinanceFutures, error) {
	if testnet {
		futures.UseTestnet = true
	}

	b := &BinanceFutures{
		client:  binance.NewFuturesClient(apiKey, secretKey),
		logger:  logger,
		filters: make(map[string]symbolFilters),
	}

	if err := b.loadFilters(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load exchange info: %w", err)
	}

	return b, nil
}

// Client exposes the underlying futures client for the user-data stream,
// which needs listen-key management.
func (b *BinanceFutures) Client() *futures.Client {
	return b.client
}

func (b *BinanceFutures) loadFilters(ctx context.Context) error {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range info.Symbols {
		f := symbolFilters{tickSize: 0.01, stepSize: 0.001}
		for _, raw := range s.Filters {
			switch raw["filterType"] {
			case "PRICE_FILTER":
				if v, ok := raw["tickSize"].(string); ok {
					f.tickSize, _ = strconv.ParseFloat(v, 64)
				}
			case "LOT_SIZE":
				if v, ok := raw["stepSize"].(string); ok {
					f.stepSize, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		b.filters[s.Symbol] = f
	}

	b.logger.Info("Exchange filters loaded", zap.Int("symbols", len(b.filters)))
	return nil
}

func (b *BinanceFutures) symbolFilters(symbol string) symbolFilters {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, ok := b.filters[symbol]
	if !ok {
		return symbolFilters{tickSize: 0.01, stepSize: 0.001}
	}
	return f
}

func precisionOf(step float64) int {
	if step <= 0 {
		return 2
	}
	if step < 1 {
		return int(math.Ceil(-math.Log10(step)))
	}
	return 0
}

func (b *BinanceFutures) formatPrice(symbol string, price float64) string {
	f := b.symbolFilters(symbol)
	rounded := math.Floor(price/f.tickSize+0.5) * f.tickSize
	return strconv.FormatFloat(rounded, 'f', precisionOf(f.tickSize), 64)
}

func (b *BinanceFutures) formatQty(symbol string, qty float64) string {
	f := b.symbolFilters(symbol)
	// Floor, never round up: rounding up a quantity can exceed balance.
	rounded := math.Floor(qty/f.stepSize) * f.stepSize
	return strconv.FormatFloat(rounded, 'f', precisionOf(f.stepSize), 64)
}

func entrySide(side domain.Side) futures.SideType {
	if side == domain.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func closeSide(positionSide domain.Side) futures.SideType {
	if positionSide == domain.SideLong {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func clientOrderID() string {
	return "exec-" + uuid.NewString()[:18]
}

func (b *BinanceFutures) LastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to set leverage %dx for %s: %w", leverage, symbol, err)
	}
	return nil
}

func (b *BinanceFutures) SetMarginType(ctx context.Context, symbol, marginType string) error {
	mt := futures.MarginTypeIsolated
	if strings.EqualFold(marginType, "CROSSED") {
		mt = futures.MarginTypeCrossed
	}
	err := b.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	if err != nil {
		// The API errors when the margin type is already what we asked for.
		if strings.Contains(err.Error(), "No need to change margin type") {
			return nil
		}
		return fmt.Errorf("failed to set margin type for %s: %w", symbol, err)
	}
	return nil
}

func (b *BinanceFutures) CreateMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	qtyStr := b.formatQty(symbol, quantity)
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(entrySide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(clientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create market order %s %s: %w", symbol, side, err)
	}
	return orderFromResponse(res), nil
}

func (b *BinanceFutures) CreateLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64) (*domain.Order, error) {
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(entrySide(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(b.formatPrice(symbol, price)).
		Quantity(b.formatQty(symbol, quantity)).
		NewClientOrderID(clientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create limit order %s %s @ %.8g: %w", symbol, side, price, err)
	}
	return orderFromResponse(res), nil
}

func (b *BinanceFutures) PlaceStopMarket(ctx context.Context, symbol string, positionSide domain.Side, stopPrice float64) (*domain.Order, error) {
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide(positionSide)).
		Type(futures.OrderTypeStopMarket).
		StopPrice(b.formatPrice(symbol, stopPrice)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(clientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place stop market for %s: %w", symbol, err)
	}
	return orderFromResponse(res), nil
}

func (b *BinanceFutures) PlaceTakeProfitMarket(ctx context.Context, symbol string, positionSide domain.Side, stopPrice float64) (*domain.Order, error) {
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide(positionSide)).
		Type(futures.OrderTypeTakeProfitMarket).
		StopPrice(b.formatPrice(symbol, stopPrice)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(clientOrderID()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place take profit for %s: %w", symbol, err)
	}
	return orderFromResponse(res), nil
}

func (b *BinanceFutures) PlaceTrailingStop(ctx context.Context, symbol string, positionSide domain.Side, quantity, callbackRate, activationPrice float64) (*domain.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide(positionSide)).
		Type(futures.OrderTypeTrailingStopMarket).
		Quantity(b.formatQty(symbol, quantity)).
		CallbackRate(strconv.FormatFloat(callbackRate, 'f', 1, 64)).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(clientOrderID())
	if activationPrice > 0 {
		svc = svc.ActivationPrice(b.formatPrice(symbol, activationPrice))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place trailing stop for %s: %w", symbol, err)
	}
	return orderFromResponse(res), nil
}

func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

func (b *BinanceFutures) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("failed to cancel open orders on %s: %w", symbol, err)
	}
	return nil
}

func (b *BinanceFutures) OpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	raw, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders on %s: %w", symbol, err)
	}

	orders := make([]*domain.Order, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		side := domain.SideLong
		if o.Side == futures.SideTypeSell {
			side = domain.SideShort
		}
		orders = append(orders, &domain.Order{
			ID:       strconv.FormatInt(o.OrderID, 10),
			Symbol:   o.Symbol,
			Side:     side,
			Type:     string(o.Type),
			Price:    price,
			Quantity: qty,
			Status:   string(o.Status),
		})
	}
	return orders, nil
}

func (b *BinanceFutures) Positions(ctx context.Context) ([]*domain.Position, error) {
	raw, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	var positions []*domain.Position
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		side := domain.SideLong
		if amt < 0 {
			side = domain.SideShort
		}
		positions = append(positions, &domain.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Contracts:  math.Abs(amt),
			EntryPrice: entry,
		})
	}
	return positions, nil
}

func (b *BinanceFutures) AvailableBalance(ctx context.Context) (float64, error) {
	res, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get account: %w", err)
	}
	for _, a := range res.Assets {
		if a.Asset == "USDT" {
			return strconv.ParseFloat(a.AvailableBalance, 64)
		}
	}
	return 0, nil
}

func orderFromResponse(res *futures.CreateOrderResponse) *domain.Order {
	price, _ := strconv.ParseFloat(res.Price, 64)
	qty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	side := domain.SideLong
	if res.Side == futures.SideTypeSell {
		side = domain.SideShort
	}
	return &domain.Order{
		ID:       strconv.FormatInt(res.OrderID, 10),
		Symbol:   res.Symbol,
		Side:     side,
		Type:     string(res.Type),
		Price:    price,
		Quantity: qty,
		Status:   string(res.Status),
	}
}
