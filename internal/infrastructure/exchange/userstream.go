package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_trade_exec/internal/domain"
	"go.uber.org/zap"
)

const (
	userStreamURL        = "wss://fstream.binance.com/ws/"
	userStreamTestnetURL = "wss://stream.binancefuture.com/ws/"

	// Binance expires listen keys after 60 minutes without a keepalive.
	keepaliveInterval = 25 * time.Minute
	reconnectDelay    = 5 * time.Second
)

// errListenKeyExpired tears down the current connection so Run fetches a
// fresh listen key instead of waiting for the server to close the socket.
var errListenKeyExpired = errors.New("listen key expired")

// UserStream consumes the futures user-data websocket and dispatches
// order-lifecycle events. It owns the listen key: fetch, keepalive and
// refresh on reconnect.
type UserStream struct {
	client  *futures.Client
	wsURL   string
	logger  *zap.Logger
	onOrder func(*domain.OrderUpdate)
	// onAccount fires on any position-changing event so the caller can
	// resync its position cache.
	onAccount func()
}

func NewUserStream(client *futures.Client, testnet bool, logger *zap.Logger, onOrder func(*domain.OrderUpdate), onAccount func()) *UserStream {
	url := userStreamURL
	if testnet {
		url = userStreamTestnetURL
	}
	return &UserStream{
		client:    client,
		wsURL:     url,
		logger:    logger,
		onOrder:   onOrder,
		onAccount: onAccount,
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with a fresh
// listen key after any failure.
func (u *UserStream) Run(ctx context.Context) {
	for {
		if err := u.connectAndRead(ctx); err != nil {
			u.logger.Error("User stream disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (u *UserStream) connectAndRead(ctx context.Context) error {
	listenKey, err := u.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.wsURL+listenKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	u.logger.Info("User stream connected")

	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go u.keepaliveLoop(keepaliveCtx, listenKey)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-keepaliveCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := u.dispatch(message); err != nil {
			return err
		}
	}
}

func (u *UserStream) keepaliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				u.logger.Warn("Listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

type wsOrderPayload struct {
	Symbol      string `json:"s"`
	OrderID     int64  `json:"i"`
	Status      string `json:"X"`
	Side        string `json:"S"`
	Type        string `json:"o"`
	OrigType    string `json:"ot"`
	AvgPrice    string `json:"ap"`
	Quantity    string `json:"q"`
	RealizedPnL string `json:"rp"`
	Fee         string `json:"n"`
}

type wsEvent struct {
	Event string         `json:"e"`
	Order wsOrderPayload `json:"o"`
}

// dispatch routes one raw frame. A non-nil error means the connection is
// no longer usable and the caller must reconnect.
func (u *UserStream) dispatch(message []byte) error {
	var event wsEvent
	if err := json.Unmarshal(message, &event); err != nil {
		u.logger.Warn("Failed to parse user stream event", zap.Error(err))
		return nil
	}

	switch event.Event {
	case "ORDER_TRADE_UPDATE":
		o := event.Order
		avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
		qty, _ := strconv.ParseFloat(o.Quantity, 64)
		pnl, _ := strconv.ParseFloat(o.RealizedPnL, 64)
		fee, _ := strconv.ParseFloat(o.Fee, 64)

		// A triggered stop arrives with the current type downgraded to
		// MARKET; the original type still says what the order was.
		orderType := o.OrigType
		if orderType == "" {
			orderType = o.Type
		}

		if u.onOrder != nil {
			u.onOrder(&domain.OrderUpdate{
				Symbol:      o.Symbol,
				OrderID:     strconv.FormatInt(o.OrderID, 10),
				Status:      o.Status,
				Side:        o.Side,
				OrderType:   orderType,
				AvgPrice:    avgPrice,
				Quantity:    qty,
				RealizedPnL: pnl,
				Fee:         fee,
			})
		}
	case "ACCOUNT_UPDATE":
		if u.onAccount != nil {
			u.onAccount()
		}
	case "listenKeyExpired":
		u.logger.Warn("Listen key expired, forcing reconnect")
		return errListenKeyExpired
	}
	return nil
}
