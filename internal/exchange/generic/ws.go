// ws.go implements a WebSocket feed for streaming book and fill/order
// updates. Client.StartUserFeed runs the authenticated channel
// alongside the REST adapter for earlier fill visibility; the public
// market channel is available for callers that want a push-based book
// instead of polling getOrderBook.
//
// The feed auto-reconnects with exponential backoff (1s -> 30s max) and
// re-subscribes to all tracked symbols on reconnection. A read deadline
// (90s) detects silent server failures within ~2 missed pings.
package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// BookEvent is a full or incremental order-book update.
type BookEvent struct {
	Symbol string          `json:"symbol"`
	Bids   [][2]string     `json:"bids"`
	Asks   [][2]string     `json:"asks"`
}

// TradeEvent is a fill notification on the user channel.
type TradeEvent struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
}

// OrderEvent is an order lifecycle event on the user channel.
type OrderEvent struct {
	OrderID string `json:"orderId"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
}

// WSFeed manages one WebSocket connection (market or user channel).
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	signer      Signer // nil for market channel
	channelType string // "market" or "user"

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh  chan BookEvent
	tradeCh chan TradeEvent
	orderCh chan OrderEvent

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public market-data channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		bookCh:      make(chan BookEvent, eventBufferSize),
		tradeCh:     make(chan TradeEvent, eventBufferSize),
		orderCh:     make(chan OrderEvent, eventBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a feed for the authenticated user channel (fills, order lifecycle).
func NewUserFeed(wsURL string, signer Signer, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		signer:      signer,
		channelType: "user",
		subscribed:  make(map[string]bool),
		bookCh:      make(chan BookEvent, eventBufferSize),
		tradeCh:     make(chan TradeEvent, eventBufferSize),
		orderCh:     make(chan OrderEvent, eventBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

func (f *WSFeed) BookEvents() <-chan BookEvent   { return f.bookCh }
func (f *WSFeed) TradeEvents() <-chan TradeEvent { return f.tradeCh }
func (f *WSFeed) OrderEvents() <-chan OrderEvent { return f.orderCh }

// Run connects and maintains the connection with auto-reconnect. Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to track.
func (f *WSFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{"op": "subscribe", "symbols": symbols})
}

// Unsubscribe removes symbols.
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{"op": "unsubscribe", "symbols": symbols})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	msg := map[string]any{"op": "subscribe", "channel": f.channelType, "symbols": symbols}
	if f.channelType == "user" && f.signer != nil {
		headers, err := f.signer.Headers("GET", "/ws/user", "")
		if err != nil {
			return fmt.Errorf("sign ws auth: %w", err)
		}
		msg["auth"] = headers
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "book":
		var evt BookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "symbol", evt.Symbol)
		}

	case "trade":
		var evt TradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "order_id", evt.OrderID)
		}

	case "order":
		var evt OrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "order_id", evt.OrderID)
		}

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
