// Package generic implements a Trading-API adapter over a conventional
// signed-REST + WebSocket exchange shape: HMAC or EIP-712 request
// signing, JSON bodies, one REST call per contract operation, and an
// optional authenticated WebSocket feed the caller may start alongside
// it for earlier fill/order visibility. It is registered under its own
// exchange id and selected through tradingapi.New like any other
// adapter.
package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"mmagent/internal/tradingapi"
)

func init() {
	tradingapi.Register("generic", func(cfg tradingapi.AdapterConfig) (tradingapi.Trader, error) {
		return NewClient(cfg, slog.Default())
	})
}

// Client is a generic signed-REST exchange adapter.
type Client struct {
	http   *resty.Client
	signer Signer
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	marketsCached map[tradingapi.Pair]tradingapi.MarketDescriptor
}

// NewClient builds a Client from AdapterConfig. The signing scheme is
// chosen from cfg.Extra["sign_scheme"] ("hmac" default, or "eip712").
func NewClient(cfg tradingapi.AdapterConfig, logger *slog.Logger) (*Client, error) {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	var signer Signer
	switch cfg.Extra["sign_scheme"] {
	case "eip712":
		chainID, _ := strconv.ParseInt(cfg.Extra["chain_id"], 10, 64)
		s, err := NewEIP712Signer(cfg.PrivateKey, chainID, cfg.Extra["domain_name"])
		if err != nil {
			return nil, fmt.Errorf("generic: eip712 signer: %w", err)
		}
		signer = s
	default:
		signer = NewHMACSigner(cfg.APIKey, cfg.APISecret, cfg.Passphrase)
	}

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange_generic", "exchange", cfg.ExchangeID),
	}, nil
}

type marketWire struct {
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	BaseDecimals  int32  `json:"baseDecimals"`
	QuoteDecimals int32  `json:"quoteDecimals"`
	MinBaseAmount string `json:"minBaseAmount"`
	MaxBaseAmount string `json:"maxBaseAmount"`
	MinPriceTick  string `json:"minPriceTick"`
}

func (c *Client) LoadMarkets(ctx context.Context) (map[tradingapi.Pair]tradingapi.MarketDescriptor, error) {
	if c.marketsCached != nil {
		return c.marketsCached, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var wire []marketWire
	resp, err := c.http.R().SetContext(ctx).SetResult(&wire).Get("/markets")
	if err != nil {
		return nil, &tradingapi.TransientAPIError{Op: "loadMarkets", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &tradingapi.TransientAPIError{Op: "loadMarkets", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	out := make(map[tradingapi.Pair]tradingapi.MarketDescriptor, len(wire))
	for _, m := range wire {
		out[tradingapi.Pair{Base: m.Base, Quote: m.Quote}] = tradingapi.MarketDescriptor{
			Base:          m.Base,
			Quote:         m.Quote,
			BaseDecimals:  m.BaseDecimals,
			QuoteDecimals: m.QuoteDecimals,
			MinBaseAmount: mustDecimal(m.MinBaseAmount),
			MaxBaseAmount: mustDecimal(m.MaxBaseAmount),
			MinPriceTick:  mustDecimal(m.MinPriceTick),
		}
	}
	c.marketsCached = out
	return out, nil
}

func (c *Client) Features() tradingapi.Features {
	return tradingapi.Features{
		PlaceMarketOrder:              true,
		AmountForMarketBuy:            true,
		AmountForMarketOrderNecessary: false,
		GetDepositAddress:             false,
		GetTradingFees:                false,
		SupportCoinNetworks:           false,
		OrderNumberLimit:              0,
	}
}

type balanceWire struct {
	Coin   string `json:"coin"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

func (c *Client) GetBalances(ctx context.Context, includeZero bool) ([]tradingapi.BalanceEntry, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.signer.Headers("GET", "/account/balances", "")
	if err != nil {
		return nil, fmt.Errorf("sign balances: %w", err)
	}
	var wire []balanceWire
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&wire).Get("/account/balances")
	if err != nil {
		return nil, &tradingapi.TransientAPIError{Op: "getBalances", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &tradingapi.TransientAPIError{Op: "getBalances", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	out := make([]tradingapi.BalanceEntry, 0, len(wire))
	for _, b := range wire {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		if !includeZero && free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, tradingapi.BalanceEntry{Coin: b.Coin, Free: free, Locked: locked, Total: free.Add(locked)})
	}
	return out, nil
}

type openOrderWire struct {
	ID             string `json:"id"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Amount         string `json:"amount"`
	AmountExecuted string `json:"amountExecuted"`
	Status         string `json:"status"`
}

func (c *Client) GetOpenOrders(ctx context.Context, pair tradingapi.Pair) ([]tradingapi.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.signer.Headers("GET", "/orders/open", "")
	if err != nil {
		return nil, fmt.Errorf("sign open orders: %w", err)
	}
	var wire []openOrderWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", pair.String()).
		SetResult(&wire).
		Get("/orders/open")
	if err != nil {
		return nil, &tradingapi.TransientAPIError{Op: "getOpenOrders", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &tradingapi.TransientAPIError{Op: "getOpenOrders", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	out := make([]tradingapi.OpenOrder, 0, len(wire))
	for _, o := range wire {
		out = append(out, tradingapi.OpenOrder{
			ID:             o.ID,
			Side:           tradingapi.Side(o.Side),
			Price:          mustDecimal(o.Price),
			Amount:         mustDecimal(o.Amount),
			AmountExecuted: mustDecimal(o.AmountExecuted),
			Status:         tradingapi.OrderStatus(o.Status),
		})
	}
	return out, nil
}

func (c *Client) GetOrderDetails(ctx context.Context, id string, pair tradingapi.Pair) (tradingapi.OrderDetail, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return tradingapi.OrderDetail{}, err
	}
	headers, err := c.signer.Headers("GET", "/orders/"+id, "")
	if err != nil {
		return tradingapi.OrderDetail{}, fmt.Errorf("sign order details: %w", err)
	}
	var wire struct {
		Status      string `json:"status"`
		BaseFilled  string `json:"baseFilled"`
		QuoteFilled string `json:"quoteFilled"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", pair.String()).
		SetResult(&wire).
		Get("/orders/" + id)
	if err != nil {
		return tradingapi.OrderDetail{}, &tradingapi.TransientAPIError{Op: "getOrderDetails", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return tradingapi.OrderDetail{}, &tradingapi.UnknownOrderError{ID: id}
	}
	if resp.StatusCode() != http.StatusOK {
		return tradingapi.OrderDetail{}, &tradingapi.TransientAPIError{Op: "getOrderDetails", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	status := tradingapi.OrderStatus(wire.Status)
	if status == "" {
		status = tradingapi.StatusUnknown
	}
	return tradingapi.OrderDetail{
		ID:          id,
		Status:      status,
		BaseFilled:  mustDecimal(wire.BaseFilled),
		QuoteFilled: mustDecimal(wire.QuoteFilled),
	}, nil
}

type placeOrderBody struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	BaseAmount  string `json:"baseAmount,omitempty"`
	QuoteAmount string `json:"quoteAmount,omitempty"`
}

func (c *Client) PlaceOrder(ctx context.Context, side tradingapi.Side, pair tradingapi.Pair, price, baseAmount, quoteAmount *decimal.Decimal, kind tradingapi.OrderKind) (tradingapi.PlaceResult, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would place order", "side", side, "pair", pair, "price", price, "base_amount", baseAmount, "quote_amount", quoteAmount)
		return tradingapi.PlaceResult{ID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano())}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return tradingapi.PlaceResult{}, err
	}

	body := placeOrderBody{
		Symbol: pair.String(),
		Side:   string(side),
		Type:   string(kind),
	}
	if price != nil {
		body.Price = price.String()
	}
	if baseAmount != nil {
		body.BaseAmount = baseAmount.String()
	}
	if quoteAmount != nil {
		body.QuoteAmount = quoteAmount.String()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return tradingapi.PlaceResult{}, fmt.Errorf("marshal place order: %w", err)
	}
	headers, err := c.signer.Headers("POST", "/orders", string(raw))
	if err != nil {
		return tradingapi.PlaceResult{}, fmt.Errorf("sign place order: %w", err)
	}

	var result struct {
		ID       string `json:"id"`
		Rejected bool   `json:"rejected"`
		Reason   string `json:"reason"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(raw).
		SetResult(&result).
		SetError(&result).
		Post("/orders")
	if err != nil {
		return tradingapi.PlaceResult{}, &tradingapi.TransientAPIError{Op: "placeOrder", Err: err}
	}
	if resp.StatusCode() == http.StatusUnprocessableEntity || result.Rejected {
		return tradingapi.PlaceResult{Rejected: true, Reason: result.Reason}, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return tradingapi.PlaceResult{}, &tradingapi.TransientAPIError{Op: "placeOrder", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	return tradingapi.PlaceResult{ID: result.ID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, id string, side tradingapi.Side, pair tradingapi.Pair) (tradingapi.CancelOutcome, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "id", id)
		return tradingapi.CancelCancelled, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return "", err
	}
	headers, err := c.signer.Headers("DELETE", "/orders/"+id, "")
	if err != nil {
		return "", fmt.Errorf("sign cancel: %w", err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", pair.String()).
		Delete("/orders/" + id)
	if err != nil {
		return "", &tradingapi.TransientAPIError{Op: "cancelOrder", Err: err}
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return tradingapi.CancelCancelled, nil
	case http.StatusConflict:
		return tradingapi.CancelAlreadyClosed, nil
	case http.StatusNotFound:
		return tradingapi.CancelUnknown, nil
	default:
		return "", &tradingapi.TransientAPIError{Op: "cancelOrder", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
}

func (c *Client) GetRates(ctx context.Context, pair tradingapi.Pair) (tradingapi.Rates, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return tradingapi.Rates{}, err
	}
	var wire struct {
		Bid, Ask, Last, High24h, Low24h, Volume24h, QuoteVolume24h string
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair.String()).
		SetResult(&wire).
		Get("/rates")
	if err != nil {
		return tradingapi.Rates{}, &tradingapi.TransientAPIError{Op: "getRates", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return tradingapi.Rates{}, &tradingapi.TransientAPIError{Op: "getRates", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	return tradingapi.Rates{
		Bid: mustDecimal(wire.Bid), Ask: mustDecimal(wire.Ask), Last: mustDecimal(wire.Last),
		High24h: mustDecimal(wire.High24h), Low24h: mustDecimal(wire.Low24h),
		Volume24h: mustDecimal(wire.Volume24h), QuoteVolume24h: mustDecimal(wire.QuoteVolume24h),
	}, nil
}

type bookLevelWire struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

func (c *Client) GetOrderBook(ctx context.Context, pair tradingapi.Pair) (tradingapi.OrderBook, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return tradingapi.OrderBook{}, err
	}
	var wire struct {
		Bids []bookLevelWire `json:"bids"`
		Asks []bookLevelWire `json:"asks"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair.String()).
		SetResult(&wire).
		Get("/book")
	if err != nil {
		return tradingapi.OrderBook{}, &tradingapi.TransientAPIError{Op: "getOrderBook", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return tradingapi.OrderBook{}, &tradingapi.TransientAPIError{Op: "getOrderBook", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	book := tradingapi.OrderBook{
		Bids: make([]tradingapi.PriceLevel, len(wire.Bids)),
		Asks: make([]tradingapi.PriceLevel, len(wire.Asks)),
	}
	for i, l := range wire.Bids {
		book.Bids[i] = tradingapi.PriceLevel{Price: mustDecimal(l.Price), Amount: mustDecimal(l.Amount)}
	}
	for i, l := range wire.Asks {
		book.Asks[i] = tradingapi.PriceLevel{Price: mustDecimal(l.Price), Amount: mustDecimal(l.Amount)}
	}
	return book, nil
}

// StartUserFeed connects the authenticated WebSocket user channel in
// the background and logs every order/trade event it observes. It
// runs until ctx is cancelled. The REST calls above remain the
// authoritative source for reconciliation; this only gives an
// operator earlier visibility into fills between poll ticks.
func (c *Client) StartUserFeed(ctx context.Context, wsURL string) {
	feed := NewUserFeed(wsURL, c.signer, c.logger)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("user feed stopped", "error", err)
		}
	}()
	go c.consumeUserFeed(ctx, feed)
}

func (c *Client) consumeUserFeed(ctx context.Context, feed *WSFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed.OrderEvents():
			if !ok {
				return
			}
			c.logger.Info("user feed: order event", "order_id", evt.OrderID, "status", evt.Status)
		case evt, ok := <-feed.TradeEvents():
			if !ok {
				return
			}
			c.logger.Info("user feed: trade event", "order_id", evt.OrderID, "side", evt.Side, "price", evt.Price, "amount", evt.Amount)
		}
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ tradingapi.Trader = (*Client)(nil)
