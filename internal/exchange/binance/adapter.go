// Package binance implements a Trading-API adapter over Binance's spot
// REST API via the adshao/go-binance/v2 SDK client, registered under
// exchange id "binance". It wraps the concrete per-exchange SDK client
// behind the same uniform tradingapi.Trader interface the generic
// adapter implements, proving the registry resolves more than one real
// adapter.
package binance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"mmagent/internal/tradingapi"
)

func init() {
	tradingapi.Register("binance", func(cfg tradingapi.AdapterConfig) (tradingapi.Trader, error) {
		return NewAdapter(cfg, slog.Default()), nil
	})
}

// Adapter wraps *binance.Client to satisfy tradingapi.Trader.
type Adapter struct {
	client *binance.Client
	dryRun bool
	logger *slog.Logger

	marketsCached map[tradingapi.Pair]tradingapi.MarketDescriptor
}

func NewAdapter(cfg tradingapi.AdapterConfig, logger *slog.Logger) *Adapter {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &Adapter{
		client: client,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange_binance"),
	}
}

func symbol(p tradingapi.Pair) string { return p.Base + p.Quote }

func (a *Adapter) LoadMarkets(ctx context.Context) (map[tradingapi.Pair]tradingapi.MarketDescriptor, error) {
	if a.marketsCached != nil {
		return a.marketsCached, nil
	}
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, &tradingapi.TransientAPIError{Op: "loadMarkets", Err: err}
	}

	out := make(map[tradingapi.Pair]tradingapi.MarketDescriptor, len(info.Symbols))
	for _, s := range info.Symbols {
		pair := tradingapi.Pair{Base: s.BaseAsset, Quote: s.QuoteAsset}
		desc := tradingapi.MarketDescriptor{
			Base:          s.BaseAsset,
			Quote:         s.QuoteAsset,
			BaseDecimals:  int32(s.BaseAssetPrecision),
			QuoteDecimals: int32(s.QuotePrecision),
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				desc.MinBaseAmount = parseDecimal(fmt.Sprint(f["minQty"]))
				desc.MaxBaseAmount = parseDecimal(fmt.Sprint(f["maxQty"]))
			case "PRICE_FILTER":
				desc.MinPriceTick = parseDecimal(fmt.Sprint(f["tickSize"]))
			}
		}
		out[pair] = desc
	}
	a.marketsCached = out
	return out, nil
}

func (a *Adapter) Features() tradingapi.Features {
	return tradingapi.Features{
		PlaceMarketOrder:              true,
		AmountForMarketBuy:            true,
		AmountForMarketOrderNecessary: true,
		GetDepositAddress:             true,
		GetTradingFees:                true,
		SupportCoinNetworks:           true,
		OrderNumberLimit:              200,
	}
}

func (a *Adapter) GetBalances(ctx context.Context, includeZero bool) ([]tradingapi.BalanceEntry, error) {
	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, &tradingapi.TransientAPIError{Op: "getBalances", Err: err}
	}
	out := make([]tradingapi.BalanceEntry, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		if !includeZero && free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, tradingapi.BalanceEntry{Coin: b.Asset, Free: free, Locked: locked, Total: free.Add(locked)})
	}
	return out, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, pair tradingapi.Pair) ([]tradingapi.OpenOrder, error) {
	orders, err := a.client.NewListOpenOrdersService().Symbol(symbol(pair)).Do(ctx)
	if err != nil {
		return nil, &tradingapi.TransientAPIError{Op: "getOpenOrders", Err: err}
	}
	out := make([]tradingapi.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, tradingapi.OpenOrder{
			ID:             fmt.Sprintf("%d", o.OrderID),
			Side:           mapSideIn(string(o.Side)),
			Price:          parseDecimal(o.Price),
			Amount:         parseDecimal(o.OrigQuantity),
			AmountExecuted: parseDecimal(o.ExecutedQuantity),
			Status:         mapStatusIn(string(o.Status)),
		})
	}
	return out, nil
}

func (a *Adapter) GetOrderDetails(ctx context.Context, id string, pair tradingapi.Pair) (tradingapi.OrderDetail, error) {
	orderID, err := parseOrderID(id)
	if err != nil {
		return tradingapi.OrderDetail{}, fmt.Errorf("binance: %w", err)
	}
	o, err := a.client.NewGetOrderService().Symbol(symbol(pair)).OrderID(orderID).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return tradingapi.OrderDetail{}, &tradingapi.UnknownOrderError{ID: id}
		}
		return tradingapi.OrderDetail{}, &tradingapi.TransientAPIError{Op: "getOrderDetails", Err: err}
	}
	return tradingapi.OrderDetail{
		ID:          id,
		Status:      mapStatusIn(string(o.Status)),
		BaseFilled:  parseDecimal(o.ExecutedQuantity),
		QuoteFilled: parseDecimal(o.CummulativeQuoteQuantity),
	}, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, side tradingapi.Side, pair tradingapi.Pair, price, baseAmount, quoteAmount *decimal.Decimal, kind tradingapi.OrderKind) (tradingapi.PlaceResult, error) {
	if a.dryRun {
		a.logger.Info("dry-run: would place order", "side", side, "pair", pair, "price", price, "base_amount", baseAmount)
		return tradingapi.PlaceResult{ID: "dry-run"}, nil
	}

	svc := a.client.NewCreateOrderService().
		Symbol(symbol(pair)).
		Side(mapSideOut(side))

	if kind == tradingapi.OrderMarket {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC)
		if price != nil {
			svc = svc.Price(price.String())
		}
	}
	if baseAmount != nil {
		svc = svc.Quantity(baseAmount.String())
	}
	if quoteAmount != nil {
		svc = svc.QuoteOrderQty(quoteAmount.String())
	}

	order, err := svc.Do(ctx)
	if err != nil {
		if isRejection(err) {
			return tradingapi.PlaceResult{Rejected: true, Reason: err.Error()}, nil
		}
		return tradingapi.PlaceResult{}, &tradingapi.TransientAPIError{Op: "placeOrder", Err: err}
	}
	return tradingapi.PlaceResult{ID: fmt.Sprintf("%d", order.OrderID)}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, id string, side tradingapi.Side, pair tradingapi.Pair) (tradingapi.CancelOutcome, error) {
	if a.dryRun {
		return tradingapi.CancelCancelled, nil
	}
	orderID, err := parseOrderID(id)
	if err != nil {
		return "", fmt.Errorf("binance: %w", err)
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol(pair)).OrderID(orderID).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return tradingapi.CancelUnknown, nil
		}
		if isAlreadyClosed(err) {
			return tradingapi.CancelAlreadyClosed, nil
		}
		return "", &tradingapi.TransientAPIError{Op: "cancelOrder", Err: err}
	}
	return tradingapi.CancelCancelled, nil
}

func (a *Adapter) GetRates(ctx context.Context, pair tradingapi.Pair) (tradingapi.Rates, error) {
	stats, err := a.client.NewListPriceChangeStatsService().Symbol(symbol(pair)).Do(ctx)
	if err != nil {
		return tradingapi.Rates{}, &tradingapi.TransientAPIError{Op: "getRates", Err: err}
	}
	if len(stats) == 0 {
		return tradingapi.Rates{}, &tradingapi.TransientAPIError{Op: "getRates", Err: fmt.Errorf("no stats for %s", symbol(pair))}
	}
	s := stats[0]
	return tradingapi.Rates{
		Bid:            parseDecimal(s.BidPrice),
		Ask:            parseDecimal(s.AskPrice),
		Last:           parseDecimal(s.LastPrice),
		High24h:        parseDecimal(s.HighPrice),
		Low24h:         parseDecimal(s.LowPrice),
		Volume24h:      parseDecimal(s.Volume),
		QuoteVolume24h: parseDecimal(s.QuoteVolume),
	}, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, pair tradingapi.Pair) (tradingapi.OrderBook, error) {
	depth, err := a.client.NewDepthService().Symbol(symbol(pair)).Limit(100).Do(ctx)
	if err != nil {
		return tradingapi.OrderBook{}, &tradingapi.TransientAPIError{Op: "getOrderBook", Err: err}
	}
	book := tradingapi.OrderBook{
		Bids: make([]tradingapi.PriceLevel, len(depth.Bids)),
		Asks: make([]tradingapi.PriceLevel, len(depth.Asks)),
	}
	for i, b := range depth.Bids {
		book.Bids[i] = tradingapi.PriceLevel{Price: parseDecimal(b.Price), Amount: parseDecimal(b.Quantity)}
	}
	for i, a2 := range depth.Asks {
		book.Asks[i] = tradingapi.PriceLevel{Price: parseDecimal(a2.Price), Amount: parseDecimal(a2.Quantity)}
	}
	return book, nil
}

var _ tradingapi.Trader = (*Adapter)(nil)
