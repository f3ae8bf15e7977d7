// Package tradingapi defines the uniform surface every exchange adapter
// implements, plus the shared vocabulary — orders, purposes, balances,
// market descriptors, rates — that every other package builds on.
package tradingapi

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind is the order type accepted by placeOrder.
type OrderKind string

const (
	OrderLimit  OrderKind = "limit"
	OrderMarket OrderKind = "market"
)

// Purpose is the closed tag set from the data model. Unk is not a
// purpose an order carries — it is the classification applied to any
// exchange-visible order whose id is absent from the ledger.
type Purpose string

const (
	PurposeMM      Purpose = "mm"  // market-making core
	PurposeOB      Purpose = "ob"  // order-book builder
	PurposeLiq     Purpose = "liq" // liquidity provider
	PurposePW      Purpose = "pw"  // price watcher
	PurposePM      Purpose = "pm"  // price maker
	PurposeCloser  Purpose = "cl"  // closer
	PurposeQuoteHold Purpose = "qh" // quote-hold
	PurposeLadder  Purpose = "ld"  // ladder
	PurposeManual  Purpose = "man" // manual command
	PurposeUnknown Purpose = "unk" // classification, never stored as a placed order's purpose
)

// OrderStatus is the exchange-reported lifecycle state returned by
// getOrderDetails.
type OrderStatus string

const (
	StatusNew         OrderStatus = "new"
	StatusPartFilled  OrderStatus = "partFilled"
	StatusFilled      OrderStatus = "filled"
	StatusCancelled   OrderStatus = "cancelled"
	StatusUnknown     OrderStatus = "unknown"
)

// CancelOutcome is the tri-state result of cancelOrder.
type CancelOutcome string

const (
	CancelCancelled     CancelOutcome = "cancelled"
	CancelAlreadyClosed CancelOutcome = "alreadyClosed"
	CancelUnknown       CancelOutcome = "unknown"
)

// MarketDescriptor describes one tradeable pair on one exchange,
// loaded once per exchange and reused.
type MarketDescriptor struct {
	Base          string
	Quote         string
	BaseDecimals  int32
	QuoteDecimals int32
	MinBaseAmount decimal.Decimal
	MaxBaseAmount decimal.Decimal
	MinPriceTick  decimal.Decimal
}

// Pair identifies a traded base/quote combination.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Features is the capability struct returned by features().
type Features struct {
	PlaceMarketOrder             bool
	AmountForMarketBuy           bool
	AmountForMarketOrderNecessary bool
	GetDepositAddress            bool
	GetTradingFees               bool
	SupportCoinNetworks          bool
	OrderNumberLimit             int // 0 means unlimited
}

// BalanceEntry is one coin's balance snapshot.
type BalanceEntry struct {
	Coin   string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// BalanceSnapshot is a per-account cache entry with a freshness stamp,
// invalidated after mutating operations or a TTL.
type BalanceSnapshot struct {
	Entries    []BalanceEntry
	TotalUSD   decimal.Decimal
	TotalBTC   decimal.Decimal
	StampedAt  time.Time
}

// OpenOrder is one exchange-live order as returned by getOpenOrders.
type OpenOrder struct {
	ID            string
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	AmountExecuted decimal.Decimal
	Status        OrderStatus
}

// OrderDetail is the result of getOrderDetails.
type OrderDetail struct {
	ID            string
	Status        OrderStatus
	BaseFilled    decimal.Decimal
	QuoteFilled   decimal.Decimal
}

// Rates is the result of getRates.
type Rates struct {
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	Last           decimal.Decimal
	High24h        decimal.Decimal
	Low24h         decimal.Decimal
	Volume24h      decimal.Decimal
	QuoteVolume24h decimal.Decimal
}

// PriceLevel is one (price, amount) entry in an order book.
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook is the result of getOrderBook: bids descending, asks ascending.
type OrderBook struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// BestBidAsk returns the best bid and ask levels, if present.
func (b OrderBook) BestBidAsk() (bid, ask *PriceLevel) {
	if len(b.Bids) > 0 {
		bid = &b.Bids[0]
	}
	if len(b.Asks) > 0 {
		ask = &b.Asks[0]
	}
	return bid, ask
}

// Mid returns the midpoint of best bid/ask, or the zero decimal if either side is empty.
func (b OrderBook) Mid() decimal.Decimal {
	bid, ask := b.BestBidAsk()
	if bid == nil || ask == nil {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// PlaceResult is the outcome of placeOrder: either a new exchange id or a rejection reason.
type PlaceResult struct {
	ID       string
	Rejected bool
	Reason   string
}

// Trader is the uniform surface every exchange adapter implements.
// Implementations are stateless across calls; any connection pooling
// and rate limiting is internal to the adapter.
type Trader interface {
	// LoadMarkets loads and caches market descriptors for all listed pairs. Called once.
	LoadMarkets(ctx context.Context) (map[Pair]MarketDescriptor, error)

	// Features returns this adapter's capability set.
	Features() Features

	GetBalances(ctx context.Context, includeZero bool) ([]BalanceEntry, error)

	GetOpenOrders(ctx context.Context, pair Pair) ([]OpenOrder, error)

	GetOrderDetails(ctx context.Context, id string, pair Pair) (OrderDetail, error)

	// PlaceOrder places a limit or market order. Exactly one of price,
	// baseAmount, quoteAmount may be nil depending on order kind and side.
	PlaceOrder(ctx context.Context, side Side, pair Pair, price, baseAmount, quoteAmount *decimal.Decimal, kind OrderKind) (PlaceResult, error)

	CancelOrder(ctx context.Context, id string, side Side, pair Pair) (CancelOutcome, error)

	GetRates(ctx context.Context, pair Pair) (Rates, error)

	GetOrderBook(ctx context.Context, pair Pair) (OrderBook, error)
}
