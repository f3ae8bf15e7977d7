// Package pricemaker implements the price maker: an ad-hoc, on-demand
// action that computes the order-book depth needed to push price to
// an operator-given target and places a single pm-order to do it.
//
// The cumulative-depth walk mirrors tradingapi.OrderBook.BestBidAsk's
// level-ordering convention (bids descending, asks ascending) so
// "depth up to target" is a simple prefix sum.
package pricemaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"mmagent/internal/ledger"
	"mmagent/internal/metrics"
	"mmagent/internal/tradingapi"
)

// reliabilityMin/Max bound the factor applied to the raw depth
// estimate to defeat races against other market participants moving
// the book first.
const (
	reliabilityMin = 1.05
	reliabilityMax = 1.10
)

type PriceMaker struct {
	trader tradingapi.Trader
	led    *ledger.Ledger
	pair   tradingapi.Pair
	logger *slog.Logger
}

func New(trader tradingapi.Trader, led *ledger.Ledger, pair tradingapi.Pair, logger *slog.Logger) *PriceMaker {
	return &PriceMaker{trader: trader, led: led, pair: pair, logger: logger.With("component", "pricemaker")}
}

// Report is what Push returns: the rates observed before and after the
// pm-order, and whether it succeeded.
type Report struct {
	Success    bool
	Reason     string
	BeforeMid  decimal.Decimal
	AfterMid   decimal.Decimal
	Side       tradingapi.Side
	Amount     decimal.Decimal
	TargetPrice decimal.Decimal
}

// Push places a single pm-order sized to move the traded price to
// target.
func (pm *PriceMaker) Push(ctx context.Context, target decimal.Decimal) (Report, error) {
	before, err := pm.trader.GetRates(ctx, pm.pair)
	if err != nil {
		return Report{}, fmt.Errorf("pricemaker: getRates(before): %w", err)
	}

	book, err := pm.trader.GetOrderBook(ctx, pm.pair)
	if err != nil {
		return Report{}, fmt.Errorf("pricemaker: getOrderBook: %w", err)
	}

	side, amount, err := depthToTarget(book, target)
	if err != nil {
		return Report{Success: false, Reason: err.Error(), BeforeMid: before.Last}, nil
	}

	factor := reliabilityMin + (reliabilityMax-reliabilityMin)*0.5
	amount = amount.Mul(decimal.NewFromFloat(factor))

	result, err := pm.trader.PlaceOrder(ctx, side, pm.pair, &target, &amount, nil, tradingapi.OrderLimit)
	if err != nil {
		return Report{}, fmt.Errorf("pricemaker: placeOrder: %w", err)
	}
	if result.Rejected {
		return Report{Success: false, Reason: result.Reason, BeforeMid: before.Last, Side: side, Amount: amount, TargetPrice: target}, nil
	}

	o := ledger.NewOrder(pm.pair, side, tradingapi.OrderLimit, tradingapi.PurposePM, target, amount)
	o.ExchangeID = result.ID
	if err := pm.led.Insert(o); err != nil {
		return Report{}, fmt.Errorf("pricemaker: ledger insert: %w", err)
	}
	metrics.IncOrderPlaced(string(tradingapi.PurposePM), string(side))

	after, err := pm.trader.GetRates(ctx, pm.pair)
	if err != nil {
		pm.logger.Warn("pricemaker: getRates(after) failed", "error", err)
		after = before
	}

	return Report{
		Success: true, BeforeMid: before.Last, AfterMid: after.Last,
		Side: side, Amount: amount, TargetPrice: target,
	}, nil
}

// depthToTarget determines which side must be bought/sold to reach
// target and the cumulative amount on the opposite side up to that
// level.
func depthToTarget(book tradingapi.OrderBook, target decimal.Decimal) (tradingapi.Side, decimal.Decimal, error) {
	bid, ask := book.BestBidAsk()
	if bid == nil || ask == nil {
		return "", decimal.Zero, fmt.Errorf("order book is empty on one side")
	}

	switch {
	case target.GreaterThan(ask.Price):
		// Pushing price up: buy through the ask side up to target.
		return tradingapi.SideBuy, cumulativeDepth(book.Asks, target, true), nil
	case target.LessThan(bid.Price):
		// Pushing price down: sell through the bid side down to target.
		return tradingapi.SideSell, cumulativeDepth(book.Bids, target, false), nil
	default:
		return "", decimal.Zero, fmt.Errorf("target %s is already within the spread [%s, %s]", target, bid.Price, ask.Price)
	}
}

// cumulativeDepth sums level amounts up to and including target,
// assuming levels are ordered ascending (asks) when ascending=true, or
// descending (bids) when ascending=false.
func cumulativeDepth(levels []tradingapi.PriceLevel, target decimal.Decimal, ascending bool) decimal.Decimal {
	var total decimal.Decimal
	for _, lvl := range levels {
		if ascending && lvl.Price.GreaterThan(target) {
			break
		}
		if !ascending && lvl.Price.LessThan(target) {
			break
		}
		total = total.Add(lvl.Amount)
	}
	return total
}
