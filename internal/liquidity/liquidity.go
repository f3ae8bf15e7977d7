// Package liquidity implements the liquidity provider: two standing
// pools of resting orders — a sell pool in base currency and a buy
// pool in quote currency — distributed around a trend anchor and kept
// in sync against live exchange state every tick.
package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"mmagent/internal/collector"
	"mmagent/internal/ledger"
	"mmagent/internal/metrics"
	"mmagent/internal/reconciler"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

// rungsPerSide is how many resting orders each pool is split across.
const rungsPerSide = 5

// priceTolerance is how close a live order's price must be to a target
// rung price to count as "covering" that rung, expressed as a
// fraction of the rung price.
const priceTolerance = 0.002

type Provider struct {
	trader     tradingapi.Trader
	led        *ledger.Ledger
	params     *tradeparams.Store
	collector  *collector.Collector
	reconciler *reconciler.Reconciler
	pair       tradingapi.Pair
	logger     *slog.Logger

	running atomic.Bool
	reset   atomic.Bool

	lastTrend tradeparams.Trend
}

func New(
	trader tradingapi.Trader,
	led *ledger.Ledger,
	params *tradeparams.Store,
	coll *collector.Collector,
	rec *reconciler.Reconciler,
	pair tradingapi.Pair,
	logger *slog.Logger,
) *Provider {
	return &Provider{
		trader: trader, led: led, params: params, collector: coll, reconciler: rec,
		pair: pair, logger: logger.With("component", "liquidity"),
	}
}

// ResetLimits requests a full cancel-and-reseed on the next tick.
func (p *Provider) ResetLimits() { p.reset.Store(true) }

// Tick runs one reconcile/cancel/place pass.
func (p *Provider) Tick(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	defer p.running.Store(false)

	params := p.params.Snapshot()
	if !params.IsActive || !params.LiqActive {
		return nil
	}

	if _, err := p.reconciler.Run(ctx, p.pair); err != nil {
		return fmt.Errorf("liquidity: reconcile: %w", err)
	}

	book, err := p.trader.GetOrderBook(ctx, p.pair)
	if err != nil {
		return fmt.Errorf("liquidity: getOrderBook: %w", err)
	}
	mid := book.Mid()
	if mid.IsZero() {
		return fmt.Errorf("liquidity: empty order book, cannot anchor")
	}

	forceReset := p.reset.CompareAndSwap(true, false)
	trendChanged := p.lastTrend != "" && p.lastTrend != params.LiqTrend
	p.lastTrend = params.LiqTrend

	sellRungs := targetRungs(mid, params.LiqSpreadPercent, params.LiqTrend, tradingapi.SideSell, rungsPerSide)
	buyRungs := targetRungs(mid, params.LiqSpreadPercent, params.LiqTrend, tradingapi.SideBuy, rungsPerSide)

	if err := p.reconcileSide(ctx, tradingapi.SideSell, sellRungs, params.LiqSellAmount, forceReset || trendChanged); err != nil {
		return err
	}
	if err := p.reconcileSide(ctx, tradingapi.SideBuy, buyRungs, params.LiqBuyQuoteAmount, forceReset || trendChanged); err != nil {
		return err
	}

	if live, err := p.led.FindOpen(p.pair, tradingapi.PurposeLiq); err == nil {
		metrics.SetOpenOrders(string(tradingapi.PurposeLiq), len(live))
	}
	return nil
}

// reconcileSide cancels liq orders that no longer match a target rung
// (or all of them, when forceReset), then places whichever rungs are
// left uncovered. totalAmount is denominated in base for the sell side
// and quote for the buy side.
func (p *Provider) reconcileSide(ctx context.Context, side tradingapi.Side, rungs []decimal.Decimal, totalAmount decimal.Decimal, forceReset bool) error {
	live, err := p.led.FindOpen(p.pair, tradingapi.PurposeLiq)
	if err != nil {
		return err
	}

	var sideLive []ledger.Order
	for _, o := range live {
		if o.Side == side {
			sideLive = append(sideLive, o)
		}
	}

	covered := make([]bool, len(rungs))
	var stale []ledger.Order
	if forceReset {
		stale = sideLive
	} else {
		for _, o := range sideLive {
			matched := false
			for i, target := range rungs {
				if !covered[i] && withinTolerance(o.Price, target) {
					covered[i] = true
					matched = true
					break
				}
			}
			if !matched {
				stale = append(stale, o)
			}
		}
	}

	if len(stale) > 0 {
		ids := make(map[string]bool, len(stale))
		for _, o := range stale {
			ids[o.InternalID] = true
		}
		if _, err := p.collector.Run(ctx, collector.Selector{
			Purposes: []tradingapi.Purpose{tradingapi.PurposeLiq},
			Pair:     p.pair,
			ExtraFilter: func(o ledger.Order) bool {
				return ids[o.InternalID]
			},
		}, ledger.CauseUserCommand); err != nil {
			return fmt.Errorf("liquidity: cancel stale: %w", err)
		}
	}

	perRung := totalAmount.Div(decimal.NewFromInt(int64(len(rungs))))
	for i, price := range rungs {
		if covered[i] {
			continue
		}
		if err := p.placeRung(ctx, side, price, perRung); err != nil {
			p.logger.Warn("liquidity: place rung failed", "side", side, "price", price, "error", err)
		}
	}
	return nil
}

func (p *Provider) placeRung(ctx context.Context, side tradingapi.Side, price, amount decimal.Decimal) error {
	baseAmount := amount
	if side == tradingapi.SideBuy {
		// amount is quote-denominated for the buy pool; convert to base for placement.
		baseAmount = amount.Div(price)
	}

	result, err := p.trader.PlaceOrder(ctx, side, p.pair, &price, &baseAmount, nil, tradingapi.OrderLimit)
	if err != nil {
		return fmt.Errorf("placeOrder: %w", err)
	}
	if result.Rejected {
		return fmt.Errorf("placeOrder rejected: %s", result.Reason)
	}

	o := ledger.NewOrder(p.pair, side, tradingapi.OrderLimit, tradingapi.PurposeLiq, price, baseAmount)
	o.ExchangeID = result.ID
	o.ExpiresAt = time.Now().Add(24 * time.Hour)
	if err := p.led.Insert(o); err != nil {
		return err
	}
	metrics.IncOrderPlaced(string(tradingapi.PurposeLiq), string(side))
	return nil
}

// targetRungs computes n resting-order prices for side, spread evenly
// across [0, spreadPercent] from mid and skewed by trend.
func targetRungs(mid decimal.Decimal, spreadPercent float64, trend tradeparams.Trend, side tradingapi.Side, n int) []decimal.Decimal {
	skew := 1.0
	switch trend {
	case tradeparams.TrendUptrend:
		if side == tradingapi.SideSell {
			skew = 1.4 // asks skewed higher
		} else {
			skew = 0.6 // bids closer to mid
		}
	case tradeparams.TrendDowntrend:
		if side == tradingapi.SideSell {
			skew = 0.6
		} else {
			skew = 1.4
		}
	}

	rungs := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		step := spreadPercent * skew * float64(i+1) / float64(n) / 100
		offset := decimal.NewFromFloat(step)
		if side == tradingapi.SideSell {
			rungs[i] = mid.Mul(decimal.NewFromInt(1).Add(offset))
		} else {
			rungs[i] = mid.Mul(decimal.NewFromInt(1).Sub(offset))
		}
	}
	return rungs
}

func withinTolerance(a, b decimal.Decimal) bool {
	if b.IsZero() {
		return a.IsZero()
	}
	diff := a.Sub(b).Abs().Div(b)
	return diff.LessThanOrEqual(decimal.NewFromFloat(priceTolerance))
}
