// Package collector implements the order collector: selective
// cancellation of ledger orders by purpose/side/price filter, with
// force handling (no grace period is applied before a cancel), plus a
// special mode that reconciles
// exchange-visible orders absent from the ledger.
package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"mmagent/internal/ledger"
	"mmagent/internal/metrics"
	"mmagent/internal/tradingapi"
)

// PurposeUnknownMode is the special selector value that switches the
// collector into "cancel exchange-live orders absent from the ledger" mode.
const PurposeUnknownMode tradingapi.Purpose = "unk"

// Selector picks which ledger orders a Run call targets.
type Selector struct {
	Purposes []tradingapi.Purpose
	Pair     tradingapi.Pair
	Side     *tradingapi.Side
	// PriceFilter, if set, keeps only orders whose price satisfies it.
	PriceFilter func(price decimal.Decimal) bool
	// ExtraFilter, if set, keeps only orders it reports true for; used
	// for criteria the selector shape doesn't name directly, e.g. expiry.
	ExtraFilter func(o ledger.Order) bool
	// Force marks the ledger row closed locally even when the exchange
	// result is uncertain (the operator accepts the risk).
	Force bool
}

// Result summarizes one Run call.
type Result struct {
	Attempted     int
	Cancelled     int
	Failed        int
	AlreadyClosed int
	LogMessage    string
}

type Collector struct {
	trader tradingapi.Trader
	led    *ledger.Ledger
	logger *slog.Logger
}

func New(trader tradingapi.Trader, led *ledger.Ledger, logger *slog.Logger) *Collector {
	return &Collector{trader: trader, led: led, logger: logger.With("component", "collector")}
}

// Run executes sel with cause recorded as the closure-cause tag on
// every ledger row it closes.
func (c *Collector) Run(ctx context.Context, sel Selector, cause ledger.ClosureCause) (Result, error) {
	for _, p := range sel.Purposes {
		if p == PurposeUnknownMode {
			return c.runUnknownMode(ctx, sel)
		}
	}

	candidates, err := c.led.FindOpen(sel.Pair, sel.Purposes...)
	if err != nil {
		return Result{}, err
	}
	candidates = filterSelector(candidates, sel)

	var res Result
	for _, o := range candidates {
		res.Attempted++
		c.cancelOne(ctx, o, sel.Force, cause, &res)
	}
	res.LogMessage = summarize(res)
	return res, nil
}

func (c *Collector) cancelOne(ctx context.Context, o ledger.Order, force bool, cause ledger.ClosureCause, res *Result) {
	outcome, err := c.trader.CancelOrder(ctx, o.ExchangeID, o.Side, o.Pair)
	if err == nil && outcome == tradingapi.CancelAlreadyClosed {
		c.closeRow(o, cause, res, &res.AlreadyClosed)
		return
	}
	if err == nil && outcome == tradingapi.CancelCancelled {
		c.closeRow(o, cause, res, &res.Cancelled)
		return
	}
	if err == nil && outcome == tradingapi.CancelUnknown {
		// Exchange state is uncertain: only a force selector closes locally.
		if force {
			c.closeRow(o, cause, res, &res.Cancelled)
			return
		}
		res.Failed++
		return
	}
	if err != nil {
		if tradingapi.IsUnknownOrder(err) {
			c.closeRow(o, ledger.CauseExternalCancel, res, &res.AlreadyClosed)
			return
		}
		if tradingapi.IsTransient(err) {
			if force {
				c.closeRow(o, cause, res, &res.Cancelled)
				return
			}
			// Leave for retry next tick.
			res.Failed++
			return
		}
		c.logger.Warn("collector: cancel failed", "order", o.InternalID, "error", err)
		res.Failed++
		return
	}
	res.Failed++
}

func (c *Collector) closeRow(o ledger.Order, cause ledger.ClosureCause, res *Result, counter *int) {
	closed := true
	patch := ledger.Patch{Closed: &closed, ClosureCause: &cause}
	if err := c.led.Update(o.InternalID, patch); err != nil {
		c.logger.Error("collector: update failed", "order", o.InternalID, "error", err)
		res.Failed++
		return
	}
	*counter++
	metrics.IncOrderCancelled(string(o.Purpose), string(cause))
}

// runUnknownMode lists exchange-live orders absent from the ledger and
// cancels them.
func (c *Collector) runUnknownMode(ctx context.Context, sel Selector) (Result, error) {
	live, err := c.trader.GetOpenOrders(ctx, sel.Pair)
	if err != nil {
		return Result{}, err
	}
	known, err := c.led.FindOpen(sel.Pair)
	if err != nil {
		return Result{}, err
	}
	knownExchangeIDs := make(map[string]bool, len(known))
	for _, o := range known {
		knownExchangeIDs[o.ExchangeID] = true
	}

	var res Result
	for _, o := range live {
		if knownExchangeIDs[o.ID] {
			continue
		}
		res.Attempted++
		outcome, err := c.trader.CancelOrder(ctx, o.ID, o.Side, sel.Pair)
		if err != nil {
			if tradingapi.IsTransient(err) {
				res.Failed++
				continue
			}
			c.logger.Warn("collector: unknown-mode cancel failed", "exchangeId", o.ID, "error", err)
			res.Failed++
			continue
		}
		if outcome == tradingapi.CancelAlreadyClosed {
			res.AlreadyClosed++
		} else {
			res.Cancelled++
		}
		metrics.IncOrderCancelled(string(PurposeUnknownMode), "externalCancel")
	}
	res.LogMessage = summarize(res)
	return res, nil
}

func filterSelector(orders []ledger.Order, sel Selector) []ledger.Order {
	out := orders[:0:0]
	for _, o := range orders {
		if sel.Side != nil && o.Side != *sel.Side {
			continue
		}
		if sel.PriceFilter != nil && !sel.PriceFilter(o.Price) {
			continue
		}
		if sel.ExtraFilter != nil && !sel.ExtraFilter(o) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func summarize(r Result) string {
	if r.Attempted == 0 {
		return "collector: nothing to cancel"
	}
	return fmt.Sprintf("collector: attempted=%d cancelled=%d failed=%d alreadyClosed=%d",
		r.Attempted, r.Cancelled, r.Failed, r.AlreadyClosed)
}
