// Package reconciler implements the order reconciler: for each open
// ledger order, it refreshes status against the exchange, detects
// fills/partial fills/external cancellations, and applies the
// two-strike rule for orders the exchange no longer recognizes.
package reconciler

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"mmagent/internal/ledger"
	"mmagent/internal/metrics"
	"mmagent/internal/tradingapi"
)

// Reconciler refreshes ledger rows against a Trader.
type Reconciler struct {
	trader tradingapi.Trader
	led    *ledger.Ledger
	logger *slog.Logger
}

func New(trader tradingapi.Trader, led *ledger.Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{trader: trader, led: led, logger: logger.With("component", "reconciler")}
}

// Result summarizes one Run pass.
type Result struct {
	Checked       int
	Filled        int
	PartialFilled int
	ClosedUnknown int
	Transient     int
}

// Run reconciles every open order for pair. It must complete before any
// maker iteration that queries "how many open orders of purpose X are
// there".
func (r *Reconciler) Run(ctx context.Context, pair tradingapi.Pair) (Result, error) {
	open, err := r.led.FindOpen(pair)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, o := range open {
		res.Checked++
		if o.ExchangeID == "" {
			// Never got an exchange id (e.g. a not-placed ladder row); nothing to reconcile.
			continue
		}

		detail, err := r.trader.GetOrderDetails(ctx, o.ExchangeID, pair)
		if err != nil {
			if tradingapi.IsUnknownOrder(err) {
				r.handleUnknown(o, &res)
				continue
			}
			if tradingapi.IsTransient(err) {
				// Leave untouched; retried next tick.
				res.Transient++
				continue
			}
			r.logger.Warn("reconcile: unexpected error", "order", o.InternalID, "error", err)
			continue
		}

		r.applyDetail(o, detail, &res)
	}
	return res, nil
}

func (r *Reconciler) applyDetail(o ledger.Order, detail tradingapi.OrderDetail, res *Result) {
	switch detail.Status {
	case tradingapi.StatusFilled, tradingapi.StatusCancelled:
		closed := true
		cause := ledger.CauseFilled
		if detail.Status == tradingapi.StatusCancelled {
			cause = ledger.CauseExternalCancel
		}
		baseRemaining := remaining(o.BaseAmount, detail.BaseFilled)
		quoteRemaining := remaining(o.QuoteAmount, detail.QuoteFilled)
		patch := ledger.Patch{
			Closed:         &closed,
			ClosureCause:   &cause,
			BaseFilled:     &detail.BaseFilled,
			QuoteFilled:    &detail.QuoteFilled,
			BaseRemaining:  &baseRemaining,
			QuoteRemaining: &quoteRemaining,
		}
		if err := r.led.Update(o.InternalID, patch); err != nil {
			r.logger.Error("reconcile: update failed", "order", o.InternalID, "error", err)
			return
		}
		if detail.Status == tradingapi.StatusFilled {
			res.Filled++
			metrics.IncOrderFilled(string(o.Purpose), string(o.Side))
		}

	case tradingapi.StatusPartFilled:
		baseRemaining := remaining(o.BaseAmount, detail.BaseFilled)
		quoteRemaining := remaining(o.QuoteAmount, detail.QuoteFilled)
		noStrikes := 0
		patch := ledger.Patch{
			BaseFilled:     &detail.BaseFilled,
			QuoteFilled:    &detail.QuoteFilled,
			BaseRemaining:  &baseRemaining,
			QuoteRemaining: &quoteRemaining,
			MissingStrikes: &noStrikes,
		}
		if err := r.led.Update(o.InternalID, patch); err != nil {
			r.logger.Error("reconcile: update failed", "order", o.InternalID, "error", err)
			return
		}
		res.PartialFilled++

	case tradingapi.StatusNew:
		// The exchange recognizes the order again, so strikes stop being consecutive.
		if o.MissingStrikes > 0 {
			noStrikes := 0
			if err := r.led.Update(o.InternalID, ledger.Patch{MissingStrikes: &noStrikes}); err != nil {
				r.logger.Error("reconcile: strike reset failed", "order", o.InternalID, "error", err)
			}
		}

	case tradingapi.StatusUnknown:
		r.handleUnknown(o, res)

	default:
		r.logger.Debug("reconcile: unexpected status", "order", o.InternalID, "status", detail.Status)
	}
}

// handleUnknown applies the exponential escape policy: first occurrence
// marks "missing once"; second consecutive observation treats the order
// as externally cancelled and closes it.
func (r *Reconciler) handleUnknown(o ledger.Order, res *Result) {
	strikes := o.MissingStrikes + 1
	if strikes >= 2 {
		closed := true
		cause := ledger.CauseExternalCancel
		patch := ledger.Patch{Closed: &closed, ClosureCause: &cause, MissingStrikes: &strikes}
		if err := r.led.Update(o.InternalID, patch); err != nil {
			r.logger.Error("reconcile: close-on-unknown failed", "order", o.InternalID, "error", err)
			return
		}
		res.ClosedUnknown++
		metrics.IncReconcileUnknown()
		return
	}
	patch := ledger.Patch{MissingStrikes: &strikes}
	if err := r.led.Update(o.InternalID, patch); err != nil {
		r.logger.Error("reconcile: strike update failed", "order", o.InternalID, "error", err)
	}
}

// remaining returns amount-filled, floored at zero so a filled report
// that (due to rounding) slightly exceeds amount never goes negative.
func remaining(amount, filled decimal.Decimal) decimal.Decimal {
	r := amount.Sub(filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
