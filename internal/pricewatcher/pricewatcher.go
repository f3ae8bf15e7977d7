// Package pricewatcher implements the price watcher: a single
// background loop that derives a (low, mid, high) band from either an
// operator-provided numeric range or another market's order book,
// detects anomalous jumps, and publishes the band atomically for the
// builder and the dashboard snapshot to read. When armed via
// EnableAutoFill and the fill action is set, it also pushes the traded
// price back toward the band with a price maker whenever the live rate
// escapes it.
package pricewatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmagent/internal/metrics"
	"mmagent/internal/pricemaker"
	"mmagent/internal/rateinfo"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

// TraderResolver returns a Trader for an arbitrary exchange id, used
// only to fetch a reference order book for the market source. It may
// return a cached adapter or construct a fresh read-only one.
type TraderResolver func(exchangeID string) (tradingapi.Trader, error)

// Band is the published, atomically-read price-watcher state.
type Band struct {
	Low            decimal.Decimal
	Mid            decimal.Decimal
	High           decimal.Decimal
	IsActual       bool
	IsPriceAnomaly bool
	UpdatedAt      time.Time
}

// PriceMaker is the subset of pricemaker.PriceMaker the fill action drives.
type PriceMaker interface {
	Push(ctx context.Context, target decimal.Decimal) (pricemaker.Report, error)
}

// Watcher runs the background tick loop.
type Watcher struct {
	params      *tradeparams.Store
	resolver    TraderResolver
	rates       *rateinfo.Client
	tradedQuote string // quote currency of the pair this watcher defends
	logger      *slog.Logger

	mu           sync.RWMutex
	published    Band
	prevBand     Band
	havePrevBand bool
	anomalyRun   int // consecutive ticks the current anomaly has been observed

	// confirmTicks is how many consecutive anomalous ticks are required
	// before the new band is accepted.
	confirmTicks int
	// graceWindow is how long a "smart" policy may serve a stale band
	// before treating it as not-actual.
	graceWindow time.Duration

	// fill-action wiring, armed by EnableAutoFill; nil until then, so the
	// fill action is a no-op on a watcher that was never armed.
	fillTrader   tradingapi.Trader
	fillPair     tradingapi.Pair
	priceMaker   PriceMaker
	fillCooldown time.Duration
	lastFillAt   time.Time
}

func New(params *tradeparams.Store, resolver TraderResolver, rates *rateinfo.Client, tradedQuote string, logger *slog.Logger) *Watcher {
	return &Watcher{
		params:       params,
		resolver:     resolver,
		rates:        rates,
		tradedQuote:  tradedQuote,
		logger:       logger.With("component", "pricewatcher"),
		confirmTicks: 3,
		graceWindow:  30 * time.Second,
		fillCooldown: 30 * time.Second,
	}
}

// EnableAutoFill arms the watcher to push price back toward the band
// with pm whenever the live rate on pair escapes it and the operator
// has set the fill action. Without calling this, PWActionFill has no
// effect beyond being recorded.
func (w *Watcher) EnableAutoFill(trader tradingapi.Trader, pair tradingapi.Pair, pm PriceMaker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fillTrader = trader
	w.fillPair = pair
	w.priceMaker = pm
}

// Current returns the most recently published band, adjusted for the
// smart-policy grace window.
func (w *Watcher) Current() Band {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.published

	p := w.params.Snapshot()
	if b.IsActual {
		return b
	}
	if p.PWPolicy == tradeparams.PWPolicySmart && time.Since(b.UpdatedAt) <= w.graceWindow {
		b.IsActual = true
		return b
	}
	return b
}

// Run loops until ctx is cancelled, ticking every 1-3s.
func (w *Watcher) Run(ctx context.Context) {
	for {
		interval := randDuration(1*time.Second, 3*time.Second)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		p := w.params.Snapshot()
		if !p.PWActive {
			continue
		}
		if err := w.tick(ctx, p); err != nil {
			w.logger.Warn("pricewatcher: tick failed", "error", err)
		}
	}
}

func (w *Watcher) tick(ctx context.Context, p tradeparams.Params) error {
	var candidate Band
	var err error
	switch p.PWSource {
	case tradeparams.PWSourceNumeric:
		candidate, err = w.deriveNumeric(ctx, p)
	case tradeparams.PWSourceMarket:
		candidate, err = w.deriveMarket(ctx, p)
	default:
		return fmt.Errorf("pricewatcher: unknown source %q", p.PWSource)
	}
	if err != nil {
		// Keep the last-known band and its timestamp so the smart-policy
		// grace window runs from the last successful derivation.
		w.mu.RLock()
		stale := w.published
		w.mu.RUnlock()
		stale.IsActual = false
		w.publish(stale)
		return err
	}
	candidate.UpdatedAt = time.Now()

	w.mu.Lock()
	if w.havePrevBand && w.isAnomalous(candidate) {
		metrics.IncPriceAnomaly()
		w.anomalyRun++
		if w.anomalyRun < w.confirmTicks {
			// Suppress: keep serving the previous band, flagged anomalous.
			stale := w.published
			stale.IsPriceAnomaly = true
			w.published = stale
			w.mu.Unlock()
			return nil
		}
	} else {
		w.anomalyRun = 0
	}

	candidate.IsPriceAnomaly = w.anomalyRun > 0 && w.anomalyRun < w.confirmTicks
	w.prevBand = candidate
	w.havePrevBand = true
	w.published = candidate
	w.mu.Unlock()

	if p.PWAction == tradeparams.PWActionFill {
		w.maybeFill(ctx, candidate)
	}
	return nil
}

// maybeFill pushes the traded price back toward the band with the
// armed price maker when the live rate has escaped it. A no-op until
// EnableAutoFill is called, and rate-limited by fillCooldown so a
// persistently escaped band doesn't place a pm-order every tick.
func (w *Watcher) maybeFill(ctx context.Context, band Band) {
	w.mu.RLock()
	trader, pair, pm := w.fillTrader, w.fillPair, w.priceMaker
	w.mu.RUnlock()
	if trader == nil || pm == nil || !band.IsActual {
		return
	}

	w.mu.Lock()
	if time.Since(w.lastFillAt) < w.fillCooldown {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	rates, err := trader.GetRates(ctx, pair)
	if err != nil {
		w.logger.Warn("pricewatcher: auto-fill getRates failed", "error", err)
		return
	}

	var target decimal.Decimal
	switch {
	case rates.Last.LessThan(band.Low):
		target = band.Low
	case rates.Last.GreaterThan(band.High):
		target = band.High
	default:
		return
	}

	w.mu.Lock()
	w.lastFillAt = time.Now()
	w.mu.Unlock()

	report, err := pm.Push(ctx, target)
	if err != nil {
		w.logger.Warn("pricewatcher: auto-fill push failed", "error", err)
		return
	}
	w.logger.Info("pricewatcher: auto-fill pushed price", "target", target, "success", report.Success, "reason", report.Reason)
}

// isAnomalous reports whether candidate differs from the previous band
// by more than a fixed policy threshold, in range width or in
// mid-price movement.
func (w *Watcher) isAnomalous(candidate Band) bool {
	const anomalyThreshold = 0.15 // 15% in one tick is treated as suspect

	prevMid := w.prevBand.Mid
	if prevMid.IsZero() {
		return false
	}
	midDelta := candidate.Mid.Sub(prevMid).Abs().Div(prevMid)
	if midDelta.GreaterThan(decimal.NewFromFloat(anomalyThreshold)) {
		return true
	}

	prevWidth := w.prevBand.High.Sub(w.prevBand.Low)
	width := candidate.High.Sub(candidate.Low)
	if prevWidth.IsZero() {
		return false
	}
	widthDelta := width.Sub(prevWidth).Abs().Div(prevWidth)
	return widthDelta.GreaterThan(decimal.NewFromFloat(anomalyThreshold))
}

func (w *Watcher) publish(b Band) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = b
}

func (w *Watcher) deriveNumeric(ctx context.Context, p tradeparams.Params) (Band, error) {
	// PWSourceRef carries the operator's quote currency when it differs
	// from the traded quote, e.g. "USD".
	if p.PWSourceRef == "" {
		mid := p.PWLow.Add(p.PWHigh).Div(decimal.NewFromInt(2))
		return Band{Low: p.PWLow, Mid: mid, High: p.PWHigh, IsActual: true}, nil
	}

	low, high, err := w.rates.ConvertRange(ctx, p.PWSourceRef, w.tradedQuote, p.PWLow, p.PWHigh)
	if err != nil {
		return Band{}, fmt.Errorf("pricewatcher: numeric conversion: %w", err)
	}
	mid := low.Add(high).Div(decimal.NewFromInt(2))
	return Band{Low: low, Mid: mid, High: high, IsActual: true}, nil
}

func (w *Watcher) deriveMarket(ctx context.Context, p tradeparams.Params) (Band, error) {
	pair, exchangeID, err := parsePairAtExchange(p.PWSourceRef)
	if err != nil {
		return Band{}, err
	}

	trader, err := w.resolver(exchangeID)
	if err != nil {
		return Band{}, fmt.Errorf("pricewatcher: resolve %q: %w", exchangeID, err)
	}

	book, err := trader.GetOrderBook(ctx, pair)
	if err != nil {
		return Band{}, fmt.Errorf("pricewatcher: order book %s@%s: %w", pair, exchangeID, err)
	}
	bid, ask := book.BestBidAsk()
	if bid == nil || ask == nil {
		return Band{}, fmt.Errorf("pricewatcher: %s@%s book is empty on one side", pair, exchangeID)
	}

	smartBid, smartAsk := deriveSmartBidAsk(book)
	mid := smartBid.Add(smartAsk).Div(decimal.NewFromInt(2))

	deviation := decimal.NewFromFloat(p.PWDeviationPercent).Div(decimal.NewFromInt(100))
	low := mid.Mul(decimal.NewFromInt(1).Sub(deviation))
	high := mid.Mul(decimal.NewFromInt(1).Add(deviation))

	return Band{Low: low, Mid: mid, High: high, IsActual: true}, nil
}

// deriveSmartBidAsk weights the top few book levels instead of taking
// the naive best bid/ask, damping the effect of a single thin quote.
func deriveSmartBidAsk(book tradingapi.OrderBook) (bid, ask decimal.Decimal) {
	bid = weightedPrice(book.Bids)
	ask = weightedPrice(book.Asks)
	return bid, ask
}

func weightedPrice(levels []tradingapi.PriceLevel) decimal.Decimal {
	n := len(levels)
	if n == 0 {
		return decimal.Zero
	}
	if n > 3 {
		n = 3
	}
	var weightedSum, totalWeight decimal.Decimal
	for i := 0; i < n; i++ {
		weightedSum = weightedSum.Add(levels[i].Price.Mul(levels[i].Amount))
		totalWeight = totalWeight.Add(levels[i].Amount)
	}
	if totalWeight.IsZero() {
		return levels[0].Price
	}
	return weightedSum.Div(totalWeight)
}

func parsePairAtExchange(ref string) (tradingapi.Pair, string, error) {
	parts := strings.SplitN(ref, "@", 2)
	if len(parts) != 2 {
		return tradingapi.Pair{}, "", fmt.Errorf("pricewatcher: malformed pair@exchange ref %q", ref)
	}
	pairParts := strings.SplitN(parts[0], "/", 2)
	if len(pairParts) != 2 {
		return tradingapi.Pair{}, "", fmt.Errorf("pricewatcher: malformed pair %q", parts[0])
	}
	return tradingapi.Pair{Base: pairParts[0], Quote: pairParts[1]}, parts[1], nil
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
