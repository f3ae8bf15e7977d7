// Package builder implements the order-book builder: a per-tick pass
// that clears expired/out-of-band ob-orders through the collector and
// lays fresh randomized ladder orders into the gaps, biased by side,
// position, price-watcher band, and amount ranges.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"mmagent/internal/collector"
	"mmagent/internal/ledger"
	"mmagent/internal/metrics"
	"mmagent/internal/notify"
	"mmagent/internal/pricewatcher"
	"mmagent/internal/reconciler"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

// maxPlacementsPerTick bounds how many new orders a single iteration
// lays, up to min(maxPlacementsPerTick, target-open).
const maxPlacementsPerTick = 5

// Watcher is the subset of pricewatcher.Watcher the builder needs.
type Watcher interface {
	Current() pricewatcher.Band
}

type Builder struct {
	trader     tradingapi.Trader
	led        *ledger.Ledger
	params     *tradeparams.Store
	collector  *collector.Collector
	reconciler *reconciler.Reconciler
	watcher    Watcher
	notifier   *notify.Throttled
	pair       tradingapi.Pair
	logger     *slog.Logger

	running atomic.Bool

	balanceCache      tradingapi.BalanceSnapshot
	balanceCacheTTL   time.Duration
}

func New(
	trader tradingapi.Trader,
	led *ledger.Ledger,
	params *tradeparams.Store,
	coll *collector.Collector,
	rec *reconciler.Reconciler,
	watcher Watcher,
	notifier *notify.Throttled,
	pair tradingapi.Pair,
	logger *slog.Logger,
) *Builder {
	return &Builder{
		trader: trader, led: led, params: params, collector: coll, reconciler: rec,
		watcher: watcher, notifier: notifier, pair: pair,
		logger:          logger.With("component", "builder"),
		balanceCacheTTL: 30 * time.Second,
	}
}

// Tick runs one iteration, skipping if the previous iteration hasn't
// finished (the re-entrancy guard) or the builder is inactive.
func (b *Builder) Tick(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	defer b.running.Store(false)

	p := b.params.Snapshot()
	if !p.IsActive || !p.OBActive || (p.Policy != tradeparams.PolicyOptimal && p.Policy != tradeparams.PolicySpread) {
		return nil
	}

	if _, err := b.reconciler.Run(ctx, b.pair); err != nil {
		return fmt.Errorf("builder: reconcile: %w", err)
	}

	now := time.Now()
	if _, err := b.collector.Run(ctx, collector.Selector{
		Purposes:    []tradingapi.Purpose{tradingapi.PurposeOB},
		Pair:        b.pair,
		ExtraFilter: func(o ledger.Order) bool { return now.After(o.ExpiresAt) },
	}, ledger.CauseExpired); err != nil {
		return fmt.Errorf("builder: collector(expired): %w", err)
	}

	band := b.watcher.Current()
	if band.IsActual {
		if _, err := b.collector.Run(ctx, collector.Selector{
			Purposes: []tradingapi.Purpose{tradingapi.PurposeOB},
			Pair:     b.pair,
			PriceFilter: func(price decimal.Decimal) bool {
				return price.LessThan(band.Low) || price.GreaterThan(band.High)
			},
		}, ledger.CauseOutOfPWRange); err != nil {
			return fmt.Errorf("builder: collector(out-of-band): %w", err)
		}
	}

	if p.PWActive && p.PWPolicy == tradeparams.PWPolicyStrict && !band.IsActual {
		// Strict policy: a stale/unconfirmed band blocks all new
		// placements until the watcher reports isActual again.
		return nil
	}

	open, err := b.led.FindOpen(b.pair, tradingapi.PurposeOB)
	if err != nil {
		return fmt.Errorf("builder: findOpen: %w", err)
	}
	n := len(open)
	metrics.SetOpenOrders(string(tradingapi.PurposeOB), n)
	m := p.OBOrdersCount
	toPlace := m - n
	if toPlace > maxPlacementsPerTick {
		toPlace = maxPlacementsPerTick
	}
	if toPlace <= 0 {
		return nil
	}

	book, err := b.trader.GetOrderBook(ctx, b.pair)
	if err != nil {
		return fmt.Errorf("builder: getOrderBook: %w", err)
	}

	balance, err := b.balanceSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("builder: balance: %w", err)
	}

	for i := 0; i < toPlace; i++ {
		if err := b.placeOne(ctx, p, book, band, balance); err != nil {
			b.logger.Warn("builder: place failed", "error", err)
		}
	}
	return nil
}

func (b *Builder) placeOne(ctx context.Context, p tradeparams.Params, book tradingapi.OrderBook, band pricewatcher.Band, balance tradingapi.BalanceSnapshot) error {
	side := tradingapi.SideSell
	if rand.Float64()*100 < p.OBBuyPercent {
		side = tradingapi.SideBuy
	}

	levels := book.Bids
	if side == tradingapi.SideSell {
		levels = book.Asks
	}
	if len(levels) < 2 {
		return fmt.Errorf("not enough book depth on %s side", side)
	}

	height := p.OBHeight
	if height > len(levels) {
		height = len(levels)
	}
	if height < 2 {
		return fmt.Errorf("orderBookHeight too small for available depth")
	}
	position := 2 + rand.Intn(height-1) // [2, height]

	price := priceBetween(levels[position-2].Price, levels[position-1].Price)
	if band.IsActual {
		price = correctForBand(price, band, levels, position, height)
	}

	amount := sampleAmount(p.AmountRange, p.OBMaxOrderPct)

	if ok, warnMsg := b.hasSufficientBalance(balance, side, price, amount); !ok {
		if b.notifier != nil {
			b.notifier.NotifyKeyed(ctx, "builder:insufficient-balance", notify.LevelWarning, warnMsg)
		}
		return fmt.Errorf("insufficient balance for %s order", side)
	}

	lifetimeMS := ladderLifetime(int64(p.OBOrdersCount)*500, position)
	features := b.trader.Features()
	if features.OrderNumberLimit > 0 {
		lifetimeMS = lifetimeMS * int64(features.OrderNumberLimit) / 100
	}

	result, err := b.trader.PlaceOrder(ctx, side, b.pair, &price, &amount, nil, tradingapi.OrderLimit)
	if err != nil {
		return fmt.Errorf("placeOrder: %w", err)
	}
	if result.Rejected {
		return fmt.Errorf("placeOrder rejected: %s", result.Reason)
	}

	o := ledger.NewOrder(b.pair, side, tradingapi.OrderLimit, tradingapi.PurposeOB, price, amount)
	o.ExchangeID = result.ID
	o.LadderIndex = position
	o.ExpiresAt = time.Now().Add(time.Duration(lifetimeMS) * time.Millisecond)
	if err := b.led.Insert(o); err != nil {
		return err
	}
	metrics.IncOrderPlaced(string(tradingapi.PurposeOB), string(side))
	return nil
}

// priceBetween samples uniformly in [lo, hi), where lo and hi are a and
// b in ascending order, and returns lo when a equals b. No tick size is
// consulted: the result may equal lo and is not kept a tick away from
// either bound.
func priceBetween(a, b decimal.Decimal) decimal.Decimal {
	lo, hi := a, b
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	span := hi.Sub(lo)
	if span.IsZero() {
		return lo
	}
	frac := rand.Float64()
	return lo.Add(span.Mul(decimal.NewFromFloat(frac)))
}

// correctForBand resamples price inside [low, high] toward the nearest
// visible price within height levels when the sampled price escapes
// the band, applying a ±5% soft padding when the band edge itself lies
// outside the visible window.
func correctForBand(price decimal.Decimal, band pricewatcher.Band, levels []tradingapi.PriceLevel, position, height int) decimal.Decimal {
	if price.GreaterThanOrEqual(band.Low) && price.LessThanOrEqual(band.High) {
		return price
	}

	padding := decimal.NewFromFloat(0.05)
	low := band.Low
	high := band.High
	visibleLow := levels[height-1].Price
	visibleHigh := levels[0].Price
	if visibleLow.GreaterThan(visibleHigh) {
		// asks are ascending, so their deepest visible level is the highest price
		visibleLow, visibleHigh = visibleHigh, visibleLow
	}
	if low.LessThan(visibleLow) {
		low = visibleLow.Mul(decimal.NewFromInt(1).Sub(padding))
	}
	if high.GreaterThan(visibleHigh) {
		high = visibleHigh.Mul(decimal.NewFromInt(1).Add(padding))
	}
	if low.GreaterThan(high) {
		return price
	}
	return priceBetween(low, high)
}

// sampleAmount draws uniformly in [min, max*pct/100], raising the
// floor to min*1.1 if the bounds would otherwise collapse.
func sampleAmount(r tradeparams.AmountRange, maxOrderPct float64) decimal.Decimal {
	effectiveMax := r.Max.Mul(decimal.NewFromFloat(maxOrderPct / 100))
	min := r.Min
	if effectiveMax.LessThanOrEqual(min) {
		min = r.Min.Mul(decimal.NewFromFloat(1.1))
		effectiveMax = min
	}
	span := effectiveMax.Sub(min)
	if span.IsZero() || span.IsNegative() {
		return min
	}
	return min.Add(span.Mul(decimal.NewFromFloat(rand.Float64())))
}

// ladderLifetime computes ⌊U(1500, ordersCount*500) · ∛position⌋ in
// milliseconds, where maxMS is ordersCount*500.
func ladderLifetime(maxMS int64, position int) int64 {
	if maxMS < 1500 {
		maxMS = 1500
	}
	base := 1500 + rand.Int63n(maxMS-1500+1)
	cubeRoot := math.Cbrt(float64(position))
	return int64(math.Floor(float64(base) * cubeRoot))
}

func (b *Builder) balanceSnapshot(ctx context.Context) (tradingapi.BalanceSnapshot, error) {
	if !b.balanceCache.StampedAt.IsZero() && time.Since(b.balanceCache.StampedAt) < b.balanceCacheTTL {
		return b.balanceCache, nil
	}
	entries, err := b.trader.GetBalances(ctx, false)
	if err != nil {
		return tradingapi.BalanceSnapshot{}, err
	}
	b.balanceCache = tradingapi.BalanceSnapshot{Entries: entries, StampedAt: time.Now()}
	return b.balanceCache, nil
}

func (b *Builder) hasSufficientBalance(snap tradingapi.BalanceSnapshot, side tradingapi.Side, price, amount decimal.Decimal) (bool, string) {
	coin := b.pair.Base
	need := amount
	if side == tradingapi.SideBuy {
		coin = b.pair.Quote
		need = price.Mul(amount)
	}
	for _, e := range snap.Entries {
		if e.Coin != coin {
			continue
		}
		if e.Free.GreaterThanOrEqual(need) {
			return true, ""
		}
		return false, fmt.Sprintf("builder: insufficient %s balance: need %s, have %s", coin, need, e.Free)
	}
	return false, fmt.Sprintf("builder: no balance entry for %s", coin)
}
