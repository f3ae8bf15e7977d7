package builder

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"mmagent/internal/collector"
	"mmagent/internal/ledger"
	"mmagent/internal/notify"
	"mmagent/internal/pricewatcher"
	"mmagent/internal/reconciler"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testPair() tradingapi.Pair { return tradingapi.Pair{Base: "BTC", Quote: "USDT"} }

type stubTrader struct {
	book       tradingapi.OrderBook
	balances   []tradingapi.BalanceEntry
	features   tradingapi.Features
	nextID     int
	placements []tradingapi.Side
}

func (s *stubTrader) LoadMarkets(ctx context.Context) (map[tradingapi.Pair]tradingapi.MarketDescriptor, error) {
	panic("not used")
}
func (s *stubTrader) Features() tradingapi.Features { return s.features }
func (s *stubTrader) GetBalances(ctx context.Context, includeZero bool) ([]tradingapi.BalanceEntry, error) {
	return s.balances, nil
}
func (s *stubTrader) GetOpenOrders(ctx context.Context, pair tradingapi.Pair) ([]tradingapi.OpenOrder, error) {
	panic("not used")
}
func (s *stubTrader) GetOrderDetails(ctx context.Context, id string, pair tradingapi.Pair) (tradingapi.OrderDetail, error) {
	panic("not used")
}
func (s *stubTrader) PlaceOrder(ctx context.Context, side tradingapi.Side, pair tradingapi.Pair, price, baseAmount, quoteAmount *decimal.Decimal, kind tradingapi.OrderKind) (tradingapi.PlaceResult, error) {
	s.nextID++
	s.placements = append(s.placements, side)
	return tradingapi.PlaceResult{ID: fmt.Sprintf("ex-%d", s.nextID)}, nil
}
func (s *stubTrader) CancelOrder(ctx context.Context, id string, side tradingapi.Side, pair tradingapi.Pair) (tradingapi.CancelOutcome, error) {
	return tradingapi.CancelCancelled, nil
}
func (s *stubTrader) GetRates(ctx context.Context, pair tradingapi.Pair) (tradingapi.Rates, error) {
	panic("not used")
}
func (s *stubTrader) GetOrderBook(ctx context.Context, pair tradingapi.Pair) (tradingapi.OrderBook, error) {
	return s.book, nil
}

func levelLadder(start float64, step float64, n int, descending bool) []tradingapi.PriceLevel {
	levels := make([]tradingapi.PriceLevel, n)
	for i := 0; i < n; i++ {
		p := start + float64(i)*step
		if descending {
			p = start - float64(i)*step
		}
		levels[i] = tradingapi.PriceLevel{Price: decimal.NewFromFloat(p), Amount: decimal.NewFromFloat(10)}
	}
	return levels
}

type fixedWatcher struct{ band pricewatcher.Band }

func (f fixedWatcher) Current() pricewatcher.Band { return f.band }

func newTestBuilder(t *testing.T, trader *stubTrader, watcher Watcher) (*Builder, *ledger.Ledger, *tradeparams.Store) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "params.db"))
	if err != nil {
		t.Fatalf("open params db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	params, err := tradeparams.Open(db, "default")
	if err != nil {
		t.Fatalf("open params: %v", err)
	}

	coll := collector.New(trader, l, testLogger())
	rec := reconciler.New(trader, l, testLogger())
	notifier := notify.NewThrottled(notify.NewSlogNotifier(testLogger()), 0)

	b := New(trader, l, params, coll, rec, watcher, notifier, testPair(), testLogger())
	return b, l, params
}

func TestTickPlacesUpToConfiguredCount(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		book: tradingapi.OrderBook{
			Bids: levelLadder(100, 1, 10, true),
			Asks: levelLadder(101, 1, 10, false),
		},
		balances: []tradingapi.BalanceEntry{
			{Coin: "BTC", Free: decimal.NewFromFloat(1000)},
			{Coin: "USDT", Free: decimal.NewFromFloat(1000000)},
		},
	}
	watcher := fixedWatcher{band: pricewatcher.Band{IsActual: false}}
	b, l, params := newTestBuilder(t, trader, watcher)

	params.Mutate(func(p *tradeparams.Params) {
		p.IsActive = true
		p.OBActive = true
		p.Policy = tradeparams.PolicyOptimal
		p.OBOrdersCount = 3
		p.OBHeight = 5
		p.OBBuyPercent = 50
		p.AmountRange = tradeparams.AmountRange{Min: decimal.NewFromFloat(0.01), Max: decimal.NewFromFloat(0.1)}
		p.OBMaxOrderPct = 100
	})

	if err := b.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	open, err := l.FindOpen(testPair(), tradingapi.PurposeOB)
	if err != nil {
		t.Fatalf("findOpen: %v", err)
	}
	if len(open) != 3 {
		t.Errorf("open ob orders = %d, want 3", len(open))
	}
	for _, o := range open {
		if o.ExchangeID == "" {
			t.Error("placed order missing exchange id")
		}
		if o.BaseAmount.LessThan(decimal.NewFromFloat(0.01)) || o.BaseAmount.GreaterThan(decimal.NewFromFloat(0.1)) {
			t.Errorf("amount %s out of configured range", o.BaseAmount)
		}
	}
}

func TestTickSkipsWhenInactive(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{}
	watcher := fixedWatcher{}
	b, l, params := newTestBuilder(t, trader, watcher)
	params.Mutate(func(p *tradeparams.Params) { p.OBActive = false })

	if err := b.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	open, _ := l.FindOpen(testPair(), tradingapi.PurposeOB)
	if len(open) != 0 {
		t.Errorf("expected no placements while inactive, got %d", len(open))
	}
}

func TestTickSkipsPlacementUnderStrictPolicyWhenBandNotActual(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		book: tradingapi.OrderBook{Bids: levelLadder(100, 1, 10, true), Asks: levelLadder(101, 1, 10, false)},
		balances: []tradingapi.BalanceEntry{
			{Coin: "BTC", Free: decimal.NewFromFloat(1000)},
			{Coin: "USDT", Free: decimal.NewFromFloat(1000000)},
		},
	}
	watcher := fixedWatcher{band: pricewatcher.Band{IsActual: false}}
	b, l, params := newTestBuilder(t, trader, watcher)
	params.Mutate(func(p *tradeparams.Params) {
		p.IsActive = true
		p.OBActive = true
		p.PWActive = true
		p.PWPolicy = tradeparams.PWPolicyStrict
		p.OBOrdersCount = 3
		p.OBHeight = 5
		p.AmountRange = tradeparams.AmountRange{Min: decimal.NewFromFloat(0.01), Max: decimal.NewFromFloat(0.1)}
		p.OBMaxOrderPct = 100
	})

	if err := b.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	open, err := l.FindOpen(testPair(), tradingapi.PurposeOB)
	if err != nil {
		t.Fatalf("findOpen: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open ob orders = %d, want 0 under strict policy with a non-actual band", len(open))
	}
}

func TestLadderLifetimeScalesWithOrdersCountAndPosition(t *testing.T) {
	t.Parallel()
	const ordersCount = 10
	maxMS := int64(ordersCount) * 500
	for position := 2; position <= 10; position++ {
		for i := 0; i < 20; i++ {
			lifetime := ladderLifetime(maxMS, position)
			lowerBound := int64(1500 * math.Cbrt(float64(position)))
			upperBound := int64(float64(maxMS) * math.Cbrt(float64(position)))
			if lifetime < lowerBound || lifetime > upperBound {
				t.Fatalf("position %d: lifetime %d out of [%d, %d]", position, lifetime, lowerBound, upperBound)
			}
		}
	}
}

func TestTickSkipsWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		book: tradingapi.OrderBook{Bids: levelLadder(100, 1, 10, true), Asks: levelLadder(101, 1, 10, false)},
		balances: []tradingapi.BalanceEntry{
			{Coin: "BTC", Free: decimal.NewFromFloat(1000)},
			{Coin: "USDT", Free: decimal.NewFromFloat(1000000)},
		},
	}
	watcher := fixedWatcher{}
	b, _, params := newTestBuilder(t, trader, watcher)
	params.Mutate(func(p *tradeparams.Params) {
		p.IsActive = true
		p.OBActive = true
		p.OBOrdersCount = 1
		p.OBHeight = 5
		p.AmountRange = tradeparams.AmountRange{Min: decimal.NewFromFloat(0.01), Max: decimal.NewFromFloat(0.1)}
	})

	b.running.Store(true)
	if err := b.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if trader.nextID != 0 {
		t.Error("expected no placements while the re-entrancy guard is held")
	}
}
