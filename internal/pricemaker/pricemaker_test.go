package pricemaker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"mmagent/internal/ledger"
	"mmagent/internal/tradingapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testPair() tradingapi.Pair { return tradingapi.Pair{Base: "BTC", Quote: "USDT"} }

type stubTrader struct {
	book      tradingapi.OrderBook
	rates     tradingapi.Rates
	afterRates tradingapi.Rates
	placed    *tradingapi.PlaceResult
	placedSide tradingapi.Side
	placedAmount decimal.Decimal
}

func (s *stubTrader) LoadMarkets(ctx context.Context) (map[tradingapi.Pair]tradingapi.MarketDescriptor, error) {
	panic("not used")
}
func (s *stubTrader) Features() tradingapi.Features { panic("not used") }
func (s *stubTrader) GetBalances(ctx context.Context, includeZero bool) ([]tradingapi.BalanceEntry, error) {
	panic("not used")
}
func (s *stubTrader) GetOpenOrders(ctx context.Context, pair tradingapi.Pair) ([]tradingapi.OpenOrder, error) {
	panic("not used")
}
func (s *stubTrader) GetOrderDetails(ctx context.Context, id string, pair tradingapi.Pair) (tradingapi.OrderDetail, error) {
	panic("not used")
}
func (s *stubTrader) PlaceOrder(ctx context.Context, side tradingapi.Side, pair tradingapi.Pair, price, baseAmount, quoteAmount *decimal.Decimal, kind tradingapi.OrderKind) (tradingapi.PlaceResult, error) {
	s.placedSide = side
	s.placedAmount = *baseAmount
	if s.placed != nil {
		return *s.placed, nil
	}
	return tradingapi.PlaceResult{ID: "ex-pm-1"}, nil
}
func (s *stubTrader) CancelOrder(ctx context.Context, id string, side tradingapi.Side, pair tradingapi.Pair) (tradingapi.CancelOutcome, error) {
	panic("not used")
}
func (s *stubTrader) GetRates(ctx context.Context, pair tradingapi.Pair) (tradingapi.Rates, error) {
	if s.afterRates.Last.IsZero() {
		return s.rates, nil
	}
	r := s.afterRates
	s.afterRates = tradingapi.Rates{}
	return r, nil
}
func (s *stubTrader) GetOrderBook(ctx context.Context, pair tradingapi.Pair) (tradingapi.OrderBook, error) {
	return s.book, nil
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestPushBuySideDepthComputation(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		rates: tradingapi.Rates{Last: decimal.NewFromFloat(100)},
		book: tradingapi.OrderBook{
			Bids: []tradingapi.PriceLevel{{Price: decimal.NewFromFloat(99), Amount: decimal.NewFromFloat(1)}},
			Asks: []tradingapi.PriceLevel{
				{Price: decimal.NewFromFloat(101), Amount: decimal.NewFromFloat(1)},
				{Price: decimal.NewFromFloat(102), Amount: decimal.NewFromFloat(2)},
				{Price: decimal.NewFromFloat(103), Amount: decimal.NewFromFloat(3)},
			},
		},
		afterRates: tradingapi.Rates{Last: decimal.NewFromFloat(103)},
	}
	l := newTestLedger(t)
	pm := New(trader, l, testPair(), testLogger())

	report, err := pm.Push(context.Background(), decimal.NewFromFloat(103))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !report.Success {
		t.Fatalf("expected success, got reason %q", report.Reason)
	}
	if report.Side != tradingapi.SideBuy {
		t.Errorf("side = %q, want buy", report.Side)
	}
	// Raw depth to 103 inclusive = 1+2+3 = 6, inflated by the midpoint
	// of the reliability band.
	rawDepth := decimal.NewFromFloat(6)
	factor := decimal.NewFromFloat((reliabilityMin + reliabilityMax) / 2)
	want := rawDepth.Mul(factor)
	if !trader.placedAmount.Equal(want) {
		t.Errorf("placed amount = %s, want %s", trader.placedAmount, want)
	}
}

func TestPushTargetInsideSpreadFails(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		rates: tradingapi.Rates{Last: decimal.NewFromFloat(100)},
		book: tradingapi.OrderBook{
			Bids: []tradingapi.PriceLevel{{Price: decimal.NewFromFloat(99), Amount: decimal.NewFromFloat(1)}},
			Asks: []tradingapi.PriceLevel{{Price: decimal.NewFromFloat(101), Amount: decimal.NewFromFloat(1)}},
		},
	}
	l := newTestLedger(t)
	pm := New(trader, l, testPair(), testLogger())

	report, err := pm.Push(context.Background(), decimal.NewFromFloat(100))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if report.Success {
		t.Error("expected failure for a target already inside the spread")
	}
}

func TestPushSellSideDepthComputation(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		rates: tradingapi.Rates{Last: decimal.NewFromFloat(100)},
		book: tradingapi.OrderBook{
			Bids: []tradingapi.PriceLevel{
				{Price: decimal.NewFromFloat(99), Amount: decimal.NewFromFloat(1)},
				{Price: decimal.NewFromFloat(98), Amount: decimal.NewFromFloat(2)},
			},
			Asks: []tradingapi.PriceLevel{{Price: decimal.NewFromFloat(101), Amount: decimal.NewFromFloat(1)}},
		},
		afterRates: tradingapi.Rates{Last: decimal.NewFromFloat(98)},
	}
	l := newTestLedger(t)
	pm := New(trader, l, testPair(), testLogger())

	report, err := pm.Push(context.Background(), decimal.NewFromFloat(98))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !report.Success || report.Side != tradingapi.SideSell {
		t.Errorf("report = %+v, want success sell", report)
	}
}
