package command

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"mmagent/internal/collector"
	"mmagent/internal/ledger"
	"mmagent/internal/pricemaker"
	"mmagent/internal/rateinfo"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func testPair() tradingapi.Pair { return tradingapi.Pair{Base: "BTC", Quote: "USDT"} }

type stubTrader struct {
	balances   []tradingapi.BalanceEntry
	book       tradingapi.OrderBook
	rates      tradingapi.Rates
	nextID     int
	placements []tradingapi.Side
	cancelled  []string
	features   tradingapi.Features
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
	s.cancelled = append(s.cancelled, id)
	return tradingapi.CancelCancelled, nil
}
func (s *stubTrader) GetRates(ctx context.Context, pair tradingapi.Pair) (tradingapi.Rates, error) {
	return s.rates, nil
}
func (s *stubTrader) GetOrderBook(ctx context.Context, pair tradingapi.Pair) (tradingapi.OrderBook, error) {
	return s.book, nil
}

func newTestProcessor(t *testing.T, trader *stubTrader) (*Processor, *ledger.Ledger, *tradeparams.Store) {
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
	pm := pricemaker.New(trader, l, testPair(), testLogger())
	deps := Deps{
		Trader:     trader,
		Ledger:     l,
		Params:     params,
		Collector:  coll,
		PriceMaker: pm,
		Rates:      rateinfo.New("http://unused.invalid"),
		Pair:       testPair(),
	}
	return New(deps, testLogger()), l, params
}

func TestUnknownVerbReturnsInfoResult(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProcessor(t, &stubTrader{})
	r := p.Process(context.Background(), "frobnicate")
	if r.Notify {
		t.Error("unknown command should not set Notify")
	}
	if !strings.Contains(r.UserMessage, "unknown command") {
		t.Errorf("message = %q, want mention of unknown command", r.UserMessage)
	}
}

func TestStartStopTogglesActivity(t *testing.T) {
	t.Parallel()
	p, _, params := newTestProcessor(t, &stubTrader{})

	p.Process(context.Background(), "start mm spread")
	snap := params.Snapshot()
	if !snap.IsActive || snap.Policy != tradeparams.PolicySpread {
		t.Errorf("after start: active=%v policy=%s", snap.IsActive, snap.Policy)
	}

	p.Process(context.Background(), "stop mm")
	if params.Snapshot().IsActive {
		t.Error("expected IsActive=false after stop")
	}
}

func TestStartRejectsMalformedArgs(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProcessor(t, &stubTrader{})
	r := p.Process(context.Background(), "start")
	if !strings.Contains(r.UserMessage, "usage") {
		t.Errorf("message = %q, want a usage hint", r.UserMessage)
	}
}

func TestEnableOBSetsCountAndBuyPercent(t *testing.T) {
	t.Parallel()
	p, _, params := newTestProcessor(t, &stubTrader{})
	p.Process(context.Background(), "enable ob 7 60%")

	snap := params.Snapshot()
	if !snap.OBActive || snap.OBOrdersCount != 7 || snap.OBBuyPercent != 60 {
		t.Errorf("snapshot = %+v", snap)
	}

	p.Process(context.Background(), "disable ob")
	if params.Snapshot().OBActive {
		t.Error("expected OBActive=false after disable")
	}
}

func TestEnableLiqAssignsAmountsByCoin(t *testing.T) {
	t.Parallel()
	p, _, params := newTestProcessor(t, &stubTrader{})
	r := p.Process(context.Background(), "enable liq 2% 100 BTC 5000 USDT uptrend")
	if strings.Contains(r.UserMessage, "usage") {
		t.Fatalf("unexpected validation error: %s", r.UserMessage)
	}

	snap := params.Snapshot()
	if !snap.LiqActive || snap.LiqTrend != tradeparams.TrendUptrend {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.LiqSellAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("LiqSellAmount = %s, want 100", snap.LiqSellAmount)
	}
	if !snap.LiqBuyQuoteAmount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("LiqBuyQuoteAmount = %s, want 5000", snap.LiqBuyQuoteAmount)
	}
}

func TestAmountAndBuyPercent(t *testing.T) {
	t.Parallel()
	p, _, params := newTestProcessor(t, &stubTrader{})
	p.Process(context.Background(), "amount 0.01-0.5")
	p.Process(context.Background(), "buypercent 30")

	snap := params.Snapshot()
	if !snap.AmountRange.Min.Equal(decimal.NewFromFloat(0.01)) || !snap.AmountRange.Max.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("AmountRange = %+v", snap.AmountRange)
	}
	if snap.OBBuyPercent != 30 {
		t.Errorf("OBBuyPercent = %v, want 30", snap.OBBuyPercent)
	}
}

func TestClearRequiresConfirmationThenCancelsMatchingSelector(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{}
	p, l, _ := newTestProcessor(t, trader)

	prices := []float64{0.3, 0.4, 0.6, 0.7}
	for _, pr := range prices {
		o := ledger.NewOrder(testPair(), tradingapi.SideSell, tradingapi.OrderLimit, tradingapi.PurposeMM, decimal.NewFromFloat(pr), decimal.NewFromFloat(1))
		o.ExchangeID = "ex-" + strings.ReplaceAll(decimal.NewFromFloat(pr).String(), ".", "")
		if err := l.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	r := p.Process(context.Background(), "clear mm sell >0.5 QUOTE")
	if !strings.Contains(r.UserMessage, "confirm") {
		t.Fatalf("expected a confirmation prompt, got %q", r.UserMessage)
	}

	r = p.Process(context.Background(), "y")
	if !strings.Contains(r.UserMessage, "attempted=2") || !strings.Contains(r.UserMessage, "cancelled=2") {
		t.Errorf("message = %q, want attempted=2 cancelled=2", r.UserMessage)
	}
}

func TestInlineYMarkerExecutesWithoutConfirmation(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{}
	p, l, _ := newTestProcessor(t, trader)

	o := ledger.NewOrder(testPair(), tradingapi.SideSell, tradingapi.OrderLimit, tradingapi.PurposeMM, decimal.NewFromFloat(0.6), decimal.NewFromFloat(1))
	o.ExchangeID = "ex-1"
	if err := l.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := p.Process(context.Background(), "clear mm sell >0.5 QUOTE -y")
	if strings.Contains(r.UserMessage, "confirm") {
		t.Fatalf("expected inline -y to skip confirmation, got %q", r.UserMessage)
	}
	if !strings.Contains(r.UserMessage, "attempted=1") || !strings.Contains(r.UserMessage, "cancelled=1") {
		t.Errorf("message = %q, want attempted=1 cancelled=1", r.UserMessage)
	}

	// No command should be left pending for a bare 'y' to pick up.
	r = p.Process(context.Background(), "y")
	if !strings.Contains(r.UserMessage, "no command is pending") {
		t.Errorf("message = %q, want nothing pending after inline confirm", r.UserMessage)
	}
}

func TestConfirmWithNothingPendingIsRejected(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProcessor(t, &stubTrader{})
	r := p.Process(context.Background(), "y")
	if !strings.Contains(r.UserMessage, "no command is pending") {
		t.Errorf("message = %q", r.UserMessage)
	}
}

func TestConfirmationIsIdempotent(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{}
	p, l, _ := newTestProcessor(t, trader)
	o := ledger.NewOrder(testPair(), tradingapi.SideSell, tradingapi.OrderLimit, tradingapi.PurposeMM, decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	o.ExchangeID = "ex-1"
	l.Insert(o)

	p.Process(context.Background(), "clear mm sell")
	first := p.Process(context.Background(), "y")
	second := p.Process(context.Background(), "y")

	if !strings.Contains(first.UserMessage, "cancelled=1") {
		t.Fatalf("first confirm = %q", first.UserMessage)
	}
	if !strings.Contains(second.UserMessage, "no command is pending") {
		t.Errorf("second confirm = %q, want rejected as nothing pending", second.UserMessage)
	}
}

func TestBuyRejectsWhenBalanceInsufficient(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		balances: []tradingapi.BalanceEntry{{Coin: "USDT", Free: decimal.NewFromFloat(0.005)}},
	}
	p, _, _ := newTestProcessor(t, trader)

	r := p.Process(context.Background(), "buy amount=1 price=100")
	if !strings.Contains(r.UserMessage, "Not enough") {
		t.Errorf("message = %q, want an insufficient-balance rejection", r.UserMessage)
	}
	if len(trader.placements) != 0 {
		t.Error("expected no order placed")
	}
}

func TestBuyPlacesDirectlyWhenConfirmThresholdUnset(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		balances: []tradingapi.BalanceEntry{{Coin: "USDT", Free: decimal.NewFromFloat(1000)}},
	}
	p, l, _ := newTestProcessor(t, trader)

	r := p.Process(context.Background(), "buy amount=1 price=100")
	if !strings.Contains(r.UserMessage, "placed") {
		t.Fatalf("message = %q, want a placement confirmation", r.UserMessage)
	}
	open, err := l.FindOpen(testPair(), tradingapi.PurposeManual)
	if err != nil {
		t.Fatalf("findOpen: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open manual orders = %d, want 1", len(open))
	}
}

func TestFillSplitsAmountAcrossCount(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		balances: []tradingapi.BalanceEntry{{Coin: "BTC", Free: decimal.NewFromFloat(100)}},
	}
	p, l, _ := newTestProcessor(t, trader)

	r := p.Process(context.Background(), "fill sell amount=10 low=100 high=110 count=5")
	if !strings.Contains(r.UserMessage, "placed 5/5") {
		t.Fatalf("message = %q, want 5 orders placed", r.UserMessage)
	}
	open, err := l.FindOpen(testPair(), tradingapi.PurposeManual)
	if err != nil {
		t.Fatalf("findOpen: %v", err)
	}
	if len(open) != 5 {
		t.Errorf("open manual orders = %d, want 5", len(open))
	}
	for _, o := range open {
		if !o.BaseAmount.Equal(decimal.NewFromInt(2)) {
			t.Errorf("per-order amount = %s, want 2 (10 split across 5)", o.BaseAmount)
		}
	}
}

func TestFillRejectsWhenBalanceInsufficient(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		balances: []tradingapi.BalanceEntry{{Coin: "BTC", Free: decimal.NewFromFloat(0.1)}},
	}
	p, _, _ := newTestProcessor(t, trader)

	r := p.Process(context.Background(), "fill sell amount=10 low=100 high=110 count=5")
	if !strings.Contains(r.UserMessage, "Not enough") {
		t.Errorf("message = %q, want an insufficient-balance rejection", r.UserMessage)
	}
	if len(trader.placements) != 0 {
		t.Error("expected no orders placed")
	}
}

func TestMakeRequiresConfirmationThenPushes(t *testing.T) {
	t.Parallel()
	trader := &stubTrader{
		book: tradingapi.OrderBook{
			Bids: []tradingapi.PriceLevel{{Price: decimal.NewFromFloat(99), Amount: decimal.NewFromFloat(10)}},
			Asks: []tradingapi.PriceLevel{{Price: decimal.NewFromFloat(100), Amount: decimal.NewFromFloat(60)}},
		},
		rates: tradingapi.Rates{Bid: decimal.NewFromFloat(99), Ask: decimal.NewFromFloat(100)},
	}
	p, l, _ := newTestProcessor(t, trader)

	r := p.Process(context.Background(), "make price 110 QUOTE now")
	if !strings.Contains(r.UserMessage, "confirm") {
		t.Fatalf("expected confirmation prompt, got %q", r.UserMessage)
	}

	r = p.Process(context.Background(), "y")
	if !strings.Contains(r.UserMessage, "make: placed") {
		t.Errorf("message = %q, want a pricemaker placement report", r.UserMessage)
	}
	open, err := l.FindOpen(testPair(), tradingapi.PurposePM)
	if err != nil {
		t.Fatalf("findOpen: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open pm orders = %d, want 1", len(open))
	}
}

func TestHelpListsVerbs(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProcessor(t, &stubTrader{})
	r := p.Process(context.Background(), "help")
	for _, verb := range []string{"start", "stop", "clear", "fill", "buy", "sell", "make"} {
		if !strings.Contains(r.UserMessage, verb) {
			t.Errorf("help output missing verb %q: %s", verb, r.UserMessage)
		}
	}
}

func TestFormatMessagePrefixesNotifications(t *testing.T) {
	t.Parallel()
	plain := infoResult("hello")
	if FormatMessage(plain) != "hello" {
		t.Errorf("FormatMessage(plain) = %q", FormatMessage(plain))
	}
	loud := notifyResult("warning", "careful")
	if got := FormatMessage(loud); got != "[WARNING] careful" {
		t.Errorf("FormatMessage(loud) = %q", got)
	}
}
