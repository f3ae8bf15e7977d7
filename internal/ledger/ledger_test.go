package ledger

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"mmagent/internal/tradingapi"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testPair() tradingapi.Pair { return tradingapi.Pair{Base: "BTC", Quote: "USDT"} }

func TestInsertAndFindByID(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	o := NewOrder(testPair(), tradingapi.SideBuy, tradingapi.OrderLimit, tradingapi.PurposeOB, decimal.NewFromFloat(100), decimal.NewFromFloat(1.5))
	if err := l.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := l.FindByID(o.InternalID)
	if err != nil {
		t.Fatalf("findById: %v", err)
	}
	if got.Purpose != tradingapi.PurposeOB {
		t.Errorf("purpose = %q, want %q", got.Purpose, tradingapi.PurposeOB)
	}
	if !got.BaseAmount.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("baseAmount = %s, want 1.5", got.BaseAmount)
	}
	if got.Closed {
		t.Error("newly inserted order should not be closed")
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	o := NewOrder(testPair(), tradingapi.SideSell, tradingapi.OrderLimit, tradingapi.PurposeLiq, decimal.NewFromFloat(200), decimal.NewFromFloat(2))
	if err := l.Insert(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	closed := true
	cause := CauseFilled
	patch := Patch{Closed: &closed, ClosureCause: &cause}

	if err := l.Update(o.InternalID, patch); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if err := l.Update(o.InternalID, patch); err != nil {
		t.Fatalf("update 2 (retry): %v", err)
	}

	got, err := l.FindByID(o.InternalID)
	if err != nil {
		t.Fatalf("findById: %v", err)
	}
	if !got.Closed {
		t.Error("expected closed=true after patch")
	}
	if got.ClosureCause != CauseFilled {
		t.Errorf("closureCause = %q, want %q", got.ClosureCause, CauseFilled)
	}
}

func TestFindOpenFiltersByPurposeAndClosed(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	ob := NewOrder(testPair(), tradingapi.SideBuy, tradingapi.OrderLimit, tradingapi.PurposeOB, decimal.NewFromFloat(100), decimal.NewFromFloat(1))
	liq := NewOrder(testPair(), tradingapi.SideBuy, tradingapi.OrderLimit, tradingapi.PurposeLiq, decimal.NewFromFloat(100), decimal.NewFromFloat(1))
	closedOB := NewOrder(testPair(), tradingapi.SideBuy, tradingapi.OrderLimit, tradingapi.PurposeOB, decimal.NewFromFloat(100), decimal.NewFromFloat(1))
	closedOB.Closed = true

	for _, o := range []Order{ob, liq, closedOB} {
		if err := l.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	open, err := l.FindOpen(testPair(), tradingapi.PurposeOB)
	if err != nil {
		t.Fatalf("findOpen: %v", err)
	}
	if len(open) != 1 || open[0].InternalID != ob.InternalID {
		t.Errorf("findOpen(ob) = %+v, want only %s", open, ob.InternalID)
	}

	allOpen, err := l.FindOpen(testPair())
	if err != nil {
		t.Fatalf("findOpen all: %v", err)
	}
	if len(allOpen) != 2 {
		t.Errorf("findOpen(all purposes) returned %d rows, want 2", len(allOpen))
	}
}

func TestStatsByPurpose(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	filled := NewOrder(testPair(), tradingapi.SideBuy, tradingapi.OrderLimit, tradingapi.PurposeMM, decimal.NewFromFloat(100), decimal.NewFromFloat(1))
	filled.Closed = true
	filled.ClosureCause = CauseFilled
	open := NewOrder(testPair(), tradingapi.SideBuy, tradingapi.OrderLimit, tradingapi.PurposeMM, decimal.NewFromFloat(100), decimal.NewFromFloat(1))

	for _, o := range []Order{filled, open} {
		if err := l.Insert(o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	stats, err := l.StatsByPurpose(testPair(), WindowAll, tradingapi.PurposeMM)
	if err != nil {
		t.Fatalf("statsByPurpose: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats len = %d, want 1", len(stats))
	}
	if stats[0].TotalOrders != 2 {
		t.Errorf("total = %d, want 2", stats[0].TotalOrders)
	}
	if stats[0].ClosedOrders != 1 {
		t.Errorf("closed = %d, want 1", stats[0].ClosedOrders)
	}
	if stats[0].FilledOrders != 1 {
		t.Errorf("filled = %d, want 1", stats[0].FilledOrders)
	}
}
