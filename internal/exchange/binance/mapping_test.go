package binance

import (
	"errors"
	"testing"

	"github.com/adshao/go-binance/v2"

	"mmagent/internal/tradingapi"
)

func TestParseDecimal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"normal value", "1.23", "1.23"},
		{"empty string", "", "0"},
		{"garbage falls back to zero", "not-a-number", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseDecimal(tt.in)
			if got.String() != tt.want {
				t.Errorf("parseDecimal(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseOrderID(t *testing.T) {
	t.Parallel()

	id, err := parseOrderID("12345")
	if err != nil {
		t.Fatalf("parseOrderID: %v", err)
	}
	if id != 12345 {
		t.Errorf("id = %d, want 12345", id)
	}

	if _, err := parseOrderID("not-a-number"); err == nil {
		t.Error("expected an error for a non-numeric id")
	}
}

func TestMapSideOutAndIn(t *testing.T) {
	t.Parallel()

	if mapSideOut(tradingapi.SideSell) != binance.SideTypeSell {
		t.Error("expected SideSell to map to SideTypeSell")
	}
	if mapSideOut(tradingapi.SideBuy) != binance.SideTypeBuy {
		t.Error("expected SideBuy to map to SideTypeBuy")
	}

	if mapSideIn("SELL") != tradingapi.SideSell {
		t.Error("expected SELL to map to SideSell")
	}
	if mapSideIn("sell") != tradingapi.SideSell {
		t.Error("expected case-insensitive match for sell")
	}
	if mapSideIn("BUY") != tradingapi.SideBuy {
		t.Error("expected BUY to map to SideBuy")
	}
}

func TestMapStatusIn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want tradingapi.OrderStatus
	}{
		{"NEW", tradingapi.StatusNew},
		{"PARTIALLY_FILLED", tradingapi.StatusPartFilled},
		{"FILLED", tradingapi.StatusFilled},
		{"CANCELED", tradingapi.StatusCancelled},
		{"PENDING_CANCEL", tradingapi.StatusCancelled},
		{"EXPIRED", tradingapi.StatusCancelled},
		{"REJECTED", tradingapi.StatusCancelled},
		{"something_else", tradingapi.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := mapStatusIn(tt.in); got != tt.want {
				t.Errorf("mapStatusIn(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()
	if !isNotFound(errors.New("Unknown order sent")) {
		t.Error("expected match on 'Unknown order'")
	}
	if !isNotFound(errors.New("<APIError> code=-2013, msg=...")) {
		t.Error("expected match on -2013")
	}
	if isNotFound(errors.New("some other error")) {
		t.Error("expected no match")
	}
}

func TestIsAlreadyClosed(t *testing.T) {
	t.Parallel()
	if !isAlreadyClosed(errors.New("<APIError> code=-2011, msg=CANCEL_REJECTED")) {
		t.Error("expected match on -2011")
	}
	if isAlreadyClosed(errors.New("some other error")) {
		t.Error("expected no match")
	}
}

func TestIsRejection(t *testing.T) {
	t.Parallel()
	if !isRejection(errors.New("<APIError> code=-1013, msg=Filter failure")) {
		t.Error("expected match on -1013")
	}
	if !isRejection(errors.New("<APIError> code=-2010, msg=Account has insufficient balance")) {
		t.Error("expected match on -2010")
	}
	if !isRejection(errors.New("insufficient funds")) {
		t.Error("expected match on 'insufficient'")
	}
	if isRejection(errors.New("some other error")) {
		t.Error("expected no match")
	}
}
