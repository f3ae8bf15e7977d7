package rateinfo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	t.Parallel()

	c := New("http://unused.invalid")
	rate, err := c.Convert(context.Background(), "USDT", "USDT")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("rate = %s, want 1", rate)
	}
}

func TestConvertFetchesRate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "USD" || r.URL.Query().Get("to") != "USDT" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rateResponse{Rate: "1.0002"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	rate, err := c.Convert(context.Background(), "USD", "USDT")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("1.0002")) {
		t.Errorf("rate = %s, want 1.0002", rate)
	}
}

func TestConvertRangeScalesBothBounds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rateResponse{Rate: "2"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	low, high, err := c.ConvertRange(context.Background(), "USD", "USDT", decimal.NewFromInt(10), decimal.NewFromInt(20))
	if err != nil {
		t.Fatalf("ConvertRange: %v", err)
	}
	if !low.Equal(decimal.NewFromInt(20)) {
		t.Errorf("low = %s, want 20", low)
	}
	if !high.Equal(decimal.NewFromInt(40)) {
		t.Errorf("high = %s, want 40", high)
	}
}

func TestConvertErrorOnServerFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.http.SetRetryCount(0)
	if _, err := c.Convert(context.Background(), "USD", "USDT"); err == nil {
		t.Error("expected an error on server failure")
	}
}
