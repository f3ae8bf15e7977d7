// Package rateinfo implements the thin external price-conversion client
// the numeric price-watcher source uses to turn an operator-provided
// fiat or crypto quote into the traded quote currency.
package rateinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Client fetches spot conversion rates from an external rate-info API.
type Client struct {
	http *resty.Client
}

// New builds a Client against baseURL (e.g. a public FX/crypto rate API).
func New(baseURL string) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Client{http: http}
}

type rateResponse struct {
	Rate string `json:"rate"`
}

// Convert returns how many units of to one unit of from is worth, e.g.
// Convert(ctx, "USD", "USDT") ~= 1.0.
func (c *Client) Convert(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	var out rateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"from": from, "to": to}).
		SetResult(&out).
		Get("/convert")
	if err != nil {
		return decimal.Zero, fmt.Errorf("rateinfo: convert %s->%s: %w", from, to, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("rateinfo: convert %s->%s: status %d", from, to, resp.StatusCode())
	}

	rate, err := decimal.NewFromString(out.Rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rateinfo: parse rate %q: %w", out.Rate, err)
	}
	return rate, nil
}

// ConvertRange converts both ends of a (low, high) band in one call's
// worth of rate lookup (a single rate applies to both bounds).
func (c *Client) ConvertRange(ctx context.Context, from, to string, low, high decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	rate, err := c.Convert(ctx, from, to)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return low.Mul(rate), high.Mul(rate), nil
}
