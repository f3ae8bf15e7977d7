package api

import "time"

// DashboardSnapshot represents the complete read-only dashboard state:
// live policy, price band, and open orders for the traded pair. It is
// strictly read-only — the only mutation path into the agent is the
// command surface.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Pair PairInfo `json:"pair"`

	Active bool   `json:"active"`
	Policy string `json:"policy"`

	PriceBand BandInfo `json:"price_band"`

	OpenOrders []OrderInfo       `json:"open_orders"`
	OrderStats []PurposeStatInfo `json:"order_stats"`
	TotalOpen  int               `json:"total_open"`
}

// PairInfo is the traded pair's symbols.
type PairInfo struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// BandInfo mirrors pricewatcher.Band for JSON transport.
type BandInfo struct {
	Low            string    `json:"low"`
	Mid            string    `json:"mid"`
	High           string    `json:"high"`
	IsActual       bool      `json:"is_actual"`
	IsPriceAnomaly bool      `json:"is_price_anomaly"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OrderInfo is one ledger row's dashboard-facing projection.
type OrderInfo struct {
	InternalID string    `json:"internal_id"`
	ExchangeID string    `json:"exchange_id"`
	Side       string    `json:"side"`
	Kind       string    `json:"kind"`
	Purpose    string    `json:"purpose"`
	Price      string    `json:"price"`
	BaseAmount string    `json:"base_amount"`
	BaseFilled string    `json:"base_filled"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PurposeStatInfo is one purpose's aggregated order counts.
type PurposeStatInfo struct {
	Purpose      string `json:"purpose"`
	TotalOrders  int    `json:"total_orders"`
	ClosedOrders int    `json:"closed_orders"`
	FilledOrders int    `json:"filled_orders"`
}
