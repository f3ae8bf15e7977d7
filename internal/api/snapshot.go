package api

import (
	"time"

	"mmagent/internal/ledger"
	"mmagent/internal/pricewatcher"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

// SnapshotProvider gives the dashboard read-only access to live agent
// state. Implemented by Adapter over the concrete components wired in
// cmd/agent/main.go (tradeparams.Store, pricewatcher.Watcher,
// ledger.Ledger); kept as an interface so snapshot_test.go can supply a
// fake without standing up sqlite or a running watcher loop.
type SnapshotProvider interface {
	TradeParams() tradeparams.Params
	PriceBand() pricewatcher.Band
	OpenOrders(pair tradingapi.Pair) ([]ledger.Order, error)
	OrderStats(pair tradingapi.Pair, window ledger.Window) ([]ledger.PurposeStats, error)
}

// Adapter implements SnapshotProvider by delegating straight to the
// live components cmd/agent wires up; it exists only to give those
// components' differently-named methods (Store.Snapshot,
// Watcher.Current, Ledger.FindOpen/StatsByPurpose) the single uniform
// shape the dashboard needs.
type Adapter struct {
	Params  *tradeparams.Store
	Watcher *pricewatcher.Watcher
	Ledger  *ledger.Ledger
}

func (a Adapter) TradeParams() tradeparams.Params { return a.Params.Snapshot() }
func (a Adapter) PriceBand() pricewatcher.Band    { return a.Watcher.Current() }

func (a Adapter) OpenOrders(pair tradingapi.Pair) ([]ledger.Order, error) {
	return a.Ledger.FindOpen(pair)
}

func (a Adapter) OrderStats(pair tradingapi.Pair, window ledger.Window) ([]ledger.PurposeStats, error) {
	return a.Ledger.StatsByPurpose(pair, window)
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot.
func BuildSnapshot(provider SnapshotProvider, pair tradingapi.Pair) (DashboardSnapshot, error) {
	params := provider.TradeParams()
	band := provider.PriceBand()

	open, err := provider.OpenOrders(pair)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	stats, err := provider.OrderStats(pair, ledger.WindowAll)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	orders := make([]OrderInfo, 0, len(open))
	for _, o := range open {
		orders = append(orders, OrderInfo{
			InternalID: o.InternalID,
			ExchangeID: o.ExchangeID,
			Side:       string(o.Side),
			Kind:       string(o.Kind),
			Purpose:    string(o.Purpose),
			Price:      o.Price.String(),
			BaseAmount: o.BaseAmount.String(),
			BaseFilled: o.BaseFilled.String(),
			CreatedAt:  o.CreatedAt,
			ExpiresAt:  o.ExpiresAt,
		})
	}

	statInfos := make([]PurposeStatInfo, 0, len(stats))
	for _, s := range stats {
		statInfos = append(statInfos, PurposeStatInfo{
			Purpose:      string(s.Purpose),
			TotalOrders:  s.TotalOrders,
			ClosedOrders: s.ClosedOrders,
			FilledOrders: s.FilledOrders,
		})
	}

	return DashboardSnapshot{
		Timestamp: time.Now(),
		Pair:      PairInfo{Base: pair.Base, Quote: pair.Quote},
		Active:    params.IsActive,
		Policy:    string(params.Policy),
		PriceBand: BandInfo{
			Low:            band.Low.String(),
			Mid:            band.Mid.String(),
			High:           band.High.String(),
			IsActual:       band.IsActual,
			IsPriceAnomaly: band.IsPriceAnomaly,
			UpdatedAt:      band.UpdatedAt,
		},
		OpenOrders: orders,
		OrderStats: statInfos,
		TotalOpen:  len(orders),
	}, nil
}
