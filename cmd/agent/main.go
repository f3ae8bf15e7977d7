// mmagent is an automated market maker for a single spot pair on a
// configurable exchange.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/tradingapi        — exchange-agnostic Trader contract + adapter registry
//	internal/exchange/generic  — signed-REST/WS adapter (HMAC or EIP-712)
//	internal/exchange/binance  — adapter over the Binance spot REST API
//	internal/pricewatcher      — maintains the defended price band from a reference exchange
//	internal/builder           — shapes the order book around the band
//	internal/liquidity         — seeds resting liquidity rungs away from the band
//	internal/pricemaker        — places the occasional "price improving" order
//	internal/collector         — cancels resting orders by selector
//	internal/reconciler        — reconciles ledger state against exchange order status
//	internal/scheduler         — top-level supervisor: owns the process lifecycle
//	internal/command           — operator command surface (start/stop/enable/disable/...)
//	internal/api               — read-only dashboard: JSON snapshot, WebSocket stream, /metrics
//	internal/ledger            — sqlite-backed order ledger
//	internal/tradeparams       — sqlite-backed live policy document
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"mmagent/internal/api"
	"mmagent/internal/builder"
	"mmagent/internal/collector"
	"mmagent/internal/config"
	_ "mmagent/internal/exchange/binance"
	"mmagent/internal/exchange/generic"
	"mmagent/internal/ledger"
	"mmagent/internal/liquidity"
	"mmagent/internal/notify"
	"mmagent/internal/pricemaker"
	"mmagent/internal/pricewatcher"
	"mmagent/internal/rateinfo"
	"mmagent/internal/reconciler"
	"mmagent/internal/scheduler"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	trader, err := tradingapi.New(cfg.Exchange.ID, cfg.Exchange.AdapterConfig(cfg.DryRun))
	if err != nil {
		logger.Error("failed to construct trading adapter", "error", err)
		os.Exit(1)
	}

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	if gc, ok := trader.(*generic.Client); ok && cfg.Exchange.WSURL != "" && !cfg.DryRun {
		gc.StartUserFeed(feedCtx, cfg.Exchange.WSURL)
		logger.Info("user feed started", "ws_url", cfg.Exchange.WSURL)
	}

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	params, err := tradeparams.Open(led.DB(), cfg.Pair.Base+cfg.Pair.Quote)
	if err != nil {
		logger.Error("failed to open trade params", "error", err)
		os.Exit(1)
	}
	if cfg.AmountToConfirmUSD != "" && params.Snapshot().AmountToConfirmUSD.IsZero() {
		amount, err := decimal.NewFromString(cfg.AmountToConfirmUSD)
		if err != nil {
			logger.Error("failed to parse amount_to_confirm_usd", "error", err)
			os.Exit(1)
		}
		if err := params.Mutate(func(p *tradeparams.Params) { p.AmountToConfirmUSD = amount }); err != nil {
			logger.Error("failed to seed amount_to_confirm_usd", "error", err)
			os.Exit(1)
		}
	}

	rates := rateinfo.New(cfg.RateInfo.BaseURL)

	rec := reconciler.New(trader, led, logger)
	coll := collector.New(trader, led, logger)

	resolver := newTraderResolver(cfg, trader)
	watcher := pricewatcher.New(params, resolver, rates, cfg.Pair.Quote, logger)

	pair := cfg.Pair.Pair()
	pm := pricemaker.New(trader, led, pair, logger)
	watcher.EnableAutoFill(trader, pair, pm)

	b := builder.New(trader, led, params, coll, rec, watcher, notify.NewThrottled(notify.NewSlogNotifier(logger), cfg.Notify.ThrottleWindow), pair, logger)
	liq := liquidity.New(trader, led, params, coll, rec, pair, logger)

	sched := scheduler.New(params, b, liq, watcher, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		provider := api.Adapter{Params: params, Watcher: watcher, Ledger: led}
		apiServer = api.NewServer(cfg.Dashboard, provider, pair, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	sched.Start()

	logger.Info("market maker started",
		"exchange", cfg.Exchange.ID,
		"pair", pair.Base+"/"+pair.Quote,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	sched.Stop()
}

// newTraderResolver resolves a Trader for any exchange id present in
// cfg.SupportedExchanges, caching the already-constructed primary
// trader under cfg.Exchange.ID so the price watcher's reference-book
// lookups don't open a second connection to the traded exchange.
func newTraderResolver(cfg *config.Config, primary tradingapi.Trader) pricewatcher.TraderResolver {
	byID := make(map[string]config.ExchangeConfig, len(cfg.SupportedExchanges))
	for _, ex := range cfg.SupportedExchanges {
		byID[ex.ID] = ex
	}

	cache := map[string]tradingapi.Trader{cfg.Exchange.ID: primary}

	return func(exchangeID string) (tradingapi.Trader, error) {
		if t, ok := cache[exchangeID]; ok {
			return t, nil
		}
		ex, ok := byID[exchangeID]
		if !ok {
			return nil, fmt.Errorf("no supported_exchanges entry for %q", exchangeID)
		}
		t, err := tradingapi.New(ex.ID, ex.AdapterConfig(cfg.DryRun))
		if err != nil {
			return nil, err
		}
		cache[exchangeID] = t
		return t, nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
