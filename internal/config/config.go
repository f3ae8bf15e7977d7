// Package config defines the static, operator-set process configuration
// for the market-making agent. Config is loaded from a YAML file
// (default: configs/config.yaml) with credential fields overridable via
// MM_* environment variables.
//
// Config is distinct from tradeparams.Params: Config is read once at
// startup and never mutated afterward; tradeparams.Params is the live
// policy document commands act on.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"mmagent/internal/tradingapi"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun bool `mapstructure:"dry_run"`

	// Exchange is the adapter the agent trades on.
	Exchange ExchangeConfig `mapstructure:"exchange"`
	// SupportedExchanges lists every exchange the price watcher's
	// market-source mode may reference via "pair@exchange", resolved
	// through the same tradingapi adapter registry as Exchange.
	// When the list is non-empty, Validate requires Exchange's own id to appear in it.
	SupportedExchanges []ExchangeConfig `mapstructure:"supported_exchanges"`

	Pair PairConfig `mapstructure:"pair"`

	RateInfo RateInfoConfig `mapstructure:"rate_info"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// AmountToConfirmUSD seeds tradeparams.Params.AmountToConfirmUSD at
	// first boot. Kept as a string in the YAML/mapstructure layer and
	// parsed once at startup into a decimal.Decimal.
	AmountToConfirmUSD string `mapstructure:"amount_to_confirm_usd"`
}

// ExchangeConfig holds one exchange's identity and credentials.
type ExchangeConfig struct {
	ID         string `mapstructure:"id"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
	PrivateKey string `mapstructure:"private_key"`
	BaseURL    string `mapstructure:"base_url"`
	WSURL      string `mapstructure:"ws_url"`
}

// AdapterConfig converts an ExchangeConfig into the registry-facing shape.
func (e ExchangeConfig) AdapterConfig(dryRun bool) tradingapi.AdapterConfig {
	return tradingapi.AdapterConfig{
		ExchangeID: e.ID,
		APIKey:     e.APIKey,
		APISecret:  e.APISecret,
		Passphrase: e.Passphrase,
		PrivateKey: e.PrivateKey,
		BaseURL:    e.BaseURL,
		WSURL:      e.WSURL,
		DryRun:     dryRun,
	}
}

// PairConfig is the traded pair's symbols.
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// Pair converts to the tradingapi vocabulary.
func (p PairConfig) Pair() tradingapi.Pair {
	return tradingapi.Pair{Base: p.Base, Quote: p.Quote}
}

// RateInfoConfig points at the external price-conversion service.
type RateInfoConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// LedgerConfig sets where the ledger/tradeParams sqlite database lives.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// NotifyConfig tunes the notification delivery seam: channel
// identities only, since the chat transport itself lives outside this
// module.
type NotifyConfig struct {
	Channels       []string      `mapstructure:"channels"`
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only operational HTTP server
// (ledger/tradeParams/price-watcher snapshots plus /metrics).
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Credential fields use env vars: MM_API_KEY, MM_API_SECRET,
// MM_API_PASSPHRASE, MM_PRIVATE_KEY, MM_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if pass := os.Getenv("MM_API_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if key := os.Getenv("MM_PRIVATE_KEY"); key != "" {
		cfg.Exchange.PrivateKey = key
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.ID == "" {
		return fmt.Errorf("exchange.id is required")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Pair.Base == "" || c.Pair.Quote == "" {
		return fmt.Errorf("pair.base and pair.quote are required")
	}
	if c.RateInfo.BaseURL == "" {
		return fmt.Errorf("rate_info.base_url is required")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.AmountToConfirmUSD != "" {
		if _, err := decimal.NewFromString(c.AmountToConfirmUSD); err != nil {
			return fmt.Errorf("amount_to_confirm_usd: %w", err)
		}
	}
	found := false
	for _, e := range c.SupportedExchanges {
		if e.ID == c.Exchange.ID {
			found = true
		}
		if e.ID == "" {
			return fmt.Errorf("supported_exchanges entries require an id")
		}
	}
	if len(c.SupportedExchanges) > 0 && !found {
		return fmt.Errorf("supported_exchanges must include exchange.id (%q)", c.Exchange.ID)
	}
	return nil
}
