// Package tradeparams implements the live, operator-mutable policy
// document, distinct from the static process Config: every scheduler
// tick reads a snapshot, and every mutation comes from a command
// action and is persisted immediately.
package tradeparams

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Policy is the mm policy tag.
type Policy string

const (
	PolicyOptimal Policy = "optimal" // builder + provider + price defense
	PolicySpread  Policy = "spread"  // builder + tight spread
	PolicyDepth   Policy = "depth"   // provider only, no price-moving
)

// Trend is the liquidity-provider skew.
type Trend string

const (
	TrendMiddle   Trend = "middle"
	TrendUptrend  Trend = "uptrend"
	TrendDowntrend Trend = "downtrend"
)

// PWSource is where the price watcher's band comes from.
type PWSource string

const (
	PWSourceNumeric PWSource = "numeric"
	PWSourceMarket  PWSource = "market"
)

// PWAction is what happens when price escapes the watcher's band.
type PWAction string

const (
	PWActionFill    PWAction = "fill"
	PWActionPrevent PWAction = "prevent"
)

// PWPolicy governs staleness tolerance.
type PWPolicy string

const (
	PWPolicySmart  PWPolicy = "smart"
	PWPolicyStrict PWPolicy = "strict"
)

// AmountRange is an inclusive [min, max] bound.
type AmountRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// IntervalRange is an inclusive [min, max] duration bound, in milliseconds.
type IntervalRange struct {
	MinMS int64
	MaxMS int64
}

// Params is the full mutable trade-parameters document.
type Params struct {
	IsActive bool
	Policy   Policy

	OBActive       bool
	OBOrdersCount  int
	OBBuyPercent   float64 // mm_buyPercent, 0-100
	OBHeight       int     // mm_orderBookHeight
	OBMaxOrderPct  float64 // mm_orderBookMaxOrderPercent

	LiqActive            bool
	LiqSellAmount        decimal.Decimal // mm_liquiditySellAmount (base)
	LiqBuyQuoteAmount    decimal.Decimal // mm_liquidityBuyQuoteAmount, quote-denominated
	LiqSpreadPercent     float64
	LiqTrend             Trend

	PWActive bool
	PWLow    decimal.Decimal
	PWHigh   decimal.Decimal
	PWSource PWSource
	// PWSourceRef is the "pair@exchange" reference when PWSource == PWSourceMarket.
	PWSourceRef        string
	PWDeviationPercent float64
	PWAction           PWAction
	PWPolicy           PWPolicy

	AmountRange   AmountRange
	IntervalRange IntervalRange

	AmountToConfirmUSD decimal.Decimal
}

// Default returns a conservative starting document: everything inactive,
// policy optimal, an empty amount range, a 1.5-3s interval range.
// Operators activate subsystems via commands.
func Default() Params {
	return Params{
		Policy:        PolicyOptimal,
		OBOrdersCount: 10,
		OBBuyPercent:  50,
		OBHeight:      10,
		OBMaxOrderPct: 100,
		LiqTrend:      TrendMiddle,
		PWPolicy:      PWPolicySmart,
		PWAction:      PWActionFill,
		AmountRange:   AmountRange{Min: decimal.Zero, Max: decimal.Zero},
		IntervalRange: IntervalRange{MinMS: 1500, MaxMS: 3000},
	}
}

// Store persists Params as a single JSON-encoded row, snapshot-read /
// exclusive-write: a single owned configuration object every reader
// sees atomically.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	key    string
	cached Params
}

// Open initializes the tradeparams table on db (shared with the
// ledger's database handle) and loads the current document, seeding it
// with Default() if absent.
func Open(db *sql.DB, key string) (*Store, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trade_params (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("tradeparams: create table: %w", err)
	}

	s := &Store{db: db, key: key}
	p, err := s.load()
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, err
		}
		p = Default()
		if err := s.save(p); err != nil {
			return nil, err
		}
	}
	s.cached = p
	return s, nil
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

// Mutate applies fn to a copy of the current document, persists the
// result, and updates the cached snapshot. The command processor and
// Scheduler.Pause/Resume call Mutate.
func (s *Store) Mutate(fn func(*Params)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cached
	fn(&next)
	if err := s.save(next); err != nil {
		return err
	}
	s.cached = next
	return nil
}

func (s *Store) load() (Params, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM trade_params WHERE key = ?`, s.key).Scan(&raw)
	if err != nil {
		return Params{}, err
	}
	var wire paramsWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Params{}, fmt.Errorf("tradeparams: unmarshal: %w", err)
	}
	return wire.toParams(), nil
}

func (s *Store) save(p Params) error {
	raw, err := json.Marshal(fromParams(p))
	if err != nil {
		return fmt.Errorf("tradeparams: marshal: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO trade_params (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, s.key, string(raw))
	if err != nil {
		return fmt.Errorf("tradeparams: save: %w", err)
	}
	return nil
}

// paramsWire is the JSON-friendly mirror of Params (decimals as strings).
type paramsWire struct {
	IsActive           bool    `json:"isActive"`
	Policy             string  `json:"policy"`
	OBActive           bool    `json:"obActive"`
	OBOrdersCount      int     `json:"obOrdersCount"`
	OBBuyPercent       float64 `json:"obBuyPercent"`
	OBHeight           int     `json:"obHeight"`
	OBMaxOrderPct      float64 `json:"obMaxOrderPct"`
	LiqActive          bool    `json:"liqActive"`
	LiqSellAmount      string  `json:"liqSellAmount"`
	LiqBuyQuoteAmount  string  `json:"liqBuyQuoteAmount"`
	LiqSpreadPercent   float64 `json:"liqSpreadPercent"`
	LiqTrend           string  `json:"liqTrend"`
	PWActive           bool    `json:"pwActive"`
	PWLow              string  `json:"pwLow"`
	PWHigh             string  `json:"pwHigh"`
	PWSource           string  `json:"pwSource"`
	PWSourceRef        string  `json:"pwSourceRef"`
	PWDeviationPercent float64 `json:"pwDeviationPercent"`
	PWAction           string  `json:"pwAction"`
	PWPolicy           string  `json:"pwPolicy"`
	AmountMin          string  `json:"amountMin"`
	AmountMax          string  `json:"amountMax"`
	IntervalMinMS      int64   `json:"intervalMinMs"`
	IntervalMaxMS      int64   `json:"intervalMaxMs"`
	AmountToConfirmUSD string  `json:"amountToConfirmUsd"`
}

func fromParams(p Params) paramsWire {
	return paramsWire{
		IsActive: p.IsActive, Policy: string(p.Policy),
		OBActive: p.OBActive, OBOrdersCount: p.OBOrdersCount, OBBuyPercent: p.OBBuyPercent,
		OBHeight: p.OBHeight, OBMaxOrderPct: p.OBMaxOrderPct,
		LiqActive: p.LiqActive, LiqSellAmount: p.LiqSellAmount.String(), LiqBuyQuoteAmount: p.LiqBuyQuoteAmount.String(),
		LiqSpreadPercent: p.LiqSpreadPercent, LiqTrend: string(p.LiqTrend),
		PWActive: p.PWActive, PWLow: p.PWLow.String(), PWHigh: p.PWHigh.String(),
		PWSource: string(p.PWSource), PWSourceRef: p.PWSourceRef, PWDeviationPercent: p.PWDeviationPercent,
		PWAction: string(p.PWAction), PWPolicy: string(p.PWPolicy),
		AmountMin: p.AmountRange.Min.String(), AmountMax: p.AmountRange.Max.String(),
		IntervalMinMS: p.IntervalRange.MinMS, IntervalMaxMS: p.IntervalRange.MaxMS,
		AmountToConfirmUSD: p.AmountToConfirmUSD.String(),
	}
}

func (w paramsWire) toParams() Params {
	return Params{
		IsActive: w.IsActive, Policy: Policy(w.Policy),
		OBActive: w.OBActive, OBOrdersCount: w.OBOrdersCount, OBBuyPercent: w.OBBuyPercent,
		OBHeight: w.OBHeight, OBMaxOrderPct: w.OBMaxOrderPct,
		LiqActive: w.LiqActive, LiqSellAmount: parseDecimalOrZero(w.LiqSellAmount), LiqBuyQuoteAmount: parseDecimalOrZero(w.LiqBuyQuoteAmount),
		LiqSpreadPercent: w.LiqSpreadPercent, LiqTrend: Trend(w.LiqTrend),
		PWActive: w.PWActive, PWLow: parseDecimalOrZero(w.PWLow), PWHigh: parseDecimalOrZero(w.PWHigh),
		PWSource: PWSource(w.PWSource), PWSourceRef: w.PWSourceRef, PWDeviationPercent: w.PWDeviationPercent,
		PWAction: PWAction(w.PWAction), PWPolicy: PWPolicy(w.PWPolicy),
		AmountRange:   AmountRange{Min: parseDecimalOrZero(w.AmountMin), Max: parseDecimalOrZero(w.AmountMax)},
		IntervalRange: IntervalRange{MinMS: w.IntervalMinMS, MaxMS: w.IntervalMaxMS},
		AmountToConfirmUSD: parseDecimalOrZero(w.AmountToConfirmUSD),
	}
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
