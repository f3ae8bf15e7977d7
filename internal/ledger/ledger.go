// Package ledger implements the order ledger: an append- and
// update-only store keyed by internal id, durable across process
// restarts, supporting atomic single-row updates and aggregation
// queries by purpose and time window.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"mmagent/internal/tradingapi"
)

// ClosureCause tags why a ledger row was closed.
type ClosureCause string

const (
	CauseExpired        ClosureCause = "expired"
	CauseOutOfPWRange   ClosureCause = "outOfPwRange"
	CauseUserCommand    ClosureCause = "userCommand"
	CauseExternalCancel ClosureCause = "externalCancel"
	CauseFilled         ClosureCause = "filled"
)

// Order is the central record.
type Order struct {
	InternalID string // stable across restarts
	ExchangeID string // exchange-assigned id, empty until placed
	Pair       tradingapi.Pair
	Side       tradingapi.Side
	Kind       tradingapi.OrderKind
	Purpose    tradingapi.Purpose

	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time

	Price decimal.Decimal

	BaseAmount     decimal.Decimal
	QuoteAmount    decimal.Decimal
	BaseFilled     decimal.Decimal
	QuoteFilled    decimal.Decimal
	BaseRemaining  decimal.Decimal
	QuoteRemaining decimal.Decimal

	Processed bool
	Executed  bool
	Cancelled bool
	Closed    bool

	LadderIndex     int // 0 when not a ladder order
	LadderState     string
	NotPlacedReason string
	ClosureCause    ClosureCause

	// MissingStrikes counts consecutive "unknown" observations from the
	// reconciler's two-strike rule.
	MissingStrikes int
}

// NewOrder builds an Order with a fresh internal id and createdAt/updatedAt stamped now.
func NewOrder(pair tradingapi.Pair, side tradingapi.Side, kind tradingapi.OrderKind, purpose tradingapi.Purpose, price, baseAmount decimal.Decimal) Order {
	now := time.Now()
	return Order{
		InternalID:    uuid.NewString(),
		Pair:          pair,
		Side:          side,
		Kind:          kind,
		Purpose:       purpose,
		CreatedAt:     now,
		UpdatedAt:     now,
		Price:         price,
		BaseAmount:    baseAmount,
		BaseRemaining: baseAmount,
	}
}

// Patch is a partial update applied atomically by internal id.
type Patch struct {
	ExchangeID      *string
	Status          *tradingapi.OrderStatus
	BaseFilled      *decimal.Decimal
	QuoteFilled     *decimal.Decimal
	BaseRemaining   *decimal.Decimal
	QuoteRemaining  *decimal.Decimal
	Closed          *bool
	Cancelled       *bool
	Executed        *bool
	ClosureCause    *ClosureCause
	MissingStrikes  *int
	NotPlacedReason *string
}

// Ledger is the sqlite-backed order store.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and initializes tables.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY under this workload
	l := &Ledger{db: db}
	if err := l.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// DB exposes the underlying handle so tradeparams can share the same database file.
func (l *Ledger) DB() *sql.DB { return l.db }

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) initTables() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			internal_id TEXT PRIMARY KEY,
			exchange_id TEXT NOT NULL DEFAULT '',
			base TEXT NOT NULL,
			quote TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			purpose TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			updated_at DATETIME NOT NULL,
			price TEXT NOT NULL,
			base_amount TEXT NOT NULL,
			quote_amount TEXT NOT NULL DEFAULT '0',
			base_filled TEXT NOT NULL DEFAULT '0',
			quote_filled TEXT NOT NULL DEFAULT '0',
			base_remaining TEXT NOT NULL DEFAULT '0',
			quote_remaining TEXT NOT NULL DEFAULT '0',
			processed INTEGER NOT NULL DEFAULT 0,
			executed INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0,
			closed INTEGER NOT NULL DEFAULT 0,
			ladder_index INTEGER NOT NULL DEFAULT 0,
			ladder_state TEXT NOT NULL DEFAULT '',
			not_placed_reason TEXT NOT NULL DEFAULT '',
			closure_cause TEXT NOT NULL DEFAULT '',
			missing_strikes INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("ledger: create orders table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(closed, purpose, base, quote)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_purpose_time ON orders(purpose, created_at)`,
	}
	for _, idx := range indices {
		if _, err := l.db.Exec(idx); err != nil {
			return fmt.Errorf("ledger: create index: %w", err)
		}
	}
	return nil
}

// Insert appends a new ledger row.
func (l *Ledger) Insert(o Order) error {
	_, err := l.db.Exec(`
		INSERT INTO orders (
			internal_id, exchange_id, base, quote, side, kind, purpose,
			created_at, expires_at, updated_at, price, base_amount, quote_amount,
			base_filled, quote_filled, base_remaining, quote_remaining,
			processed, executed, cancelled, closed, ladder_index, ladder_state,
			not_placed_reason, closure_cause, missing_strikes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.InternalID, o.ExchangeID, o.Pair.Base, o.Pair.Quote, string(o.Side), string(o.Kind), string(o.Purpose),
		o.CreatedAt, nullTime(o.ExpiresAt), o.UpdatedAt, o.Price.String(), o.BaseAmount.String(), o.QuoteAmount.String(),
		o.BaseFilled.String(), o.QuoteFilled.String(), o.BaseRemaining.String(), o.QuoteRemaining.String(),
		boolToInt(o.Processed), boolToInt(o.Executed), boolToInt(o.Cancelled), boolToInt(o.Closed),
		o.LadderIndex, o.LadderState, o.NotPlacedReason, string(o.ClosureCause), o.MissingStrikes,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert %s: %w", o.InternalID, err)
	}
	return nil
}

// Update applies patch to the row with the given internal id. Idempotent
// under retry: reapplying the same patch to the same id leaves the row
// in the same state.
func (l *Ledger) Update(internalID string, patch Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}

	if patch.ExchangeID != nil {
		sets = append(sets, "exchange_id = ?")
		args = append(args, *patch.ExchangeID)
	}
	if patch.BaseFilled != nil {
		sets = append(sets, "base_filled = ?")
		args = append(args, patch.BaseFilled.String())
	}
	if patch.QuoteFilled != nil {
		sets = append(sets, "quote_filled = ?")
		args = append(args, patch.QuoteFilled.String())
	}
	if patch.BaseRemaining != nil {
		sets = append(sets, "base_remaining = ?")
		args = append(args, patch.BaseRemaining.String())
	}
	if patch.QuoteRemaining != nil {
		sets = append(sets, "quote_remaining = ?")
		args = append(args, patch.QuoteRemaining.String())
	}
	if patch.Closed != nil {
		sets = append(sets, "closed = ?")
		args = append(args, boolToInt(*patch.Closed))
	}
	if patch.Cancelled != nil {
		sets = append(sets, "cancelled = ?")
		args = append(args, boolToInt(*patch.Cancelled))
	}
	if patch.Executed != nil {
		sets = append(sets, "executed = ?")
		args = append(args, boolToInt(*patch.Executed))
	}
	if patch.ClosureCause != nil {
		sets = append(sets, "closure_cause = ?")
		args = append(args, string(*patch.ClosureCause))
	}
	if patch.MissingStrikes != nil {
		sets = append(sets, "missing_strikes = ?")
		args = append(args, *patch.MissingStrikes)
	}
	if patch.NotPlacedReason != nil {
		sets = append(sets, "not_placed_reason = ?")
		args = append(args, *patch.NotPlacedReason)
	}

	query := "UPDATE orders SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE internal_id = ?"
	args = append(args, internalID)

	_, err := l.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("ledger: update %s: %w", internalID, err)
	}
	return nil
}

// FindOpen returns open (closed=false) orders matching the given
// purposes and pair. An empty purposes slice matches any purpose.
func (l *Ledger) FindOpen(pair tradingapi.Pair, purposes ...tradingapi.Purpose) ([]Order, error) {
	query := `SELECT ` + selectColumns + ` FROM orders WHERE closed = 0 AND base = ? AND quote = ?`
	args := []any{pair.Base, pair.Quote}
	if len(purposes) > 0 {
		query += " AND purpose IN (" + placeholders(len(purposes)) + ")"
		for _, p := range purposes {
			args = append(args, string(p))
		}
	}
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: findOpen: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FindByID returns the row with the given internal id, or sql.ErrNoRows.
func (l *Ledger) FindByID(internalID string) (Order, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM orders WHERE internal_id = ?`, internalID)
	if err != nil {
		return Order{}, fmt.Errorf("ledger: findById: %w", err)
	}
	defer rows.Close()
	orders, err := scanOrders(rows)
	if err != nil {
		return Order{}, err
	}
	if len(orders) == 0 {
		return Order{}, sql.ErrNoRows
	}
	return orders[0], nil
}

// Window is a statsByPurpose aggregation window.
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// PurposeStats is one purpose's aggregated counts over a window.
type PurposeStats struct {
	Purpose      tradingapi.Purpose
	TotalOrders  int
	ClosedOrders int
	FilledOrders int
}

// StatsByPurpose aggregates order counts by purpose over the given
// window, for the listed purposes (or all purposes if empty).
func (l *Ledger) StatsByPurpose(pair tradingapi.Pair, window Window, purposes ...tradingapi.Purpose) ([]PurposeStats, error) {
	query := `
		SELECT purpose,
			COUNT(*) AS total,
			SUM(closed) AS closed_count,
			SUM(CASE WHEN closure_cause = 'filled' THEN 1 ELSE 0 END) AS filled_count
		FROM orders
		WHERE base = ? AND quote = ?
	`
	args := []any{pair.Base, pair.Quote}

	if cutoff, ok := windowCutoff(window); ok {
		query += " AND created_at >= ?"
		args = append(args, cutoff)
	}
	if len(purposes) > 0 {
		query += " AND purpose IN (" + placeholders(len(purposes)) + ")"
		for _, p := range purposes {
			args = append(args, string(p))
		}
	}
	query += " GROUP BY purpose"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: statsByPurpose: %w", err)
	}
	defer rows.Close()

	var out []PurposeStats
	for rows.Next() {
		var s PurposeStats
		var purpose string
		if err := rows.Scan(&purpose, &s.TotalOrders, &s.ClosedOrders, &s.FilledOrders); err != nil {
			return nil, fmt.Errorf("ledger: scan stats: %w", err)
		}
		s.Purpose = tradingapi.Purpose(purpose)
		out = append(out, s)
	}
	return out, nil
}

func windowCutoff(w Window) (time.Time, bool) {
	now := time.Now()
	switch w {
	case WindowHour:
		return now.Add(-time.Hour), true
	case WindowDay:
		return now.AddDate(0, 0, -1), true
	case WindowMonth:
		return now.AddDate(0, -1, 0), true
	default:
		return time.Time{}, false
	}
}

const selectColumns = `
	internal_id, exchange_id, base, quote, side, kind, purpose,
	created_at, expires_at, updated_at, price, base_amount, quote_amount,
	base_filled, quote_filled, base_remaining, quote_remaining,
	processed, executed, cancelled, closed, ladder_index, ladder_state,
	not_placed_reason, closure_cause, missing_strikes
`

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		var o Order
		var base, quote, side, kind, purpose, price, baseAmt, quoteAmt, baseFilled, quoteFilled, baseRem, quoteRem, ladderState, notPlaced, closureCause string
		var expiresAt sql.NullTime
		var processed, executed, cancelled, closed int

		err := rows.Scan(
			&o.InternalID, &o.ExchangeID, &base, &quote, &side, &kind, &purpose,
			&o.CreatedAt, &expiresAt, &o.UpdatedAt, &price, &baseAmt, &quoteAmt,
			&baseFilled, &quoteFilled, &baseRem, &quoteRem,
			&processed, &executed, &cancelled, &closed, &o.LadderIndex, &ladderState,
			&notPlaced, &closureCause, &o.MissingStrikes,
		)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}

		o.Pair = tradingapi.Pair{Base: base, Quote: quote}
		o.Side = tradingapi.Side(side)
		o.Kind = tradingapi.OrderKind(kind)
		o.Purpose = tradingapi.Purpose(purpose)
		o.Price = parseDecimal(price)
		o.BaseAmount = parseDecimal(baseAmt)
		o.QuoteAmount = parseDecimal(quoteAmt)
		o.BaseFilled = parseDecimal(baseFilled)
		o.QuoteFilled = parseDecimal(quoteFilled)
		o.BaseRemaining = parseDecimal(baseRem)
		o.QuoteRemaining = parseDecimal(quoteRem)
		o.Processed = processed != 0
		o.Executed = executed != 0
		o.Cancelled = cancelled != 0
		o.Closed = closed != 0
		o.LadderState = ladderState
		o.NotPlacedReason = notPlaced
		o.ClosureCause = ClosureCause(closureCause)
		if expiresAt.Valid {
			o.ExpiresAt = expiresAt.Time
		}

		out = append(out, o)
	}
	return out, rows.Err()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
