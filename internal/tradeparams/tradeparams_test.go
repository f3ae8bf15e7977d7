package tradeparams

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "params.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(db, "default")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestOpenSeedsDefault(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	p := s.Snapshot()
	if p.Policy != PolicyOptimal {
		t.Errorf("policy = %q, want %q", p.Policy, PolicyOptimal)
	}
	if p.IsActive {
		t.Error("default should start inactive")
	}
}

func TestMutatePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "params.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	s, err := Open(db, "default")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	err = s.Mutate(func(p *Params) {
		p.IsActive = true
		p.Policy = PolicySpread
		p.AmountRange = AmountRange{Min: decimal.NewFromFloat(1), Max: decimal.NewFromFloat(2)}
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	reopened, err := Open(db, "default")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	p := reopened.Snapshot()
	if !p.IsActive {
		t.Error("expected isActive=true to survive reopen")
	}
	if p.Policy != PolicySpread {
		t.Errorf("policy = %q, want %q", p.Policy, PolicySpread)
	}
	if !p.AmountRange.Max.Equal(decimal.NewFromFloat(2)) {
		t.Errorf("amountRange.max = %s, want 2", p.AmountRange.Max)
	}
}

func TestSnapshotIsACopyNotALiveView(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	snap := s.Snapshot()
	snap.IsActive = true // mutate the copy

	if s.Snapshot().IsActive {
		t.Error("mutating a snapshot must not affect the store's cached document")
	}
}
