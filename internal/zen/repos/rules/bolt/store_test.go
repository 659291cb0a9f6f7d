package bolt

import (
	"path/filepath"
	"testing"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/anassk/zenflowd/internal/zen/domain"
	"github.com/anassk/zenflowd/internal/zen/repos/rules"
)

func tempDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zen.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRuleSet(t *testing.T) domain.RuleSet {
	t.Helper()
	rs, err := domain.NewRuleSet("focus", domain.PolicyBlock)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	r, err := domain.NewRule("github.com", domain.MatchSubtree, domain.OriginManual,
		time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	if err := rs.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	return rs
}

func TestPersister_RoundTrip(t *testing.T) {
	db := tempDB(t)
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Fresh database: nothing persisted yet.
	sets, meta, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll on empty db: %v", err)
	}
	if len(sets) != 0 || meta.Active != "" || meta.Version != 0 {
		t.Fatalf("expected empty store, got sets=%d meta=%+v", len(sets), meta)
	}

	rs := testRuleSet(t)
	if err := p.SaveRuleSet(rs); err != nil {
		t.Fatalf("SaveRuleSet: %v", err)
	}
	if err := p.SaveMeta(rules.Meta{Active: "focus", Version: 3}); err != nil {
		t.Fatalf("SaveMeta: %v", err)
	}

	sets, meta, err = p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 rule set, got %d", len(sets))
	}
	got := sets[0]
	if got.Name != "focus" || got.Default != domain.PolicyBlock || len(got.Rules) != 1 {
		t.Fatalf("rule set did not round-trip: %+v", got)
	}
	r := got.Rules[0]
	if r.Name != "github.com" || r.Mode != domain.MatchSubtree || r.Origin != domain.OriginManual || !r.Active {
		t.Fatalf("rule did not round-trip: %+v", r)
	}
	if !r.AddedAt.Equal(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("AddedAt did not round-trip: %v", r.AddedAt)
	}
	if meta.Active != "focus" || meta.Version != 3 {
		t.Fatalf("meta did not round-trip: %+v", meta)
	}
}

func TestPersister_SaveOverwrites(t *testing.T) {
	db := tempDB(t)
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rs := testRuleSet(t)
	if err := p.SaveRuleSet(rs); err != nil {
		t.Fatalf("SaveRuleSet: %v", err)
	}

	// Saving the same name again replaces, not duplicates.
	rs.SetRuleActive("github.com", false)
	if err := p.SaveRuleSet(rs); err != nil {
		t.Fatalf("SaveRuleSet again: %v", err)
	}

	sets, _, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 rule set after overwrite, got %d", len(sets))
	}
	if sets[0].Rules[0].Active {
		t.Fatalf("expected overwritten rule to be inactive")
	}
}

func TestPersister_SharedDBClose(t *testing.T) {
	db := tempDB(t)
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Close must not close the shared handle.
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.SaveMeta(rules.Meta{Active: "focus", Version: 1}); err != nil {
		t.Fatalf("db unusable after persister Close: %v", err)
	}
}
