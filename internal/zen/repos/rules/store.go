package rules

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/common/utils"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

// Store owns every rule set. Mutations (timer transitions, user edits)
// serialize on a mutex, persist before they commit, and republish the active
// set as a freshly compiled snapshot. The packet path reads the snapshot
// through an atomic pointer and never contends with writers.
type Store struct {
	mu      sync.Mutex
	sets    map[string]domain.RuleSet
	active  string
	version uint64

	snapshot atomic.Pointer[Snapshot]
	snapSeq  atomic.Uint64

	persister Persister
	blooms    BloomFactory
	caches    CacheFactory
	cacheSize int
	fpRate    float64
	clock     clock.Clock
}

// StoreOptions carries the Store's dependencies.
type StoreOptions struct {
	Persister    Persister
	BloomFactory BloomFactory
	CacheFactory CacheFactory
	CacheSize    int     // per-snapshot decision cache capacity, <= 0 disables
	FPRate       float64 // bloom false-positive target, e.g. 0.01
	Clock        clock.Clock
}

// Seed describes the rule sets created on first run.
type Seed struct {
	WorkSet   string   // default-block set activated during work sessions
	RestSet   string   // default-allow set for breaks and idle
	Allowlist []string // starter subtree exceptions compiled into the work set
}

// NewStore constructs a Store. Load must be called before use.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Persister == nil {
		return nil, fmt.Errorf("rules: persister is required")
	}
	if opts.BloomFactory == nil {
		return nil, fmt.Errorf("rules: bloom factory is required")
	}
	if opts.CacheFactory == nil {
		return nil, fmt.Errorf("rules: cache factory is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("rules: clock is required")
	}
	return &Store{
		sets:      make(map[string]domain.RuleSet),
		persister: opts.Persister,
		blooms:    opts.BloomFactory,
		caches:    opts.CacheFactory,
		cacheSize: opts.CacheSize,
		fpRate:    opts.FPRate,
		clock:     opts.Clock,
	}, nil
}

// Load reads persisted rule sets, seeds defaults on first run, validates
// store invariants, and publishes the initial snapshot. Invariant violations
// surface as RuleStoreInconsistency and are fatal to startup.
func (s *Store) Load(seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets, meta, err := s.persister.LoadAll()
	if err != nil {
		return fmt.Errorf("loading rule sets: %w", err)
	}

	s.sets = make(map[string]domain.RuleSet, len(sets))
	for _, rs := range sets {
		if err := rs.Validate(); err != nil {
			return domain.NewRuleStoreInconsistency("persisted rule set invalid: %v", err)
		}
		if _, dup := s.sets[rs.Name]; dup {
			return domain.NewRuleStoreInconsistency("duplicate persisted rule set %q", rs.Name)
		}
		s.sets[rs.Name] = rs
	}
	s.version = meta.Version
	s.active = meta.Active

	if len(s.sets) == 0 {
		if err := s.seedDefaults(seed); err != nil {
			return err
		}
	}

	if s.active == "" {
		// Fresh store: stay permissive until a session starts.
		s.active = seed.RestSet
		if err := s.persister.SaveMeta(Meta{Active: s.active, Version: s.version}); err != nil {
			return fmt.Errorf("persisting initial meta: %w", err)
		}
	}

	rs, ok := s.sets[s.active]
	if !ok {
		return domain.NewRuleStoreInconsistency("active rule set %q not found", s.active)
	}

	snap, err := s.compile(rs)
	if err != nil {
		return fmt.Errorf("compiling active rule set: %w", err)
	}
	s.snapshot.Store(snap)

	log.Info(map[string]any{
		"rule_sets": len(s.sets),
		"active":    s.active,
		"version":   s.version,
	}, "rule store loaded")
	return nil
}

// seedDefaults creates the work and rest sets. Invalid allowlist entries are
// skipped with a warning rather than failing startup.
func (s *Store) seedDefaults(seed Seed) error {
	now := s.clock.Now()

	work, err := domain.NewRuleSet(seed.WorkSet, domain.PolicyBlock)
	if err != nil {
		return fmt.Errorf("seeding work rule set: %w", err)
	}
	for _, name := range seed.Allowlist {
		cn := utils.CanonicalHostname(name)
		r, err := domain.NewRule(cn, domain.MatchSubtree, domain.OriginManual, now)
		if err != nil {
			log.Warn(map[string]any{"name": name, "error": err.Error()}, "skipping invalid allowlist seed")
			continue
		}
		if err := work.AddRule(r); err != nil {
			log.Warn(map[string]any{"name": cn, "error": err.Error()}, "skipping duplicate allowlist seed")
		}
	}

	rest, err := domain.NewRuleSet(seed.RestSet, domain.PolicyAllow)
	if err != nil {
		return fmt.Errorf("seeding rest rule set: %w", err)
	}

	for _, rs := range []domain.RuleSet{work, rest} {
		if err := s.persister.SaveRuleSet(rs); err != nil {
			return fmt.Errorf("persisting seeded rule set %q: %w", rs.Name, err)
		}
		s.sets[rs.Name] = rs
	}
	return nil
}

// ActiveSnapshot returns the compiled active rule set. Lock-free; safe on
// the packet path. Never nil after a successful Load.
func (s *Store) ActiveSnapshot() *Snapshot {
	return s.snapshot.Load()
}

// ActiveName returns the name of the active rule set.
func (s *Store) ActiveName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Version returns the committed mutation counter.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Get returns a copy of the named rule set.
func (s *Store) Get(name string) (domain.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sets[name]
	if !ok {
		return domain.RuleSet{}, fmt.Errorf("%w: %q", domain.ErrNoSuchRuleSet, name)
	}
	return rs.Clone(), nil
}

// List returns copies of every rule set.
func (s *Store) List() []domain.RuleSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RuleSet, 0, len(s.sets))
	for _, rs := range s.sets {
		out = append(out, rs.Clone())
	}
	return out
}

// Create adds a new empty rule set.
func (s *Store) Create(name string, def domain.Policy) error {
	rs, err := domain.NewRuleSet(name, def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sets[rs.Name]; exists {
		return fmt.Errorf("rule set %q already exists", rs.Name)
	}
	return s.commit(rs)
}

// AddRule adds a rule to the named set.
func (s *Store) AddRule(set string, r domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.sets[set]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrNoSuchRuleSet, set)
	}
	cl := rs.Clone()
	if err := cl.AddRule(r); err != nil {
		return err
	}
	return s.commit(cl)
}

// RemoveRule deletes a rule from the named set.
func (s *Store) RemoveRule(set, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.sets[set]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrNoSuchRuleSet, set)
	}
	cl := rs.Clone()
	if !cl.RemoveRule(utils.CanonicalHostname(name)) {
		return fmt.Errorf("%w: %q in %q", domain.ErrNoSuchRule, name, set)
	}
	return s.commit(cl)
}

// SetRuleActive toggles a rule's participation in matching.
func (s *Store) SetRuleActive(set, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.sets[set]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrNoSuchRuleSet, set)
	}
	cl := rs.Clone()
	if !cl.SetRuleActive(utils.CanonicalHostname(name), active) {
		return fmt.Errorf("%w: %q in %q", domain.ErrNoSuchRule, name, set)
	}
	return s.commit(cl)
}

// Activate makes the named rule set the one the packet path sees. The swap
// is atomic: packets classified before it land on the old snapshot, packets
// after it land on the new one, nothing in between. Activating the already
// active set is a no-op.
func (s *Store) Activate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.sets[name]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrNoSuchRuleSet, name)
	}
	if s.active == name {
		return nil
	}

	snap, err := s.compile(rs)
	if err != nil {
		return fmt.Errorf("compiling rule set %q: %w", name, err)
	}
	meta := Meta{Active: name, Version: s.version + 1}
	if err := s.persister.SaveMeta(meta); err != nil {
		return fmt.Errorf("persisting meta: %w", err)
	}

	s.active = name
	s.version = meta.Version
	s.snapshot.Store(snap)

	log.Info(map[string]any{
		"rule_set": name,
		"snapshot": snap.ID(),
		"rules":    snap.Len(),
		"default":  snap.Default().String(),
	}, "rule set activated")
	return nil
}

// Stats reports store and active-snapshot counters.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	version := s.version
	active := s.active
	count := len(s.sets)
	s.mu.Unlock()

	st := StoreStats{
		Version:  version,
		Active:   active,
		RuleSets: count,
	}
	if snap := s.snapshot.Load(); snap != nil {
		st.SnapshotID = snap.ID()
		st.ActiveRules = snap.Len()
		st.CacheHits, st.CacheMisses, st.Evictions = snap.CacheStats()
	}
	return st
}

// Close releases the persistence backend.
func (s *Store) Close() error {
	return s.persister.Close()
}

// commit persists rs and, when it is the active set, recompiles and swaps
// the snapshot before returning. Caller holds s.mu. The rule edit and the
// snapshot the packet path sees change together or not at all.
func (s *Store) commit(rs domain.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	var snap *Snapshot
	if rs.Name == s.active {
		var err error
		snap, err = s.compile(rs)
		if err != nil {
			return fmt.Errorf("compiling rule set %q: %w", rs.Name, err)
		}
	}

	if err := s.persister.SaveRuleSet(rs); err != nil {
		return fmt.Errorf("persisting rule set %q: %w", rs.Name, err)
	}
	meta := Meta{Active: s.active, Version: s.version + 1}
	if err := s.persister.SaveMeta(meta); err != nil {
		return fmt.Errorf("persisting meta: %w", err)
	}

	s.sets[rs.Name] = rs
	s.version = meta.Version
	if snap != nil {
		s.snapshot.Store(snap)
	}
	return nil
}

func (s *Store) compile(rs domain.RuleSet) (*Snapshot, error) {
	id := s.snapSeq.Add(1)
	return Compile(rs, id, s.blooms, s.caches, s.cacheSize, s.fpRate)
}
