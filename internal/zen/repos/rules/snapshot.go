package rules

import (
	"strings"

	"github.com/anassk/zenflowd/internal/zen/common/utils"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

// Snapshot is one rule set compiled for per-packet matching. It is immutable
// after Compile: lookups touch only frozen maps, a frozen Bloom filter, and
// the snapshot-private decision cache. The packet path therefore never sees
// a half-updated rule set; swaps replace the whole snapshot reference.
type Snapshot struct {
	id      uint64
	ruleSet string
	def     domain.Policy
	exact   map[string]domain.Rule
	subtree map[string]domain.Rule
	bloom   BloomFilter
	cache   DecisionCache
}

// Compile builds a Snapshot from the active rules of rs. The Bloom filter
// holds every active rule name; membership is tested per label suffix, so a
// definitive negative skips the map walk entirely.
func Compile(rs domain.RuleSet, id uint64, bf BloomFactory, cf CacheFactory, cacheSize int, fpRate float64) (*Snapshot, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}

	active := rs.ActiveRules()
	s := &Snapshot{
		id:      id,
		ruleSet: rs.Name,
		def:     rs.Default,
		exact:   make(map[string]domain.Rule),
		subtree: make(map[string]domain.Rule),
	}

	filter := bf.New(uint64(len(active)), fpRate)
	for _, r := range active {
		switch r.Mode {
		case domain.MatchExact:
			s.exact[r.Name] = r
		case domain.MatchSubtree:
			s.subtree[r.Name] = r
		}
		filter.Add([]byte(r.Name))
	}
	s.bloom = filter

	cache, err := cf.New(cacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// ID returns the snapshot's identity, unique per compile within the store.
func (s *Snapshot) ID() uint64 { return s.id }

// RuleSet returns the name of the rule set this snapshot was compiled from.
func (s *Snapshot) RuleSet() string { return s.ruleSet }

// Default returns the compiled default policy.
func (s *Snapshot) Default() domain.Policy { return s.def }

// Len returns the number of compiled (active) rules.
func (s *Snapshot) Len() int { return len(s.exact) + len(s.subtree) }

// CacheStats exposes the snapshot cache counters.
func (s *Snapshot) CacheStats() (hits, misses, evictions uint64) {
	return s.cache.Stats()
}

// Decide evaluates one hostname. Malformed hostnames yield a non-blocked
// decision plus a ParseError for the caller to log; they never panic and are
// never cached. The result depends only on the hostname and this snapshot's
// contents.
func (s *Snapshot) Decide(host string) (domain.Decision, error) {
	cn := utils.CanonicalHostname(host)
	if cn == "" || !utils.ValidHostname(cn) {
		d := domain.EmptyDecision()
		d.RuleSet = s.ruleSet
		d.SnapshotID = s.id
		return d, domain.NewParseError("hostname", nil)
	}

	if d, ok := s.cache.Get(cn); ok {
		return d, nil
	}

	var d domain.Decision
	if !s.mightMatch(cn) {
		d = s.defaultDecision()
	} else {
		d = s.lookup(cn)
	}
	s.cache.Put(cn, d)
	return d, nil
}

// mightMatch walks the hostname's label suffixes, most-specific first, and
// reports whether any could be a rule. False means definitively no rule
// matches and the default policy applies.
func (s *Snapshot) mightMatch(cn string) bool {
	a := cn
	for {
		if s.bloom.MightContain([]byte(a)) {
			return true
		}
		i := strings.IndexByte(a, '.')
		if i < 0 {
			return false
		}
		a = a[i+1:]
		if a == "" {
			return false
		}
	}
}

// lookup consults the authoritative maps: an exact rule on the full name
// wins, then the subtree walk from most-specific suffix to apex.
func (s *Snapshot) lookup(cn string) domain.Decision {
	if r, ok := s.exact[cn]; ok {
		return s.matchedDecision(r)
	}
	a := cn
	for {
		if r, ok := s.subtree[a]; ok {
			return s.matchedDecision(r)
		}
		i := strings.IndexByte(a, '.')
		if i < 0 {
			return s.defaultDecision()
		}
		a = a[i+1:]
		if a == "" {
			return s.defaultDecision()
		}
	}
}

// matchedDecision inverts the default policy: listed rules are exceptions.
// Under allow-by-default a match blocks; under block-by-default it allows.
func (s *Snapshot) matchedDecision(r domain.Rule) domain.Decision {
	return domain.Decision{
		Blocked:     s.def == domain.PolicyAllow,
		MatchedRule: r.Name,
		Mode:        r.Mode,
		RuleSet:     s.ruleSet,
		SnapshotID:  s.id,
	}
}

func (s *Snapshot) defaultDecision() domain.Decision {
	return domain.Decision{
		Blocked:    s.def == domain.PolicyBlock,
		RuleSet:    s.ruleSet,
		SnapshotID: s.id,
	}
}
