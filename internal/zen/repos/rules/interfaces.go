package rules

import "github.com/anassk/zenflowd/internal/zen/domain"

// BloomFilter is the minimal interface a compiled snapshot needs from its
// negative pre-filter. Filters are frozen once compilation finishes.
type BloomFilter interface {
	Add(key []byte)
	MightContain(key []byte) bool
}

// BloomFactory sizes and builds Bloom filters from rule capacity and a
// target false-positive rate.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// DecisionCache caches decisions by canonical hostname with basic metrics.
// Each snapshot owns one, so cached decisions can never outlive the rules
// they were derived from.
type DecisionCache interface {
	Get(host string) (domain.Decision, bool)
	Put(host string, d domain.Decision)
	Len() int
	Stats() (hits, misses, evictions uint64)
}

// CacheFactory builds a DecisionCache per compiled snapshot.
type CacheFactory interface {
	New(size int) (DecisionCache, error)
}

// Meta is the store-level bookkeeping persisted alongside the rule sets.
type Meta struct {
	Active  string // name of the active rule set
	Version uint64 // bumped on every committed mutation
}

// Persister is the durable backend for rule sets and store metadata.
// Implementations must round-trip every field losslessly.
type Persister interface {
	SaveRuleSet(rs domain.RuleSet) error
	SaveMeta(m Meta) error
	LoadAll() ([]domain.RuleSet, Meta, error)
	Close() error
}

// StoreStats exposes counters for the status surface.
type StoreStats struct {
	Version     uint64
	Active      string
	SnapshotID  uint64
	RuleSets    int
	ActiveRules int
	CacheHits   uint64
	CacheMisses uint64
	Evictions   uint64
}
