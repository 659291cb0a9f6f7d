package classifier

import "github.com/anassk/zenflowd/internal/zen/domain"

// RuleSnapshot is one immutable compiled rule set. Decide must be safe for
// concurrent use and deterministic for a given hostname.
type RuleSnapshot interface {
	// Decide evaluates one hostname. Malformed hostnames yield a non-blocked
	// decision plus an error; implementations never panic.
	Decide(host string) (domain.Decision, error)
	// ID identifies this snapshot; it changes whenever the rules change.
	ID() uint64
}

// SnapshotProvider hands out the currently active rule snapshot. The load
// must be cheap and lock-free; it runs once per packet.
type SnapshotProvider interface {
	ActiveSnapshot() RuleSnapshot
}
