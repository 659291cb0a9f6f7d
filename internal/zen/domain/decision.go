package domain

// Decision represents the outcome of evaluating a hostname against the
// active rule set snapshot. Pure value type, no external dependencies.
type Decision struct {
	Blocked     bool      // final disposition for the hostname
	MatchedRule string    // rule name that matched, empty when the default applied
	Mode        MatchMode // match mode of the matched rule
	RuleSet     string    // name of the rule set the snapshot was compiled from
	SnapshotID  uint64    // identity of the snapshot that produced this decision
}

// IsBlocked is a convenience accessor.
func (d Decision) IsBlocked() bool { return d.Blocked }

// Matched reports whether a rule, rather than the default policy, decided.
func (d Decision) Matched() bool { return d.MatchedRule != "" }

// EmptyDecision returns a not-blocked decision with no snapshot attribution.
func EmptyDecision() Decision { return Decision{Blocked: false} }
