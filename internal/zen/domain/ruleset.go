package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateRule is returned when a rule's name is already present in the
// set.
var ErrDuplicateRule = errors.New("duplicate rule")

// Policy is a RuleSet's default stance toward hosts no rule matches.
type Policy uint8

const (
	// PolicyAllow accepts unmatched hosts; listed rules become a blocklist.
	PolicyAllow Policy = iota
	// PolicyBlock drops unmatched hosts; listed rules become an allowlist.
	PolicyBlock
)

// String returns a stable string representation of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyAllow:
		return "allow"
	case PolicyBlock:
		return "block"
	default:
		return fmt.Sprintf("Policy(%d)", p)
	}
}

// ParsePolicy converts a string into a Policy.
// Accepts: "allow", "block" (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return PolicyAllow, nil
	case "block":
		return PolicyBlock, nil
	default:
		return 0, fmt.Errorf("unsupported Policy: %q", s)
	}
}

// MarshalText encodes the policy as its string form for JSON round-trips.
func (p Policy) MarshalText() ([]byte, error) {
	switch p {
	case PolicyAllow, PolicyBlock:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("unsupported Policy: %d", p)
	}
}

// UnmarshalText decodes the string form produced by MarshalText.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// RuleSet is a named collection of rules plus the default policy applied
// when no rule matches. Listed rules are exceptions to the default: under
// block-by-default a match means the host is allowed (work-mode allowlist),
// under allow-by-default a match means the host is blocked (rest-mode
// blocklist).
type RuleSet struct {
	Name    string `json:"name"`
	Default Policy `json:"default"`
	Rules   []Rule `json:"rules"`
}

// NewRuleSet constructs an empty RuleSet with the given default policy.
func NewRuleSet(name string, def Policy) (RuleSet, error) {
	rs := RuleSet{
		Name:    strings.TrimSpace(name),
		Default: def,
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate checks set-level invariants: non-empty name, a supported policy,
// valid rules, and no duplicate rule names.
func (rs RuleSet) Validate() error {
	if rs.Name == "" {
		return fmt.Errorf("rule set name must not be empty")
	}
	switch rs.Default {
	case PolicyAllow, PolicyBlock:
	default:
		return fmt.Errorf("unsupported Policy: %d", rs.Default)
	}
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule set %q: %w", rs.Name, err)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("rule set %q: %w %q", rs.Name, ErrDuplicateRule, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// FindRule returns the rule with the given canonical name, if present.
func (rs RuleSet) FindRule(name string) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// ActiveRules returns only the rules that participate in matching.
func (rs RuleSet) ActiveRules() []Rule {
	out := make([]Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// AddRule appends a validated rule; duplicate names are rejected.
func (rs *RuleSet) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, exists := rs.FindRule(r.Name); exists {
		return fmt.Errorf("rule set %q: %w %q", rs.Name, ErrDuplicateRule, r.Name)
	}
	rs.Rules = append(rs.Rules, r)
	return nil
}

// RemoveRule deletes the named rule. Returns false when absent.
func (rs *RuleSet) RemoveRule(name string) bool {
	for i, r := range rs.Rules {
		if r.Name == name {
			rs.Rules = append(rs.Rules[:i], rs.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetRuleActive flips the Active flag on the named rule.
// Returns false when absent.
func (rs *RuleSet) SetRuleActive(name string, active bool) bool {
	for i := range rs.Rules {
		if rs.Rules[i].Name == name {
			rs.Rules[i].Active = active
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without sharing the
// backing rule slice.
func (rs RuleSet) Clone() RuleSet {
	out := rs
	out.Rules = make([]Rule, len(rs.Rules))
	copy(out.Rules, rs.Rules)
	return out
}
