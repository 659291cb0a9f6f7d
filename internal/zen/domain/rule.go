package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/anassk/zenflowd/internal/zen/common/utils"
)

// MatchMode defines how a rule matches hostnames.
//
// exact   - matches the rule's name only (host == name)
// subtree - matches the name and any subdomain (apex-inclusive suffix)
type MatchMode uint8

const (
	// MatchExact matches only the literal hostname.
	MatchExact MatchMode = iota
	// MatchSubtree matches the hostname and all its subdomains (apex-inclusive).
	MatchSubtree
)

// String returns a stable string representation of the match mode.
func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchSubtree:
		return "subtree"
	default:
		return fmt.Sprintf("MatchMode(%d)", m)
	}
}

// ParseMatchMode converts a string into a MatchMode.
// Accepts: "exact", "subtree" (case-insensitive).
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact":
		return MatchExact, nil
	case "subtree":
		return MatchSubtree, nil
	default:
		return 0, fmt.Errorf("unsupported MatchMode: %q", s)
	}
}

// MarshalText encodes the mode as its string form for JSON round-trips.
func (m MatchMode) MarshalText() ([]byte, error) {
	switch m {
	case MatchExact, MatchSubtree:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("unsupported MatchMode: %d", m)
	}
}

// UnmarshalText decodes the string form produced by MarshalText.
func (m *MatchMode) UnmarshalText(text []byte) error {
	parsed, err := ParseMatchMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Origin records how a rule entered the system.
type Origin uint8

const (
	// OriginManual marks a rule the user added directly.
	OriginManual Origin = iota
	// OriginDiscovered marks a rule promoted from a discovery candidate.
	OriginDiscovered
)

// String returns a stable string representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginManual:
		return "manual"
	case OriginDiscovered:
		return "discovered"
	default:
		return fmt.Sprintf("Origin(%d)", o)
	}
}

// ParseOrigin converts a string into an Origin.
// Accepts: "manual", "discovered" (case-insensitive).
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return OriginManual, nil
	case "discovered":
		return OriginDiscovered, nil
	default:
		return 0, fmt.Errorf("unsupported Origin: %q", s)
	}
}

// MarshalText encodes the origin as its string form for JSON round-trips.
func (o Origin) MarshalText() ([]byte, error) {
	switch o {
	case OriginManual, OriginDiscovered:
		return []byte(o.String()), nil
	default:
		return nil, fmt.Errorf("unsupported Origin: %d", o)
	}
}

// UnmarshalText decodes the string form produced by MarshalText.
func (o *Origin) UnmarshalText(text []byte) error {
	parsed, err := ParseOrigin(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Rule is a single domain pattern inside a RuleSet.
//
// Notes:
// - Name is canonical (lowercase, no trailing dot) and must satisfy
//   hostname grammar; the constructor enforces both.
// - A Rule is immutable once created except for Active.
type Rule struct {
	Name    string    `json:"name"`     // canonical hostname, e.g. "social.example"
	Mode    MatchMode `json:"mode"`     // exact or subtree
	Origin  Origin    `json:"origin"`   // manual or discovered
	Active  bool      `json:"active"`   // inactive rules are kept but not compiled
	AddedAt time.Time `json:"added_at"` // creation timestamp
}

// NewRule constructs an active Rule, canonicalizing and validating the name.
func NewRule(name string, mode MatchMode, origin Origin, addedAt time.Time) (Rule, error) {
	r := Rule{
		Name:    utils.CanonicalHostname(name),
		Mode:    mode,
		Origin:  origin,
		Active:  true,
		AddedAt: addedAt,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Validate checks the Rule for required fields and supported values.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if !utils.ValidHostname(r.Name) {
		return fmt.Errorf("rule name %q is not a valid hostname", r.Name)
	}
	if r.AddedAt.IsZero() {
		return fmt.Errorf("rule addedAt must be set")
	}
	switch r.Mode {
	case MatchExact, MatchSubtree:
	default:
		return fmt.Errorf("unsupported MatchMode: %d", r.Mode)
	}
	switch r.Origin {
	case OriginManual, OriginDiscovered:
	default:
		return fmt.Errorf("unsupported Origin: %d", r.Origin)
	}
	return nil
}

// IsExact returns true when the rule matches only the literal name.
func (r Rule) IsExact() bool { return r.Mode == MatchExact }

// IsSubtree returns true when the rule matches the name and its subdomains.
func (r Rule) IsSubtree() bool { return r.Mode == MatchSubtree }
