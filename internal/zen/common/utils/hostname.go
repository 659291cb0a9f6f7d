package utils

import "strings"

// CanonicalHostname returns a hostname in canonical form:
// - Lowercased
// - Trimmed of surrounding whitespace
// - No trailing dot, so "example.com." and "example.com" key identically.
func CanonicalHostname(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// ValidHostname reports whether name satisfies basic hostname grammar:
// at least two dot-separated labels, each 1-63 characters of letters,
// digits, and interior hyphens, an alphabetic final label of length >= 2,
// and at most 253 characters overall. Input is expected in canonical form.
//
// Single-label names ("localhost") and address literals fail on purpose;
// they are never rule material.
func ValidHostname(name string) bool {
	if len(name) == 0 || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for i, label := range labels {
		if !validLabel(label) {
			return false
		}
		if i == len(labels)-1 && !alphaLabel(label) {
			return false
		}
	}
	return true
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
			// hyphens are interior only
			if i == 0 || i == len(label)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// alphaLabel reports whether label is purely alphabetic and at least two
// characters, the shape of a real public TLD.
func alphaLabel(label string) bool {
	if len(label) < 2 {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
