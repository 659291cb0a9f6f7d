package utils

import "golang.org/x/net/publicsuffix"

// ApexDomain returns the registrable apex of a hostname
// ("a.b.example.co.uk" -> "example.co.uk"). Falls back to the canonical
// input when the public suffix list cannot resolve it.
func ApexDomain(name string) string {
	name = CanonicalHostname(name)
	apex, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return name
	}
	return apex
}
