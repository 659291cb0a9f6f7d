package domain

// DiscoveryCandidate is a hostname observed while loading a seed URL,
// proposed for blocking but not part of any rule set until the user
// promotes it.
type DiscoveryCandidate struct {
	Host       string   `json:"host"`
	Count      int      `json:"count"` // total observations across seeds
	Seeds      []string `json:"seeds"` // seed URLs that surfaced the host
	ThirdParty bool     `json:"third_party"`
}

// Observe folds another sighting from seed into the candidate.
func (c *DiscoveryCandidate) Observe(seed string) {
	c.Count++
	for _, s := range c.Seeds {
		if s == seed {
			return
		}
	}
	c.Seeds = append(c.Seeds, seed)
}
