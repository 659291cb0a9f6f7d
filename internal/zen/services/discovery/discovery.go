package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/common/utils"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

const (
	defaultSeedTimeout   = 120 * time.Second
	defaultMaxCandidates = 100
)

// SeedFailure is one failed seed in a batch report.
type SeedFailure struct {
	Seed  string `json:"seed"`
	Error string `json:"error"`
}

// Report summarizes one discovery batch for the control surface.
type Report struct {
	Seeds      int           `json:"seeds"`
	Observed   int           `json:"observed"`   // sightings folded into the pool
	Added      int           `json:"added"`      // hosts new to the pool
	Candidates int           `json:"candidates"` // pool size after the batch
	Failures   []SeedFailure `json:"failures,omitempty"`
}

// Options carries the service's dependencies and limits.
type Options struct {
	Observer HostObserver
	Rules    RulePromoter
	Clock    clock.Clock

	SeedTimeout   time.Duration // budget for one page load
	MaxCandidates int           // pool cap, oldest evicted first
}

// Service coordinates block-candidate discovery: it drives the observer
// over a batch of seed URLs, filters and deduplicates the hostnames each
// page load drags in, and holds the resulting candidates in memory until
// the user promotes or discards them. It runs entirely off the packet path.
type Service struct {
	observer HostObserver
	rules    RulePromoter
	clock    clock.Clock
	timeout  time.Duration
	cap      int

	mu         sync.Mutex
	candidates map[string]*domain.DiscoveryCandidate
	order      []string // insertion order, for cap eviction
}

// New constructs a Service. Observer, Rules, and Clock are required.
func New(opts Options) (*Service, error) {
	if opts.Observer == nil {
		return nil, fmt.Errorf("discovery: host observer is required")
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("discovery: rule promoter is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("discovery: clock is required")
	}
	if opts.SeedTimeout <= 0 {
		opts.SeedTimeout = defaultSeedTimeout
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = defaultMaxCandidates
	}
	return &Service{
		observer:   opts.Observer,
		rules:      opts.Rules,
		clock:      opts.Clock,
		timeout:    opts.SeedTimeout,
		cap:        opts.MaxCandidates,
		candidates: make(map[string]*domain.DiscoveryCandidate),
	}, nil
}

// Run loads each seed in turn and folds the hostnames it contacted into the
// candidate pool. Every seed gets its own timeout; a failing seed lands in
// the report and never aborts the rest of the batch. Cancelling ctx fails
// the remaining seeds.
func (s *Service) Run(ctx context.Context, seeds []string) Report {
	rep := Report{Seeds: len(seeds)}
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			rep.Failures = append(rep.Failures, s.fail(seed, err))
			continue
		}
		if err := s.runSeed(ctx, seed, &rep); err != nil {
			rep.Failures = append(rep.Failures, s.fail(seed, err))
		}
	}

	s.mu.Lock()
	rep.Candidates = len(s.candidates)
	s.mu.Unlock()
	return rep
}

func (s *Service) fail(seed string, err error) SeedFailure {
	derr := domain.NewDiscoveryError(seed, err)
	log.Warn(map[string]any{"error": derr.Error()}, "seed discovery failed")
	return SeedFailure{Seed: derr.Seed, Error: derr.Err.Error()}
}

func (s *Service) runSeed(ctx context.Context, seed string, rep *Report) error {
	navURL, seedHost, err := seedTarget(seed)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	hosts, err := s.observer.ObserveHosts(sctx, navURL)
	if err != nil {
		return err
	}

	added, observed := s.fold(seed, seedHost, hosts)
	rep.Added += added
	rep.Observed += observed
	log.Info(map[string]any{
		"seed":     seed,
		"hosts":    len(hosts),
		"observed": observed,
		"added":    added,
	}, "seed loaded")
	return nil
}

// seedTarget resolves a user-entered seed into the URL to navigate to and
// the canonical host to exclude from its own results. Bare hostnames get
// an https scheme.
func seedTarget(seed string) (navURL, host string, err error) {
	raw := strings.TrimSpace(seed)
	if raw == "" {
		return "", "", fmt.Errorf("empty seed")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid seed url: %w", err)
	}
	host = utils.CanonicalHostname(u.Hostname())
	if host == "" {
		return "", "", fmt.Errorf("seed url has no host")
	}
	return u.String(), host, nil
}

// fold merges one seed's sightings into the pool under the lock. A host is
// third-party until some observing seed shares its registrable apex.
func (s *Service) fold(seed, seedHost string, hosts []string) (added, observed int) {
	seedApex := utils.ApexDomain(seedHost)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hosts {
		host := utils.CanonicalHostname(h)
		if !admissible(host, seedHost) {
			continue
		}
		observed++
		c, ok := s.candidates[host]
		if !ok {
			s.makeRoomLocked()
			c = &domain.DiscoveryCandidate{Host: host, ThirdParty: true}
			s.candidates[host] = c
			s.order = append(s.order, host)
			added++
		}
		c.Observe(seed)
		if utils.ApexDomain(host) == seedApex {
			c.ThirdParty = false
		}
	}
	return added, observed
}

// makeRoomLocked evicts oldest candidates until one more fits the cap.
func (s *Service) makeRoomLocked() {
	for len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.candidates, oldest)
	}
}

// admissible filters the noise a page load drags in: the seed's own host,
// loopback and reserved names, address literals, and anything failing
// hostname grammar. Input is canonical.
func admissible(host, seedHost string) bool {
	if host == "" || host == "localhost" || host == seedHost {
		return false
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return false
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".test") || strings.HasSuffix(host, ".invalid") {
		return false
	}
	return utils.ValidHostname(host)
}

// Candidates returns a copy of the pool, most observed first.
func (s *Service) Candidates() []domain.DiscoveryCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DiscoveryCandidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		cp := *c
		cp.Seeds = append([]string(nil), c.Seeds...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Promote writes a candidate into the named rule set as a discovered rule
// and, on success, removes it from the pool. The host does not have to be
// in the pool; promotion is an explicit user action either way.
func (s *Service) Promote(host, ruleSet string, mode domain.MatchMode) (domain.Rule, error) {
	r, err := domain.NewRule(host, mode, domain.OriginDiscovered, s.clock.Now())
	if err != nil {
		return domain.Rule{}, err
	}
	if err := s.rules.AddRule(ruleSet, r); err != nil {
		return domain.Rule{}, err
	}

	s.mu.Lock()
	if _, ok := s.candidates[r.Name]; ok {
		delete(s.candidates, r.Name)
		for i, h := range s.order {
			if h == r.Name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	log.Info(map[string]any{"host": r.Name, "set": ruleSet, "mode": r.Mode.String()}, "candidate promoted")
	return r, nil
}
