package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

// fakeObserver hands back canned host lists keyed by the navigated URL.
type fakeObserver struct {
	hosts     map[string][]string
	errs      map[string]error
	calls     []string
	deadlines []bool
}

func (f *fakeObserver) ObserveHosts(ctx context.Context, seedURL string) ([]string, error) {
	f.calls = append(f.calls, seedURL)
	_, hasDeadline := ctx.Deadline()
	f.deadlines = append(f.deadlines, hasDeadline)
	if err := f.errs[seedURL]; err != nil {
		return nil, err
	}
	return f.hosts[seedURL], nil
}

type fakePromoter struct {
	rules map[string][]domain.Rule
	err   error
	calls int
}

func (f *fakePromoter) AddRule(set string, r domain.Rule) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.rules == nil {
		f.rules = make(map[string][]domain.Rule)
	}
	f.rules[set] = append(f.rules[set], r)
	return nil
}

func newTestService(t *testing.T, obs *fakeObserver, opts Options) (*Service, *fakePromoter, *clock.MockClock) {
	t.Helper()
	log.SetLogger(log.NewNoopLogger())
	clk := clock.NewMockClock(time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC))
	prom := &fakePromoter{}
	opts.Observer = obs
	opts.Rules = prom
	opts.Clock = clk
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s, prom, clk
}

func findCandidate(t *testing.T, s *Service, host string) domain.DiscoveryCandidate {
	t.Helper()
	for _, c := range s.Candidates() {
		if c.Host == host {
			return c
		}
	}
	t.Fatalf("candidate %q not in pool", host)
	return domain.DiscoveryCandidate{}
}

func TestNew_Validation(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	obs := &fakeObserver{}
	prom := &fakePromoter{}

	cases := []struct {
		name string
		opts Options
	}{
		{"missing observer", Options{Rules: prom, Clock: clk}},
		{"missing rules", Options{Observer: obs, Clock: clk}},
		{"missing clock", Options{Observer: obs, Rules: prom}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); err == nil {
				t.Error("expected constructor error")
			}
		})
	}
}

func TestRun_FiltersAndDeduplicates(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://social.example/feed": {
			"cdn.social.example",
			"Tracker.Ads.example.", // canonicalized before matching
			"social.example",       // the seed's own host
			"localhost",
			"127.0.0.1",
			"[2001:db8::1]",
			"printer.local",
			"dev.test",
			"nothing.invalid",
			"bad_host",
			"cdn.social.example", // repeat sighting
			"metrics.example.net",
		},
	}}
	s, _, _ := newTestService(t, obs, Options{})

	rep := s.Run(context.Background(), []string{"https://social.example/feed"})

	if len(rep.Failures) != 0 {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	if rep.Seeds != 1 || rep.Observed != 4 || rep.Added != 3 || rep.Candidates != 3 {
		t.Fatalf("report = %+v", rep)
	}

	cdn := findCandidate(t, s, "cdn.social.example")
	if cdn.Count != 2 || cdn.ThirdParty {
		t.Errorf("cdn candidate = %+v", cdn)
	}
	if len(cdn.Seeds) != 1 || cdn.Seeds[0] != "https://social.example/feed" {
		t.Errorf("cdn seeds = %v", cdn.Seeds)
	}

	if tracker := findCandidate(t, s, "tracker.ads.example"); !tracker.ThirdParty {
		t.Errorf("tracker candidate = %+v, want third-party", tracker)
	}
	if metrics := findCandidate(t, s, "metrics.example.net"); !metrics.ThirdParty {
		t.Errorf("metrics candidate = %+v, want third-party", metrics)
	}
}

func TestRun_SeedFailureDoesNotAbortBatch(t *testing.T) {
	obs := &fakeObserver{
		hosts: map[string][]string{
			"https://news.example": {"cdn.newsstatic.example"},
		},
		errs: map[string]error{
			"https://broken.example": errors.New("browser crashed"),
		},
	}
	s, _, _ := newTestService(t, obs, Options{})

	rep := s.Run(context.Background(), []string{"broken.example", "news.example"})

	if rep.Seeds != 2 || rep.Added != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Failures) != 1 {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	f := rep.Failures[0]
	if f.Seed != "broken.example" || f.Error != "browser crashed" {
		t.Errorf("failure = %+v", f)
	}
	if len(obs.calls) != 2 {
		t.Errorf("observer calls = %v", obs.calls)
	}
	findCandidate(t, s, "cdn.newsstatic.example")
}

func TestRun_InvalidSeeds(t *testing.T) {
	obs := &fakeObserver{}
	s, _, _ := newTestService(t, obs, Options{})

	rep := s.Run(context.Background(), []string{"", "https://"})

	if len(rep.Failures) != 2 {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	if len(obs.calls) != 0 {
		t.Errorf("observer called for invalid seeds: %v", obs.calls)
	}
	if rep.Candidates != 0 {
		t.Errorf("candidates = %d", rep.Candidates)
	}
}

func TestRun_BareSeedGetsScheme(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://news.example": {"cdn.newsstatic.example"},
	}}
	s, _, _ := newTestService(t, obs, Options{})

	rep := s.Run(context.Background(), []string{"news.example"})

	if len(rep.Failures) != 0 || rep.Added != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "https://news.example" {
		t.Errorf("navigated to %v", obs.calls)
	}
	if !obs.deadlines[0] {
		t.Error("seed load ran without a deadline")
	}
	// Attribution keeps the seed as the user typed it.
	c := findCandidate(t, s, "cdn.newsstatic.example")
	if len(c.Seeds) != 1 || c.Seeds[0] != "news.example" {
		t.Errorf("seeds = %v", c.Seeds)
	}
}

func TestRun_ThirdPartyClearsOnApexMatch(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://news.example":   {"cdn.shared.example"},
		"https://shared.example": {"cdn.shared.example"},
	}}
	s, _, _ := newTestService(t, obs, Options{})

	s.Run(context.Background(), []string{"news.example"})
	if c := findCandidate(t, s, "cdn.shared.example"); !c.ThirdParty {
		t.Fatalf("candidate = %+v, want third-party after the unrelated seed", c)
	}

	s.Run(context.Background(), []string{"shared.example"})
	c := findCandidate(t, s, "cdn.shared.example")
	if c.ThirdParty {
		t.Errorf("candidate = %+v, want first-party once a same-apex seed observes it", c)
	}
	if c.Count != 2 || len(c.Seeds) != 2 {
		t.Errorf("candidate = %+v", c)
	}
}

func TestRun_CapEvictsOldest(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://news.example": {"alpha.example", "bravo.example", "charlie.example"},
	}}
	s, _, _ := newTestService(t, obs, Options{MaxCandidates: 2})

	rep := s.Run(context.Background(), []string{"news.example"})

	if rep.Added != 3 || rep.Candidates != 2 {
		t.Fatalf("report = %+v", rep)
	}
	got := s.Candidates()
	if len(got) != 2 || got[0].Host != "bravo.example" || got[1].Host != "charlie.example" {
		t.Errorf("pool = %+v", got)
	}
}

func TestRun_CancelledContextFailsRemainingSeeds(t *testing.T) {
	obs := &fakeObserver{}
	s, _, _ := newTestService(t, obs, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := s.Run(ctx, []string{"one.example", "two.example"})

	if len(rep.Failures) != 2 {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	if len(obs.calls) != 0 {
		t.Errorf("observer called after cancellation: %v", obs.calls)
	}
}

func TestCandidates_SortedByCountThenHost(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://one.example": {"tracker.example.net", "only.example.org"},
		"https://two.example": {"tracker.example.net"},
	}}
	s, _, _ := newTestService(t, obs, Options{})

	s.Run(context.Background(), []string{"one.example", "two.example"})

	got := s.Candidates()
	if len(got) != 2 {
		t.Fatalf("pool = %+v", got)
	}
	if got[0].Host != "tracker.example.net" || got[0].Count != 2 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Host != "only.example.org" || got[1].Count != 1 {
		t.Errorf("second = %+v", got[1])
	}

	// Returned candidates are copies; scribbling on one leaves the pool alone.
	got[0].Seeds[0] = "scribbled"
	if again := findCandidate(t, s, "tracker.example.net"); again.Seeds[0] != "one.example" {
		t.Errorf("pool shares seed slices with callers: %v", again.Seeds)
	}
}

func TestPromote_WritesRuleAndDropsCandidate(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://news.example": {"tracker.example.net"},
	}}
	s, prom, clk := newTestService(t, obs, Options{})
	s.Run(context.Background(), []string{"news.example"})

	r, err := s.Promote("Tracker.Example.Net.", "focus", domain.MatchSubtree)
	if err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if r.Name != "tracker.example.net" || r.Mode != domain.MatchSubtree || r.Origin != domain.OriginDiscovered {
		t.Errorf("rule = %+v", r)
	}
	if !r.Active || !r.AddedAt.Equal(clk.Now()) {
		t.Errorf("rule = %+v", r)
	}
	if got := prom.rules["focus"]; len(got) != 1 || got[0].Name != "tracker.example.net" {
		t.Errorf("stored rules = %+v", prom.rules)
	}
	if len(s.Candidates()) != 0 {
		t.Errorf("pool still holds %+v", s.Candidates())
	}
}

func TestPromote_InvalidHost(t *testing.T) {
	s, prom, _ := newTestService(t, &fakeObserver{}, Options{})

	if _, err := s.Promote("not a host", "focus", domain.MatchExact); err == nil {
		t.Fatal("expected Promote() to reject the host")
	}
	if prom.calls != 0 {
		t.Errorf("store written for an invalid host")
	}
}

func TestPromote_StoreFailureKeepsCandidate(t *testing.T) {
	obs := &fakeObserver{hosts: map[string][]string{
		"https://news.example": {"tracker.example.net"},
	}}
	s, prom, _ := newTestService(t, obs, Options{})
	s.Run(context.Background(), []string{"news.example"})
	prom.err = errors.New("bolt: database closed")

	if _, err := s.Promote("tracker.example.net", "focus", domain.MatchExact); err == nil {
		t.Fatal("expected Promote() to surface the store failure")
	}
	findCandidate(t, s, "tracker.example.net")
}

func TestPromote_UnobservedHost(t *testing.T) {
	s, prom, _ := newTestService(t, &fakeObserver{}, Options{})

	if _, err := s.Promote("fresh.example.org", "focus", domain.MatchExact); err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if got := prom.rules["focus"]; len(got) != 1 {
		t.Errorf("stored rules = %+v", prom.rules)
	}
}
