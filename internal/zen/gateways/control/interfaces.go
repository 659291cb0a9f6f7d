package control

import (
	"context"

	"github.com/anassk/zenflowd/internal/zen/domain"
	"github.com/anassk/zenflowd/internal/zen/services/discovery"
	"github.com/anassk/zenflowd/internal/zen/services/focus"
)

// SessionController is the slice of the focus engine the API drives.
type SessionController interface {
	Start() error
	Pause() error
	Resume() error
	Skip() error
	Cancel() error
	Status() focus.Status
}

// RuleStore is the slice of the rule store the API edits and lists.
type RuleStore interface {
	List() []domain.RuleSet
	Get(name string) (domain.RuleSet, error)
	AddRule(set string, r domain.Rule) error
	RemoveRule(set, name string) error
	SetRuleActive(set, name string, active bool) error
}

// Discoverer runs observation batches and manages the candidate pool.
type Discoverer interface {
	Run(ctx context.Context, seeds []string) discovery.Report
	Candidates() []domain.DiscoveryCandidate
	Promote(host, ruleSet string, mode domain.MatchMode) (domain.Rule, error)
}

// HistoryReader serves day aggregates and the session log.
type HistoryReader interface {
	Today(date string) (domain.DailyStats, error)
	Range(from, to string) ([]domain.DailyStats, error)
	RecentSessions(n int) ([]domain.Session, error)
}
