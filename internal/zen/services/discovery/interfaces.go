package discovery

import (
	"context"

	"github.com/anassk/zenflowd/internal/zen/domain"
)

// HostObserver loads a seed URL and reports every hostname the page
// contacted. Implementations honor ctx for cancellation and deadlines.
type HostObserver interface {
	ObserveHosts(ctx context.Context, seedURL string) ([]string, error)
}

// RulePromoter is the slice of the rule store promotion writes through.
type RulePromoter interface {
	AddRule(set string, r domain.Rule) error
}
