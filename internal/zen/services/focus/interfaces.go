package focus

import "github.com/anassk/zenflowd/internal/zen/domain"

// RuleSwitcher is the slice of the rule store the engine drives: swapping
// the active rule set on transitions and naming it for status reports.
type RuleSwitcher interface {
	Activate(name string) error
	ActiveName() string
}

// History persists sessions and day aggregates.
type History interface {
	SaveSession(s domain.Session) error
	RecordCompletion(date string, focusedSeconds int64) (domain.DailyStats, error)
	Today(date string) (domain.DailyStats, error)
}
