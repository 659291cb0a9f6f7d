package domain

import "time"

// dayLayout is the calendar-day key format used across stats persistence.
const dayLayout = "2006-01-02"

// DayKey formats t's calendar day, in t's location, as "YYYY-MM-DD".
func DayKey(t time.Time) string { return t.Format(dayLayout) }

// PreviousDayKey returns the day key of the calendar day before key.
// Malformed keys return an empty string.
func PreviousDayKey(key string) string {
	t, err := time.Parse(dayLayout, key)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(dayLayout)
}

// DailyStats aggregates completed work for one calendar day. Counters are
// monotonically non-decreasing within a day; a new day starts from zeros
// under a fresh date key. Only session completion mutates these, never the
// packet path.
type DailyStats struct {
	Date           string `json:"date"` // day key, "YYYY-MM-DD"
	FocusedSeconds int64  `json:"focused_seconds"`
	Completed      int    `json:"completed"`
	Streak         int    `json:"streak"`
	LongestStreak  int    `json:"longest_streak"`
}

// StreakState carries streak accounting across days. It advances only on
// completed work sessions.
type StreakState struct {
	LastDate string `json:"last_date"` // day key of the most recent completion
	Current  int    `json:"current"`
	Longest  int    `json:"longest"`
}

// Advance applies one completed work session on the given day and returns
// the new state:
//   - same day as the last completion: unchanged
//   - day immediately after the last completion: streak extends
//   - anything else (including the first completion ever): streak restarts at 1
//
// Longest always tracks the maximum Current ever reached.
func (s StreakState) Advance(day string) StreakState {
	next := s
	switch s.LastDate {
	case day:
		// additional completion on the same day
	case PreviousDayKey(day):
		next.Current++
	default:
		next.Current = 1
	}
	if next.Current > next.Longest {
		next.Longest = next.Current
	}
	next.LastDate = day
	return next
}
