package history

import (
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/anassk/zenflowd/internal/zen/domain"
)

var (
	bucketSessions = []byte("sessions")
	bucketDays     = []byte("days")
	bucketMeta     = []byte("history_meta")

	keyStreak = []byte("streak")
)

// Repo persists session history, per-day stats, and streak state. The bbolt
// handle is shared with the rule store and owned by the caller.
//
// Sessions are keyed by start time (nanoseconds, zero-padded) plus ID, so a
// reverse cursor walk yields newest-first without sorting. The key is stable
// across a session's lifecycle: StartedAt and ID never change, so saving a
// session again overwrites its record.
type Repo struct {
	db *bbolt.DB
}

// New ensures the history buckets exist on db and returns the repo.
func New(db *bbolt.DB) (*Repo, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketDays, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("creating history buckets: %w", err)
	}
	return &Repo{db: db}, nil
}

func sessionKey(s domain.Session) []byte {
	return []byte(fmt.Sprintf("%020d_%s", s.StartedAt.UTC().UnixNano(), s.ID))
}

// SaveSession writes s as JSON, creating or overwriting its record.
func (r *Repo) SaveSession(s domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.ID, err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(sessionKey(s), data)
	})
}

// RecordCompletion folds one completed work session into the given day's
// stats and advances the streak, all in one transaction. Returns the updated
// day record.
func (r *Repo) RecordCompletion(date string, focusedSeconds int64) (domain.DailyStats, error) {
	var out domain.DailyStats
	err := r.db.Update(func(tx *bbolt.Tx) error {
		streak, err := loadStreak(tx)
		if err != nil {
			return err
		}
		streak = streak.Advance(date)

		stats, err := loadDay(tx, date)
		if err != nil {
			return err
		}
		stats.Date = date
		stats.Completed++
		stats.FocusedSeconds += focusedSeconds
		stats.Streak = streak.Current
		stats.LongestStreak = streak.Longest

		if err := saveStreak(tx, streak); err != nil {
			return err
		}
		if err := saveDay(tx, stats); err != nil {
			return err
		}
		out = stats
		return nil
	})
	if err != nil {
		return domain.DailyStats{}, err
	}
	return out, nil
}

// Today returns the day record for date. Days with no completions yet yield
// zero counters with the stored streak carried over, matching what a status
// display should show before the first completion of the day.
func (r *Repo) Today(date string) (domain.DailyStats, error) {
	var out domain.DailyStats
	err := r.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketDays).Get([]byte(date)); v != nil {
			return json.Unmarshal(v, &out)
		}
		streak, err := loadStreak(tx)
		if err != nil {
			return err
		}
		out = domain.DailyStats{
			Date:          date,
			Streak:        streak.Current,
			LongestStreak: streak.Longest,
		}
		return nil
	})
	if err != nil {
		return domain.DailyStats{}, err
	}
	return out, nil
}

// Range returns the day records with from <= date <= to, ascending. Days
// without a record are absent from the result.
func (r *Repo) Range(from, to string) ([]domain.DailyStats, error) {
	var out []domain.DailyStats
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDays).Cursor()
		for k, v := c.Seek([]byte(from)); k != nil && string(k) <= to; k, v = c.Next() {
			var d domain.DailyStats
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decoding day %q: %w", k, err)
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecentSessions returns up to n sessions, newest first.
func (r *Repo) RecentSessions(n int) ([]domain.Session, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []domain.Session
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var s domain.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decoding session %q: %w", k, err)
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Streak returns the persisted streak state, zero-valued on a fresh store.
func (r *Repo) Streak() (domain.StreakState, error) {
	var out domain.StreakState
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = loadStreak(tx)
		return err
	})
	if err != nil {
		return domain.StreakState{}, err
	}
	return out, nil
}

// Close is a no-op: the shared database handle is closed by its owner.
func (r *Repo) Close() error { return nil }

func loadStreak(tx *bbolt.Tx) (domain.StreakState, error) {
	var st domain.StreakState
	if v := tx.Bucket(bucketMeta).Get(keyStreak); v != nil {
		if err := json.Unmarshal(v, &st); err != nil {
			return domain.StreakState{}, fmt.Errorf("decoding streak state: %w", err)
		}
	}
	return st, nil
}

func saveStreak(tx *bbolt.Tx, st domain.StreakState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding streak state: %w", err)
	}
	return tx.Bucket(bucketMeta).Put(keyStreak, data)
}

func loadDay(tx *bbolt.Tx, date string) (domain.DailyStats, error) {
	var d domain.DailyStats
	if v := tx.Bucket(bucketDays).Get([]byte(date)); v != nil {
		if err := json.Unmarshal(v, &d); err != nil {
			return domain.DailyStats{}, fmt.Errorf("decoding day %q: %w", date, err)
		}
	}
	return d, nil
}

func saveDay(tx *bbolt.Tx, d domain.DailyStats) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding day %q: %w", d.Date, err)
	}
	return tx.Bucket(bucketDays).Put([]byte(d.Date), data)
}
