package history

import (
	"path/filepath"
	"testing"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/anassk/zenflowd/internal/zen/domain"
)

func tempDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zen.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing db: %v", err)
		}
	})
	return db
}

func newRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := New(tempDB(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRepo_SaveSession_RoundTrip(t *testing.T) {
	r := newRepo(t)
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

	s := domain.NewSession(domain.KindWork, 25*time.Minute, start)
	if err := r.SaveSession(s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// Updating the same session must overwrite, not duplicate.
	s.PausedFor = 2 * time.Minute
	s.Close(domain.StatusCompleted, start.Add(27*time.Minute))
	if err := r.SaveSession(s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err := r.RecentSessions(10)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("session count = %d, want 1", len(got))
	}
	s2 := got[0]
	if s2.ID != s.ID || s2.Kind != s.Kind || s2.Status != domain.StatusCompleted {
		t.Errorf("round-trip mismatch: %+v", s2)
	}
	if !s2.StartedAt.Equal(s.StartedAt) || !s2.EndedAt.Equal(s.EndedAt) {
		t.Errorf("timestamps did not round-trip: %+v", s2)
	}
	if s2.Planned != s.Planned || s2.PausedFor != s.PausedFor {
		t.Errorf("durations did not round-trip: %+v", s2)
	}
}

func TestRepo_RecentSessions_NewestFirst(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		s := domain.NewSession(domain.KindWork, 25*time.Minute, base.Add(time.Duration(i)*time.Hour))
		if err := r.SaveSession(s); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		ids = append(ids, s.ID)
	}

	got, err := r.RecentSessions(2)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Errorf("order wrong: got %s, %s; want %s, %s", got[0].ID, got[1].ID, ids[2], ids[1])
	}

	if got, err := r.RecentSessions(0); err != nil || got != nil {
		t.Errorf("RecentSessions(0) = %v, %v; want nil, nil", got, err)
	}
}

func TestRepo_RecordCompletion_FirstEver(t *testing.T) {
	r := newRepo(t)

	stats, err := r.RecordCompletion("2025-08-01", 1500)
	if err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	want := domain.DailyStats{
		Date:           "2025-08-01",
		FocusedSeconds: 1500,
		Completed:      1,
		Streak:         1,
		LongestStreak:  1,
	}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	today, err := r.Today("2025-08-01")
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if today != want {
		t.Errorf("Today = %+v, want %+v", today, want)
	}
}

func TestRepo_RecordCompletion_SameDayAccumulates(t *testing.T) {
	r := newRepo(t)

	if _, err := r.RecordCompletion("2025-08-01", 1500); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	stats, err := r.RecordCompletion("2025-08-01", 300)
	if err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	if stats.Completed != 2 || stats.FocusedSeconds != 1800 {
		t.Errorf("counters = %d/%ds, want 2/1800s", stats.Completed, stats.FocusedSeconds)
	}
	if stats.Streak != 1 {
		t.Errorf("same-day completion changed streak: %d", stats.Streak)
	}
}

func TestRepo_RecordCompletion_StreakAcrossDays(t *testing.T) {
	r := newRepo(t)

	days := []struct {
		date       string
		wantStreak int
		wantBest   int
	}{
		{"2025-08-01", 1, 1},
		{"2025-08-02", 2, 2}, // consecutive day extends
		{"2025-08-03", 3, 3},
		{"2025-08-07", 1, 3}, // gap resets, longest survives
		{"2025-08-08", 2, 3},
	}
	for _, d := range days {
		stats, err := r.RecordCompletion(d.date, 1500)
		if err != nil {
			t.Fatalf("RecordCompletion(%s): %v", d.date, err)
		}
		if stats.Streak != d.wantStreak || stats.LongestStreak != d.wantBest {
			t.Errorf("%s: streak=%d/%d, want %d/%d",
				d.date, stats.Streak, stats.LongestStreak, d.wantStreak, d.wantBest)
		}
	}

	st, err := r.Streak()
	if err != nil {
		t.Fatalf("Streak: %v", err)
	}
	if st.LastDate != "2025-08-08" || st.Current != 2 || st.Longest != 3 {
		t.Errorf("persisted streak = %+v", st)
	}
}

func TestRepo_Today_AbsentDayCarriesStreak(t *testing.T) {
	r := newRepo(t)
	if _, err := r.RecordCompletion("2025-08-01", 1500); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	today, err := r.Today("2025-08-02")
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	want := domain.DailyStats{Date: "2025-08-02", Streak: 1, LongestStreak: 1}
	if today != want {
		t.Errorf("Today = %+v, want %+v", today, want)
	}
}

func TestRepo_Today_FreshStore(t *testing.T) {
	r := newRepo(t)
	today, err := r.Today("2025-08-01")
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if today != (domain.DailyStats{Date: "2025-08-01"}) {
		t.Errorf("Today = %+v, want zeros", today)
	}

	st, err := r.Streak()
	if err != nil {
		t.Fatalf("Streak: %v", err)
	}
	if st != (domain.StreakState{}) {
		t.Errorf("Streak = %+v, want zero value", st)
	}
}

func TestRepo_Range(t *testing.T) {
	r := newRepo(t)
	for _, date := range []string{"2025-08-01", "2025-08-02", "2025-08-04"} {
		if _, err := r.RecordCompletion(date, 1500); err != nil {
			t.Fatalf("RecordCompletion(%s): %v", date, err)
		}
	}

	got, err := r.Range("2025-08-01", "2025-08-03")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 || got[0].Date != "2025-08-01" || got[1].Date != "2025-08-02" {
		t.Errorf("Range = %+v, want 08-01 and 08-02", got)
	}

	got, err = r.Range("2025-07-01", "2025-07-31")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty range returned %+v", got)
	}
}

func TestRepo_SharedDBClose(t *testing.T) {
	db := tempDB(t)
	r, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The shared handle stays usable after the repo closes.
	if _, err := r.Today("2025-08-01"); err != nil {
		t.Errorf("Today after Close: %v", err)
	}
}
