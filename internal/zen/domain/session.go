package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes the three timed phases.
type SessionKind uint8

const (
	KindWork SessionKind = iota
	KindShortBreak
	KindLongBreak
)

// String returns a stable string representation of the kind.
func (k SessionKind) String() string {
	switch k {
	case KindWork:
		return "work"
	case KindShortBreak:
		return "shortBreak"
	case KindLongBreak:
		return "longBreak"
	default:
		return fmt.Sprintf("SessionKind(%d)", k)
	}
}

// ParseSessionKind converts a string into a SessionKind.
func ParseSessionKind(s string) (SessionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "work":
		return KindWork, nil
	case "shortbreak":
		return KindShortBreak, nil
	case "longbreak":
		return KindLongBreak, nil
	default:
		return 0, fmt.Errorf("unsupported SessionKind: %q", s)
	}
}

// MarshalText encodes the kind as its string form for JSON round-trips.
func (k SessionKind) MarshalText() ([]byte, error) {
	switch k {
	case KindWork, KindShortBreak, KindLongBreak:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unsupported SessionKind: %d", k)
	}
}

// UnmarshalText decodes the string form produced by MarshalText.
func (k *SessionKind) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsBreak returns true for either break kind.
func (k SessionKind) IsBreak() bool {
	return k == KindShortBreak || k == KindLongBreak
}

// SessionStatus tracks a session's lifecycle.
type SessionStatus uint8

const (
	StatusRunning SessionStatus = iota
	StatusPaused
	StatusCompleted
	StatusAbandoned
)

// String returns a stable string representation of the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("SessionStatus(%d)", s)
	}
}

// ParseSessionStatus converts a string into a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StatusRunning, nil
	case "paused":
		return StatusPaused, nil
	case "completed":
		return StatusCompleted, nil
	case "abandoned":
		return StatusAbandoned, nil
	default:
		return 0, fmt.Errorf("unsupported SessionStatus: %q", s)
	}
}

// MarshalText encodes the status as its string form for JSON round-trips.
func (s SessionStatus) MarshalText() ([]byte, error) {
	switch s {
	case StatusRunning, StatusPaused, StatusCompleted, StatusAbandoned:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unsupported SessionStatus: %d", s)
	}
}

// UnmarshalText decodes the string form produced by MarshalText.
func (s *SessionStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Session is one timed work or break phase. Elapsed time is effective time:
// wall time minus accumulated pauses, so a paused timer is truly frozen.
type Session struct {
	ID        string        `json:"id"`
	Kind      SessionKind   `json:"kind"`
	Planned   time.Duration `json:"planned"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"` // zero until closed
	Status    SessionStatus `json:"status"`
	PausedAt  time.Time     `json:"paused_at"`  // zero unless currently paused
	PausedFor time.Duration `json:"paused_for"` // total of finished pauses
}

// NewSession creates a running session starting at now.
func NewSession(kind SessionKind, planned time.Duration, now time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Planned:   planned,
		StartedAt: now,
		Status:    StatusRunning,
	}
}

// Pause freezes the session at now.
func (s *Session) Pause(now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("cannot pause session in status %s", s.Status)
	}
	s.Status = StatusPaused
	s.PausedAt = now
	return nil
}

// Resume unfreezes a paused session, folding the open pause into PausedFor.
func (s *Session) Resume(now time.Time) error {
	if s.Status != StatusPaused {
		return fmt.Errorf("cannot resume session in status %s", s.Status)
	}
	s.PausedFor += now.Sub(s.PausedAt)
	s.PausedAt = time.Time{}
	s.Status = StatusRunning
	return nil
}

// Elapsed returns the effective elapsed time at now: wall time since start
// minus every pause, including one still open. Never negative.
func (s Session) Elapsed(now time.Time) time.Duration {
	end := now
	if s.Status == StatusPaused {
		end = s.PausedAt
	}
	if !s.EndedAt.IsZero() && s.EndedAt.Before(end) {
		end = s.EndedAt
	}
	elapsed := end.Sub(s.StartedAt) - s.PausedFor
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining returns planned minus effective elapsed, clamped at zero.
func (s Session) Remaining(now time.Time) time.Duration {
	remaining := s.Planned - s.Elapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Done reports whether a running session has reached its planned duration.
// A paused session never completes.
func (s Session) Done(now time.Time) bool {
	return s.Status == StatusRunning && s.Elapsed(now) >= s.Planned
}

// Close ends the session with the given terminal status. Closing a paused
// session folds the open pause into PausedFor first.
func (s *Session) Close(status SessionStatus, now time.Time) {
	if s.Status == StatusPaused {
		s.PausedFor += now.Sub(s.PausedAt)
		s.PausedAt = time.Time{}
	}
	s.Status = status
	s.EndedAt = now
}

// Closed reports whether the session has ended.
func (s Session) Closed() bool { return !s.EndedAt.IsZero() }

// Validate checks session invariants, including EndedAt >= StartedAt.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	switch s.Kind {
	case KindWork, KindShortBreak, KindLongBreak:
	default:
		return fmt.Errorf("unsupported SessionKind: %d", s.Kind)
	}
	switch s.Status {
	case StatusRunning, StatusPaused, StatusCompleted, StatusAbandoned:
	default:
		return fmt.Errorf("unsupported SessionStatus: %d", s.Status)
	}
	if s.Planned <= 0 {
		return fmt.Errorf("session planned duration must be positive")
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("session startedAt must be set")
	}
	if !s.EndedAt.IsZero() && s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("session endedAt precedes startedAt")
	}
	return nil
}
