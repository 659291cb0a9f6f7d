package domain

import (
	"encoding/json"
	"testing"
	"time"
)

var sessionStart = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

func TestNewSession(t *testing.T) {
	s := NewSession(KindWork, 25*time.Minute, sessionStart)

	if s.ID == "" {
		t.Errorf("session id should be generated")
	}
	if s.Kind != KindWork || s.Status != StatusRunning {
		t.Errorf("unexpected session: %+v", s)
	}
	if !s.StartedAt.Equal(sessionStart) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, sessionStart)
	}
	if s.Closed() {
		t.Errorf("new session should not be closed")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSession_ElapsedAndRemaining(t *testing.T) {
	s := NewSession(KindWork, 25*time.Minute, sessionStart)

	at := sessionStart.Add(10 * time.Minute)
	if got := s.Elapsed(at); got != 10*time.Minute {
		t.Errorf("Elapsed = %v, want 10m", got)
	}
	if got := s.Remaining(at); got != 15*time.Minute {
		t.Errorf("Remaining = %v, want 15m", got)
	}
	if s.Done(at) {
		t.Errorf("session should not be done at 10m")
	}

	at = sessionStart.Add(25 * time.Minute)
	if !s.Done(at) {
		t.Errorf("session should be done at planned duration")
	}
	if got := s.Remaining(at.Add(time.Minute)); got != 0 {
		t.Errorf("Remaining past planned = %v, want 0", got)
	}
}

func TestSession_PauseFreezesElapsed(t *testing.T) {
	s := NewSession(KindWork, 25*time.Minute, sessionStart)

	if err := s.Pause(sessionStart.Add(5 * time.Minute)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s.Status != StatusPaused {
		t.Fatalf("Status = %v, want paused", s.Status)
	}

	// Wall time marches on; effective elapsed does not.
	later := sessionStart.Add(2 * time.Hour)
	if got := s.Elapsed(later); got != 5*time.Minute {
		t.Errorf("Elapsed while paused = %v, want 5m", got)
	}
	if s.Done(later) {
		t.Errorf("paused session must never complete")
	}

	if err := s.Resume(sessionStart.Add(35 * time.Minute)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.PausedFor != 30*time.Minute {
		t.Errorf("PausedFor = %v, want 30m", s.PausedFor)
	}

	// 40m wall - 30m paused = 10m effective.
	at := sessionStart.Add(40 * time.Minute)
	if got := s.Elapsed(at); got != 10*time.Minute {
		t.Errorf("Elapsed after resume = %v, want 10m", got)
	}
}

func TestSession_PauseResumeGuards(t *testing.T) {
	s := NewSession(KindWork, 25*time.Minute, sessionStart)

	if err := s.Resume(sessionStart); err == nil {
		t.Errorf("Resume on running session should fail")
	}
	if err := s.Pause(sessionStart.Add(time.Minute)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Pause(sessionStart.Add(2 * time.Minute)); err == nil {
		t.Errorf("Pause on paused session should fail")
	}

	s.Close(StatusAbandoned, sessionStart.Add(3*time.Minute))
	if err := s.Pause(sessionStart.Add(4 * time.Minute)); err == nil {
		t.Errorf("Pause on closed session should fail")
	}
}

func TestSession_ClosePaused(t *testing.T) {
	s := NewSession(KindShortBreak, 5*time.Minute, sessionStart)

	if err := s.Pause(sessionStart.Add(2 * time.Minute)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	end := sessionStart.Add(10 * time.Minute)
	s.Close(StatusAbandoned, end)

	if s.Status != StatusAbandoned || !s.EndedAt.Equal(end) {
		t.Errorf("unexpected closed session: %+v", s)
	}
	// The open pause folded in: 10m wall - 8m paused = 2m effective.
	if got := s.Elapsed(end); got != 2*time.Minute {
		t.Errorf("Elapsed = %v, want 2m", got)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSession_Validate(t *testing.T) {
	valid := NewSession(KindWork, 25*time.Minute, sessionStart)

	cases := []struct {
		name   string
		mutate func(*Session)
	}{
		{"empty id", func(s *Session) { s.ID = "" }},
		{"bad kind", func(s *Session) { s.Kind = SessionKind(9) }},
		{"bad status", func(s *Session) { s.Status = SessionStatus(9) }},
		{"zero planned", func(s *Session) { s.Planned = 0 }},
		{"zero started", func(s *Session) { s.StartedAt = time.Time{} }},
		{"ended before started", func(s *Session) { s.EndedAt = s.StartedAt.Add(-time.Second) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestSessionKind_IsBreak(t *testing.T) {
	if KindWork.IsBreak() {
		t.Errorf("work is not a break")
	}
	if !KindShortBreak.IsBreak() || !KindLongBreak.IsBreak() {
		t.Errorf("breaks should report IsBreak")
	}
}

func TestSession_JSONRoundTrip(t *testing.T) {
	s := NewSession(KindLongBreak, 15*time.Minute, sessionStart)
	if err := s.Pause(sessionStart.Add(time.Minute)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Resume(sessionStart.Add(2 * time.Minute)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	s.Close(StatusCompleted, sessionStart.Add(16*time.Minute))

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Session
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.ID != s.ID || back.Kind != s.Kind || back.Status != s.Status ||
		back.Planned != s.Planned || back.PausedFor != s.PausedFor ||
		!back.StartedAt.Equal(s.StartedAt) || !back.EndedAt.Equal(s.EndedAt) {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, s)
	}
}
