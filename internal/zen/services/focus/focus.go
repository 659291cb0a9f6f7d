package focus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

// State is the machine's current phase.
type State uint8

const (
	StateIdle State = iota
	StateWork
	StateShortBreak
	StateLongBreak
)

// String returns a stable string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWork:
		return "work"
	case StateShortBreak:
		return "shortBreak"
	case StateLongBreak:
		return "longBreak"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// MarshalText encodes the state as its string form for JSON round-trips.
func (s State) MarshalText() ([]byte, error) {
	switch s {
	case StateIdle, StateWork, StateShortBreak, StateLongBreak:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unsupported State: %d", s)
	}
}

// Transition conflicts. The control surface maps these to a conflict
// response; everything else is an internal failure.
var (
	ErrSessionActive = errors.New("focus: a session is already in progress")
	ErrNoSession     = errors.New("focus: no session in progress")
	ErrAlreadyPaused = errors.New("focus: session is already paused")
	ErrNotPaused     = errors.New("focus: session is not paused")
)

// Status is one consistent observation of the machine.
type Status struct {
	State     State             `json:"state"`
	Session   *domain.Session   `json:"session,omitempty"`
	Remaining time.Duration     `json:"remaining"`
	RuleSet   string            `json:"rule_set"`
	Today     domain.DailyStats `json:"today"`
}

// Options carries the engine's dependencies and timing knobs.
type Options struct {
	Rules   RuleSwitcher
	History History
	Clock   clock.Clock

	Work       time.Duration // planned work phase length
	ShortBreak time.Duration
	LongBreak  time.Duration
	LongEvery  int           // every n-th completed work earns the long break
	Tick       time.Duration // poll period for natural completion

	WorkSet string // rule set active during work
	RestSet string // rule set active during breaks and idle
}

// Engine is the focus session state machine. Every transition applies its
// effects (rule set activation, session closure and creation, stats
// recording) under one lock, so no observer sees a running session paired
// with the wrong active rule set.
type Engine struct {
	rules   RuleSwitcher
	history History
	clock   clock.Clock

	work       time.Duration
	shortBreak time.Duration
	longBreak  time.Duration
	longEvery  int
	tick       time.Duration
	workSet    string
	restSet    string

	mu             sync.Mutex
	state          State
	session        *domain.Session
	worksCompleted int // completed work sessions this cycle
}

// New constructs an Engine. Rules, History, and Clock are required; zero
// timing knobs take the classic pomodoro defaults.
func New(opts Options) (*Engine, error) {
	if opts.Rules == nil {
		return nil, fmt.Errorf("focus: rule switcher is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("focus: history is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("focus: clock is required")
	}
	if opts.WorkSet == "" || opts.RestSet == "" {
		return nil, fmt.Errorf("focus: work and rest rule set names are required")
	}
	if opts.Work <= 0 {
		opts.Work = 25 * time.Minute
	}
	if opts.ShortBreak <= 0 {
		opts.ShortBreak = 5 * time.Minute
	}
	if opts.LongBreak <= 0 {
		opts.LongBreak = 15 * time.Minute
	}
	if opts.LongEvery <= 0 {
		opts.LongEvery = 4
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Engine{
		rules:      opts.Rules,
		history:    opts.History,
		clock:      opts.Clock,
		work:       opts.Work,
		shortBreak: opts.ShortBreak,
		longBreak:  opts.LongBreak,
		longEvery:  opts.LongEvery,
		tick:       opts.Tick,
		workSet:    opts.WorkSet,
		restSet:    opts.RestSet,
		state:      StateIdle,
	}, nil
}

// Run drives natural completion until ctx is cancelled. It only polls;
// every transition goes through the same locked paths the user operations
// use.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug(nil, "focus engine stopping")
			return
		case <-ticker.C:
			e.advance()
		}
	}
}

// advance fires the timer-driven transition when the current phase has run
// its planned duration.
func (e *Engine) advance() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.session == nil || !e.session.Done(now) {
		return
	}
	switch e.state {
	case StateWork:
		e.completeWorkLocked(now)
	case StateShortBreak, StateLongBreak:
		e.completeBreakLocked(now)
	}
}

// Start begins a work session from idle.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return ErrSessionActive
	}
	now := e.clock.Now()
	if err := e.rules.Activate(e.workSet); err != nil {
		return fmt.Errorf("activating %q: %w", e.workSet, err)
	}
	s := domain.NewSession(domain.KindWork, e.work, now)
	if err := e.history.SaveSession(s); err != nil {
		// Blocking must not outlive its session: undo the activation.
		if aerr := e.rules.Activate(e.restSet); aerr != nil {
			log.Error(map[string]any{"error": aerr.Error()}, "restoring rest rule set")
		}
		return fmt.Errorf("saving session: %w", err)
	}
	e.session = &s
	e.state = StateWork
	log.Info(map[string]any{"session": s.ID, "planned": s.Planned.String()}, "work session started")
	return nil
}

// Pause freezes the running phase. The active rule set is untouched.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return ErrNoSession
	}
	if e.session.Status == domain.StatusPaused {
		return ErrAlreadyPaused
	}
	now := e.clock.Now()
	if err := e.session.Pause(now); err != nil {
		return err
	}
	e.saveSessionLocked()
	log.Info(map[string]any{"session": e.session.ID}, "session paused")
	return nil
}

// Resume unfreezes a paused phase.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return ErrNoSession
	}
	if e.session.Status != domain.StatusPaused {
		return ErrNotPaused
	}
	now := e.clock.Now()
	if err := e.session.Resume(now); err != nil {
		return err
	}
	e.saveSessionLocked()
	log.Info(map[string]any{"session": e.session.ID}, "session resumed")
	return nil
}

// Skip abandons the current phase and enters the next one. A skipped work
// session earns no stats credit, so the cycle's long break still waits on
// its n-th completion.
func (e *Engine) Skip() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return ErrNoSession
	}
	now := e.clock.Now()
	e.closeSessionLocked(domain.StatusAbandoned, now)

	switch e.state {
	case StateWork:
		e.enterLocked(domain.KindShortBreak, now)
	default:
		e.enterLocked(domain.KindWork, now)
	}
	return nil
}

// Cancel abandons any current session and returns to idle with the rest
// rule set active. Idempotent: cancelling an idle machine only re-asserts
// the permissive set.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.session != nil {
		e.closeSessionLocked(domain.StatusAbandoned, now)
		log.Info(nil, "session cancelled")
	}
	e.state = StateIdle
	e.worksCompleted = 0
	if err := e.rules.Activate(e.restSet); err != nil {
		return fmt.Errorf("activating %q: %w", e.restSet, err)
	}
	return nil
}

// Status reports the machine, the current session, remaining time, the
// active rule set, and today's stats in one consistent snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	st := Status{State: e.state, RuleSet: e.rules.ActiveName()}
	if e.session != nil {
		s := *e.session
		st.Session = &s
		st.Remaining = s.Remaining(now)
	}
	today, err := e.history.Today(domain.DayKey(now))
	if err != nil {
		log.Error(map[string]any{"error": err.Error()}, "reading today's stats")
	} else {
		st.Today = today
	}
	return st
}

// completeWorkLocked closes the work session as completed, credits stats
// and the cycle, and enters the break the cadence calls for.
func (e *Engine) completeWorkLocked(now time.Time) {
	s := e.session
	focused := int64(s.Elapsed(now).Seconds())
	e.closeSessionLocked(domain.StatusCompleted, now)

	day := domain.DayKey(now)
	stats, err := e.history.RecordCompletion(day, focused)
	if err != nil {
		log.Error(map[string]any{"day": day, "error": err.Error()}, "recording completion")
	} else {
		log.Info(map[string]any{
			"day":       day,
			"completed": stats.Completed,
			"streak":    stats.Streak,
		}, "work session completed")
	}

	e.worksCompleted++
	kind := domain.KindShortBreak
	if e.worksCompleted%e.longEvery == 0 {
		kind = domain.KindLongBreak
	}
	e.enterLocked(kind, now)
}

// completeBreakLocked closes the break as completed and starts the next
// work session.
func (e *Engine) completeBreakLocked(now time.Time) {
	e.closeSessionLocked(domain.StatusCompleted, now)
	e.enterLocked(domain.KindWork, now)
}

// enterLocked opens the next phase: activate the rule set the kind demands,
// create and persist its session, and move the state. Failures on this path
// are logged, never fatal; the timer must keep running.
func (e *Engine) enterLocked(kind domain.SessionKind, now time.Time) {
	set := e.restSet
	state := StateShortBreak
	planned := e.shortBreak
	switch kind {
	case domain.KindWork:
		set, state, planned = e.workSet, StateWork, e.work
	case domain.KindLongBreak:
		state, planned = StateLongBreak, e.longBreak
	}

	if err := e.rules.Activate(set); err != nil {
		log.Error(map[string]any{"set": set, "error": err.Error()}, "activating rule set")
	}
	s := domain.NewSession(kind, planned, now)
	e.session = &s
	e.state = state
	e.saveSessionLocked()
	log.Info(map[string]any{
		"state":   state.String(),
		"session": s.ID,
		"planned": planned.String(),
	}, "entered phase")
}

// closeSessionLocked ends the current session with the given status and
// persists it. The caller decides what comes next.
func (e *Engine) closeSessionLocked(status domain.SessionStatus, now time.Time) {
	if e.session == nil {
		return
	}
	e.session.Close(status, now)
	e.saveSessionLocked()
	e.session = nil
}

func (e *Engine) saveSessionLocked() {
	if e.session == nil {
		return
	}
	if err := e.history.SaveSession(*e.session); err != nil {
		log.Error(map[string]any{"session": e.session.ID, "error": err.Error()}, "persisting session")
	}
}
