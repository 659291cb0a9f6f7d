// Package control exposes the daemon's control surface over a local unix
// socket: session transitions, rule set edits, discovery runs, and stats.
// Local GUIs and CLIs are the intended clients; there is no network listener.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
)

// socketMode keeps the API reachable by the owner and its group only.
const socketMode = 0o660

const defaultDailyGoal = 8

// Options carries the server's dependencies. All fields are required
// except Goal, which defaults to defaultDailyGoal.
type Options struct {
	Sessions  SessionController
	Rules     RuleStore
	Discovery Discoverer
	History   HistoryReader
	Clock     clock.Clock
	Socket    string // unix socket path
	Goal      int    // completed work sessions that count as a full day
}

// Server serves the control API on a unix socket. One-shot lifecycle:
// Start once, Stop once, no restart.
type Server struct {
	sessions  SessionController
	rules     RuleStore
	discovery Discoverer
	history   HistoryReader
	clock     clock.Clock
	socket    string
	goal      int

	echo *echo.Echo

	mu      sync.Mutex
	running bool
}

// New constructs the server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("control: session controller is required")
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("control: rule store is required")
	}
	if opts.Discovery == nil {
		return nil, fmt.Errorf("control: discoverer is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("control: history reader is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("control: clock is required")
	}
	if opts.Socket == "" {
		return nil, fmt.Errorf("control: socket path is required")
	}

	goal := opts.Goal
	if goal <= 0 {
		goal = defaultDailyGoal
	}

	s := &Server{
		sessions:  opts.Sessions,
		rules:     opts.Rules,
		discovery: opts.Discovery,
		history:   opts.History,
		clock:     opts.Clock,
		socket:    opts.Socket,
		goal:      goal,
	}
	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(s.logRequests)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	v1 := s.echo.Group("/v1")

	v1.GET("/status", s.getStatus)

	v1.POST("/session/start", s.sessionOp(s.sessions.Start))
	v1.POST("/session/pause", s.sessionOp(s.sessions.Pause))
	v1.POST("/session/resume", s.sessionOp(s.sessions.Resume))
	v1.POST("/session/skip", s.sessionOp(s.sessions.Skip))
	v1.POST("/session/cancel", s.sessionOp(s.sessions.Cancel))
	v1.GET("/sessions/recent", s.recentSessions)

	v1.GET("/rulesets", s.listRuleSets)
	v1.GET("/rulesets/:name", s.getRuleSet)
	v1.POST("/rulesets/:name/domains", s.addDomain)
	v1.DELETE("/rulesets/:name/domains/:domain", s.removeDomain)
	v1.PATCH("/rulesets/:name/domains/:domain", s.toggleDomain)

	v1.POST("/discovery", s.runDiscovery)
	v1.GET("/discovery/candidates", s.listCandidates)
	v1.POST("/discovery/promote", s.promoteCandidate)

	v1.GET("/stats/today", s.statsToday)
	v1.GET("/stats", s.statsRange)
}

// Start binds the unix socket and serves in the background. A socket file
// left behind by a crashed daemon is taken over; the kernel queue binding
// already guarantees a single live instance.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("control: server already started")
	}

	if dir := filepath.Dir(s.socket); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("control: socket dir: %w", err)
		}
	}
	_ = os.Remove(s.socket)

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, socketMode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("control: socket permissions: %w", err)
	}

	s.echo.Listener = ln
	s.running = true
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(map[string]any{"error": err.Error()}, "control api server failed")
		}
	}()
	log.Info(map[string]any{"socket": s.socket}, "control api listening")
	return nil
}

// Stop drains in-flight requests and closes the listener. The socket file
// is unlinked with it. Stopping a server that never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	log.Debug(nil, "control api stopped")
	return nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		fields := map[string]any{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
			"took":   time.Since(start).String(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		log.Debug(fields, "control request")
		return err
	}
}
