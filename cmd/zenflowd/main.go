package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/domain"
	"github.com/anassk/zenflowd/internal/zen/gateways/browser"
	"github.com/anassk/zenflowd/internal/zen/gateways/control"
	"github.com/anassk/zenflowd/internal/zen/gateways/firewall"
	"github.com/anassk/zenflowd/internal/zen/gateways/nfq"
	"github.com/anassk/zenflowd/internal/zen/infra/config"
	"github.com/anassk/zenflowd/internal/zen/repos/history"
	"github.com/anassk/zenflowd/internal/zen/repos/rules"
	"github.com/anassk/zenflowd/internal/zen/repos/rules/bloom"
	"github.com/anassk/zenflowd/internal/zen/repos/rules/bolt"
	"github.com/anassk/zenflowd/internal/zen/repos/rules/lru"
	"github.com/anassk/zenflowd/internal/zen/services/classifier"
	"github.com/anassk/zenflowd/internal/zen/services/discovery"
	"github.com/anassk/zenflowd/internal/zen/services/focus"
)

const (
	// Version information
	version = "2.1.0"
	appName = "zenflowd"

	// Default timeouts
	defaultShutdownTimeout = 5 * time.Second
)

// Application holds all the components of the focus daemon.
type Application struct {
	config   *config.AppConfig
	db       *bbolt.DB
	store    *rules.Store
	history  *history.Repo
	engine   *focus.Engine
	firewall *firewall.Redirector
	consumer *nfq.Consumer
	control  *control.Server
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":   version,
		"env":       cfg.Env,
		"log_level": cfg.Log.Level,
		"queue":     cfg.Filter.Queue,
		"budget":    cfg.Filter.Budget.String(),
		"fallback":  cfg.Filter.Fallback,
		"socket":    cfg.Control.Socket,
		"db":        cfg.Storage.Path,
	}, "Starting ZenFlow daemon")

	// Build application with all dependencies
	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	// Run until the context is cancelled
	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Daemon failed")
	}

	log.Info(nil, "ZenFlow daemon stopped gracefully")
}

// snapshotSource adapts the rule store's concrete snapshot type to the
// classifier's provider interface.
type snapshotSource struct {
	store *rules.Store
}

func (s snapshotSource) ActiveSnapshot() classifier.RuleSnapshot {
	return s.store.ActiveSnapshot()
}

// fallbackVerdict maps the configured fallback policy onto a verdict. The
// config layer has already vetted the value.
func fallbackVerdict(policy string) domain.Verdict {
	if policy == "block" {
		return domain.VerdictDrop
	}
	return domain.VerdictAccept
}

// buildApplication constructs all components and wires them together:
// repositories over one shared bbolt handle, services on top of them, and
// the gateways that face the kernel, the browser, and local clients.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	// Create shared clock for consistent time across all components
	clk := &clock.RealClock{}

	// Open the single database holding rule sets and session history.
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	db, err := bbolt.Open(cfg.Storage.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	persister, err := bolt.New(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rule persister: %w", err)
	}

	store, err := rules.NewStore(rules.StoreOptions{
		Persister:    persister,
		BloomFactory: bloom.NewFactory(),
		CacheFactory: lru.NewFactory(),
		CacheSize:    cfg.Rules.Cache.Size,
		FPRate:       cfg.Rules.FPRate,
		Clock:        clk,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rule store: %w", err)
	}
	if err := store.Load(rules.Seed{
		WorkSet:   cfg.Rules.Work,
		RestSet:   cfg.Rules.Rest,
		Allowlist: cfg.Rules.Allowlist,
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load rule sets: %w", err)
	}

	hist, err := history.New(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	log.Info(map[string]any{
		"active":    store.ActiveName(),
		"rule_sets": len(store.List()),
	}, "Rule store loaded")

	// Build service layer
	engine, err := focus.New(focus.Options{
		Rules:      store,
		History:    hist,
		Clock:      clk,
		Work:       cfg.Focus.Work,
		ShortBreak: cfg.Focus.Short,
		LongBreak:  cfg.Focus.Long,
		LongEvery:  cfg.Focus.Cadence,
		Tick:       cfg.Focus.Tick,
		WorkSet:    cfg.Rules.Work,
		RestSet:    cfg.Rules.Rest,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create focus engine: %w", err)
	}

	cls, err := classifier.New(classifier.Options{
		Snapshots: snapshotSource{store: store},
		Clock:     clk,
		Fallback:  fallbackVerdict(cfg.Filter.Fallback),
		Grace:     cfg.Filter.Grace,
		FlowTTL:   cfg.Filter.TTL,
		MaxFlows:  cfg.Filter.Flows,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	chrome := browser.New(browser.Options{
		Binary:        cfg.Browser.Binary,
		Settle:        cfg.Browser.Settle,
		LaunchTimeout: cfg.Browser.Launch,
	})

	disc, err := discovery.New(discovery.Options{
		Observer:      chrome,
		Rules:         store,
		Clock:         clk,
		SeedTimeout:   cfg.Discovery.Timeout,
		MaxCandidates: cfg.Discovery.Cap,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create discovery service: %w", err)
	}

	// Build gateway layer
	queue := nfq.NewNetlinkQueue(nfq.Config{
		QueueNum:   cfg.Filter.Queue,
		AcceptMark: cfg.Filter.Mark,
	})
	consumer, err := nfq.NewConsumer(nfq.Options{
		Queue:      queue,
		Classifier: cls,
		Budget:     cfg.Filter.Budget,
		Mark:       cfg.Filter.Mark != 0,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create packet consumer: %w", err)
	}

	redirector := firewall.New(firewall.Options{QueueNum: cfg.Filter.Queue})

	ctl, err := control.New(control.Options{
		Sessions:  engine,
		Rules:     store,
		Discovery: disc,
		History:   hist,
		Clock:     clk,
		Socket:    cfg.Control.Socket,
		Goal:      cfg.Focus.Goal,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create control server: %w", err)
	}

	return &Application{
		config:   cfg,
		db:       db,
		store:    store,
		history:  hist,
		engine:   engine,
		firewall: redirector,
		consumer: consumer,
		control:  ctl,
	}, nil
}

// Run engages the packet filter and serves until ctx is cancelled: firewall
// rules in, consumer verdicting, focus ticker running, control API up. On
// cancellation everything is unwound within the shutdown timeout; the
// firewall rules carry queue-bypass, so traffic keeps flowing even if
// removal is cut short.
func (app *Application) Run(ctx context.Context) error {
	if err := app.firewall.Install(ctx); err != nil {
		return fmt.Errorf("failed to install firewall rules: %w", err)
	}

	if err := app.consumer.Start(ctx); err != nil {
		removeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if rmErr := app.firewall.Remove(removeCtx); rmErr != nil {
			log.Warn(map[string]any{"error": rmErr}, "Firewall cleanup after failed start")
		}
		return fmt.Errorf("failed to start packet consumer: %w", err)
	}

	go app.engine.Run(ctx)

	if err := app.control.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if stopErr := app.consumer.Stop(); stopErr != nil {
			log.Warn(map[string]any{"error": stopErr}, "Consumer cleanup after failed start")
		}
		if rmErr := app.firewall.Remove(stopCtx); rmErr != nil {
			log.Warn(map[string]any{"error": rmErr}, "Firewall cleanup after failed start")
		}
		return fmt.Errorf("failed to start control api: %w", err)
	}

	log.Info(map[string]any{
		"queue":  app.config.Filter.Queue,
		"socket": app.config.Control.Socket,
		"active": app.store.ActiveName(),
	}, "ZenFlow daemon started")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := app.control.Stop(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err}, "Error stopping control api")
		}
		if err := app.consumer.Stop(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error stopping packet consumer")
		}
		if err := app.firewall.Remove(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err}, "Error removing firewall rules")
		}
		if err := app.db.Close(); err != nil {
			log.Warn(map[string]any{"error": err}, "Error closing database")
		}
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}
