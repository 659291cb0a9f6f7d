// Package browser observes the hosts a web page contacts by driving a
// headless Chromium over the DevTools protocol. One browser process is
// launched per seed and killed when observation ends.
package browser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anassk/zenflowd/internal/zen/common/log"
)

const (
	defaultBinary        = "chromium"
	defaultSettle        = 2 * time.Second
	defaultLaunchTimeout = 20 * time.Second

	devToolsPrefix = "DevTools listening on "
)

// Options configures a Chrome observer. All fields have defaults.
type Options struct {
	// Binary is the Chromium executable to launch.
	Binary string
	// Settle is how long to keep collecting requests after the page's
	// load event fires.
	Settle time.Duration
	// LaunchTimeout bounds the wait for the DevTools endpoint to come up.
	LaunchTimeout time.Duration
}

// Chrome launches a headless Chromium per observation and records every
// hostname the page requests while loading.
type Chrome struct {
	binary        string
	settle        time.Duration
	launchTimeout time.Duration
}

func New(opts Options) *Chrome {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = defaultLaunchTimeout
	}
	return &Chrome{
		binary:        opts.Binary,
		settle:        opts.Settle,
		launchTimeout: opts.LaunchTimeout,
	}
}

// ObserveHosts loads seedURL in a fresh headless browser and returns the
// distinct hostnames requested during the load, in first-seen order. The
// browser process is killed before this returns.
func (c *Chrome) ObserveHosts(ctx context.Context, seedURL string) ([]string, error) {
	wsURL, cleanup, err := c.launch(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return c.observeAt(ctx, wsURL, seedURL)
}

// launch starts the browser with an ephemeral debugging port and scans its
// stderr for the DevTools endpoint line. The returned cleanup kills the
// process and removes its profile directory.
func (c *Chrome) launch(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp("", "zenflow-chrome-")
	if err != nil {
		return "", nil, fmt.Errorf("browser profile dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binary,
		"--headless=new",
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--user-data-dir="+dir,
		"about:blank",
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("browser stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("launching %s: %w", c.binary, err)
	}
	cleanup := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.RemoveAll(dir)
	}

	urlCh := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if u, ok := parseDevToolsLine(sc.Text()); ok {
				urlCh <- u
				break
			}
		}
		// Keep draining so the browser never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	select {
	case u := <-urlCh:
		log.Debug(map[string]any{"endpoint": u, "binary": c.binary}, "devtools endpoint ready")
		return u, cleanup, nil
	case <-time.After(c.launchTimeout):
		cleanup()
		return "", nil, fmt.Errorf("browser startup: no devtools endpoint within %s", c.launchTimeout)
	case <-ctx.Done():
		cleanup()
		return "", nil, ctx.Err()
	}
}

// observeAt drives an already-running DevTools endpoint: open a page
// target, enable network events, navigate, and collect request hostnames
// until the load settles.
func (c *Chrome) observeAt(ctx context.Context, wsURL, seedURL string) ([]string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing devtools: %w", err)
	}
	defer conn.Close()
	s := newCDPSession(conn)
	defer s.close()

	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := s.call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created); err != nil {
		return nil, err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := s.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached); err != nil {
		return nil, err
	}
	s.target = attached.SessionID

	if err := s.call(ctx, s.target, "Network.enable", nil, nil); err != nil {
		return nil, err
	}
	if err := s.call(ctx, s.target, "Page.enable", nil, nil); err != nil {
		return nil, err
	}

	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := s.call(ctx, s.target, "Page.navigate", map[string]any{"url": seedURL}, &nav); err != nil {
		return nil, err
	}
	if nav.ErrorText != "" {
		return nil, fmt.Errorf("navigation failed: %s", nav.ErrorText)
	}

	hosts, err := s.collect(ctx, c.settle)
	if err != nil {
		return nil, err
	}
	log.Debug(map[string]any{"seed": seedURL, "hosts": len(hosts)}, "page observation finished")
	return hosts, nil
}

// parseDevToolsLine extracts the websocket endpoint from Chromium's
// "DevTools listening on ws://..." stderr line.
func parseDevToolsLine(line string) (string, bool) {
	i := strings.Index(line, devToolsPrefix)
	if i < 0 {
		return "", false
	}
	u := strings.TrimSpace(line[i+len(devToolsPrefix):])
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return "", false
	}
	return u, true
}
