package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

// Runner executes one external command, returning its combined output.
// Tests substitute a fake; production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through the local binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options carries the redirector's dependencies and settings.
type Options struct {
	Runner   Runner // defaults to ExecRunner
	QueueNum uint16
	Binary   string // iptables binary, defaults to "iptables"
}

// Redirector installs and removes the pair of iptables rules that divert
// non-loopback traffic into the kernel queue. Rules carry --queue-bypass,
// so packets keep flowing if the daemon dies without cleaning up; blocking
// degrades open, connectivity never hinges on this process.
type Redirector struct {
	runner   Runner
	binary   string
	queueNum uint16
}

// New constructs a Redirector. Zero options take defaults.
func New(opts Options) *Redirector {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Binary == "" {
		opts.Binary = "iptables"
	}
	return &Redirector{
		runner:   opts.Runner,
		binary:   opts.Binary,
		queueNum: opts.QueueNum,
	}
}

// specs returns the two rule specifications, chain first.
func (r *Redirector) specs() [][]string {
	n := strconv.Itoa(int(r.queueNum))
	return [][]string{
		{"OUTPUT", "!", "-o", "lo", "-j", "NFQUEUE", "--queue-num", n, "--queue-bypass"},
		{"INPUT", "!", "-i", "lo", "-j", "NFQUEUE", "--queue-num", n, "--queue-bypass"},
	}
}

// Install adds both redirect rules, checking first so repeated installs
// never stack duplicates. A failure rolls back whatever was added and
// wraps as a PrivilegeError: the daemon must not run silently unfiltered.
func (r *Redirector) Install(ctx context.Context) error {
	specs := r.specs()
	for i, spec := range specs {
		if r.present(ctx, spec) {
			continue
		}
		out, err := r.run(ctx, "-A", spec)
		if err != nil {
			r.remove(ctx, specs[:i+1])
			return domain.NewPrivilegeError(
				fmt.Sprintf("install %s nfqueue redirect", spec[0]),
				fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err),
			)
		}
		log.Debug(map[string]any{"rule": strings.Join(spec, " ")}, "iptables rule added")
	}
	log.Info(map[string]any{"queue": r.queueNum}, "nfqueue redirect installed")
	return nil
}

// Remove deletes every instance of both rules. Absent rules are a no-op,
// so removal is safe to run unconditionally on shutdown.
func (r *Redirector) Remove(ctx context.Context) error {
	err := r.remove(ctx, r.specs())
	if err == nil {
		log.Info(map[string]any{"queue": r.queueNum}, "nfqueue redirect removed")
	}
	return err
}

func (r *Redirector) remove(ctx context.Context, specs [][]string) error {
	var lastErr error
	for _, spec := range specs {
		for r.present(ctx, spec) {
			out, err := r.run(ctx, "-D", spec)
			if err != nil {
				lastErr = fmt.Errorf("delete %s rule: %s: %w", spec[0], strings.TrimSpace(string(out)), err)
				log.Error(map[string]any{"error": lastErr.Error()}, "removing iptables rule")
				break
			}
		}
	}
	return lastErr
}

// present probes with -C; any failure reads as absent. A rule spec the
// binary rejects outright will fail -A too and surface there.
func (r *Redirector) present(ctx context.Context, spec []string) bool {
	_, err := r.run(ctx, "-C", spec)
	return err == nil
}

func (r *Redirector) run(ctx context.Context, op string, spec []string) ([]byte, error) {
	args := append([]string{op}, spec...)
	return r.runner.Run(ctx, r.binary, args...)
}
