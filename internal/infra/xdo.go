package infra

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/retry"
)

// CommandRunner executes external commands. Injectable so tests can fake the
// xdotool binary.
type CommandRunner interface {
	// Run executes the command and returns its combined stdout.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the real CommandRunner backed by os/exec.
type ExecRunner struct{}

// Run executes the command and returns its stdout.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const xdotoolBin = "xdotool"

// XdoProber implements domain.WindowProber against visible X windows.
type XdoProber struct {
	runner  CommandRunner
	backoff *retry.Backoff
	sleep   func(time.Duration)
	logger  *zap.Logger
}

// NewXdoProber creates a window prober for the given policy.
func NewXdoProber(policy domain.RetryPolicy, logger *zap.Logger) *XdoProber {
	return &XdoProber{
		runner:  ExecRunner{},
		backoff: retry.New(policy),
		sleep:   time.Sleep,
		logger:  logger,
	}
}

// NewXdoProberWithDeps creates a prober with injected dependencies (for testing).
func NewXdoProberWithDeps(runner CommandRunner, backoff *retry.Backoff, sleep func(time.Duration), logger *zap.Logger) *XdoProber {
	return &XdoProber{runner: runner, backoff: backoff, sleep: sleep, logger: logger}
}

// Find searches for visible windows whose name matches marker. It waits a
// short settle interval first (the target may still be starting), then runs
// up to policy.MaxAttempts searches with randomized increasing backoff in
// between. Absence after the budget is (nil, nil), not an error.
func (p *XdoProber) Find(ctx context.Context, marker string, policy domain.RetryPolicy) ([]domain.WindowHandle, error) {
	settle := time.Duration(policy.BaseMultiplier) * time.Second
	p.logger.Info("waiting before window search",
		zap.String("marker", marker),
		zap.Duration("settle", settle))
	p.sleep(settle)

	var found []domain.WindowHandle
	err := p.backoff.Attempts(p.sleepLogged(marker), func(ac domain.AttemptContext) (bool, error) {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		out, err := p.runner.Run(ctx, xdotoolBin,
			"search", "--sync", "--all", "--onlyvisible", "--classname", "--name", marker)
		if err != nil {
			if isBinaryMissing(err) {
				return true, fmt.Errorf("%w: %s missing", domain.ErrInjectorUnavailable, xdotoolBin)
			}
			// Non-zero exit means no window matched. Expected, keep trying.
			p.logger.Warn("window not found",
				zap.String("marker", marker),
				zap.Int("attempt", ac.Attempt))
			return false, nil
		}

		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				found = append(found, domain.WindowHandle(line))
			}
		}
		if len(found) == 0 {
			return false, nil
		}

		p.logger.Info("window detected",
			zap.String("marker", marker),
			zap.Int("matches", len(found)))
		return true, nil
	})

	if errors.Is(err, domain.ErrRetriesExhausted) {
		p.logger.Warn("window never appeared", zap.String("marker", marker))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (p *XdoProber) sleepLogged(marker string) func(time.Duration) {
	return func(d time.Duration) {
		p.logger.Info("backing off before next window search",
			zap.String("marker", marker),
			zap.Duration("backoff", d))
		p.sleep(d)
	}
}

// XdoInjector implements domain.InputInjector by shelling out to xdotool.
// Keys and text land on whatever holds focus; focusing is the caller's job.
type XdoInjector struct {
	runner CommandRunner
	sleep  func(time.Duration)
	logger *zap.Logger
}

// NewXdoInjector creates an input injector.
func NewXdoInjector(logger *zap.Logger) *XdoInjector {
	return &XdoInjector{runner: ExecRunner{}, sleep: time.Sleep, logger: logger}
}

// NewXdoInjectorWithDeps creates an injector with injected dependencies (for testing).
func NewXdoInjectorWithDeps(runner CommandRunner, sleep func(time.Duration), logger *zap.Logger) *XdoInjector {
	return &XdoInjector{runner: runner, sleep: sleep, logger: logger}
}

// Focus gives input focus to the window, synchronously.
func (i *XdoInjector) Focus(ctx context.Context, w domain.WindowHandle) (bool, error) {
	return i.run(ctx, "windowfocus", "--sync", string(w))
}

// SendKey presses a single named key.
func (i *XdoInjector) SendKey(ctx context.Context, key string) (bool, error) {
	return i.run(ctx, "key", key)
}

// TypeText types text with a per-character delay. The text is escaped first;
// feeding an unescaped leading dash to xdotool would be parsed as a flag.
func (i *XdoInjector) TypeText(ctx context.Context, text string, perCharDelay time.Duration) (bool, error) {
	delay := strconv.FormatInt(perCharDelay.Milliseconds(), 10)
	return i.run(ctx, "type", "--delay", delay, EscapeText(text))
}

func (i *XdoInjector) run(ctx context.Context, args ...string) (bool, error) {
	_, err := i.runner.Run(ctx, xdotoolBin, args...)
	if err == nil {
		return true, nil
	}
	if isBinaryMissing(err) {
		return false, fmt.Errorf("%w: %s missing", domain.ErrInjectorUnavailable, xdotoolBin)
	}

	// Non-zero exit: the action was attempted and reported failure.
	i.logger.Warn("injection action failed", zap.Strings("args", args[:1]))
	return false, nil
}

// EscapeText escapes characters meaningful to xdotool's own argument syntax.
// A leading dash would otherwise be read as an option.
func EscapeText(text string) string {
	if strings.HasPrefix(text, "-") {
		return `\` + text
	}
	return text
}

// isBinaryMissing reports whether the command failed because the executable
// does not exist, as opposed to running and exiting non-zero.
func isBinaryMissing(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}

var (
	_ domain.WindowProber  = (*XdoProber)(nil)
	_ domain.InputInjector = (*XdoInjector)(nil)
)
