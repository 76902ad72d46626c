package infra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// DesktopTarget adapts the process supervisor to the Target interface: one
// supervised instance of the desktop client, restartable across login
// attempts.
type DesktopTarget struct {
	sup        domain.Supervisor
	executable string
	args       []string
	settle     time.Duration
	sleep      func(time.Duration)
	logger     *zap.Logger

	mu     sync.Mutex
	handle domain.ProcessHandle
}

var _ domain.Target = (*DesktopTarget)(nil)

// NewDesktopTarget creates a target for the given executable. settle is how
// long a fresh launch gets to stabilize before liveness is judged.
func NewDesktopTarget(sup domain.Supervisor, executable string, settle time.Duration, logger *zap.Logger, args ...string) *DesktopTarget {
	return &DesktopTarget{
		sup:        sup,
		executable: executable,
		args:       args,
		settle:     settle,
		sleep:      time.Sleep,
		logger:     logger,
	}
}

// NewDesktopTargetWithDeps creates a target with an injected sleep (for testing).
func NewDesktopTargetWithDeps(sup domain.Supervisor, executable string, settle time.Duration, sleep func(time.Duration), logger *zap.Logger, args ...string) *DesktopTarget {
	t := NewDesktopTarget(sup, executable, settle, logger, args...)
	t.sleep = sleep
	return t
}

// Start launches the client, waits the settle interval, and confirms the
// process survived it. A process that exits during settle is reported as an
// error so the caller can retry.
func (t *DesktopTarget) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != nil && t.sup.IsAlive(t.handle) {
		return nil
	}

	handle, err := t.sup.Launch(ctx, t.executable, t.args...)
	if err != nil {
		return err
	}

	t.logger.Info("client launched, settling",
		zap.Int("pid", handle.PID()),
		zap.Duration("settle", t.settle))
	t.sleep(t.settle)

	if !t.sup.IsAlive(handle) {
		return fmt.Errorf("client pid %d exited during startup", handle.PID())
	}

	t.handle = handle
	return nil
}

// Alive reports whether the supervised process is still running.
func (t *DesktopTarget) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle != nil && t.sup.IsAlive(t.handle)
}

// Stop terminates the process, forcing after grace. Idempotent.
func (t *DesktopTarget) Stop(grace time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle == nil {
		return nil
	}
	err := t.sup.Terminate(t.handle, grace)
	t.handle = nil
	return err
}
