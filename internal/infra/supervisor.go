// Package infra implements infrastructure concerns (process, input, storage).
package infra

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// Proc is the supervisor's handle for one launched client process.
type Proc struct {
	mu    sync.Mutex
	pid   int
	cmd   *exec.Cmd
	state domain.ProcessState
}

// PID returns the OS process id.
func (p *Proc) PID() int {
	return p.pid
}

// State returns the last observed lifecycle state.
func (p *Proc) State() domain.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proc) setState(s domain.ProcessState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ProcessSupervisor implements domain.Supervisor for the desktop client.
type ProcessSupervisor struct {
	logger *zap.Logger
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(logger *zap.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{logger: logger}
}

// Launch starts the executable. A missing binary is domain.ErrLaunchNotFound:
// retrying cannot help at this layer, the caller decides what that means.
func (s *ProcessSupervisor) Launch(ctx context.Context, executable string, args ...string) (domain.ProcessHandle, error) {
	if _, err := os.Stat(executable); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrLaunchNotFound
		}
		return nil, err
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// Running is set before the reaper starts: states only move forward,
	// a recorded exit must never be overwritten.
	p := &Proc{pid: cmd.Process.Pid, cmd: cmd, state: domain.ProcessRunning}

	// Reap the child so an early exit is observed and no zombie lingers.
	go func() {
		_ = cmd.Wait()
		p.setState(domain.ProcessExited)
	}()

	s.logger.Info("client process launched",
		zap.String("executable", executable),
		zap.Int("pid", p.pid))

	return p, nil
}

// IsAlive is a non-blocking liveness check.
func (s *ProcessSupervisor) IsAlive(h domain.ProcessHandle) bool {
	p, ok := h.(*Proc)
	if !ok || p == nil {
		return false
	}
	if p.State() == domain.ProcessExited {
		return false
	}

	gp, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return false
	}
	running, err := gp.IsRunning()
	if err != nil {
		// Fall back to signal 0 when procfs is unreadable.
		proc, ferr := os.FindProcess(p.pid)
		if ferr != nil {
			return false
		}
		return proc.Signal(syscall.Signal(0)) == nil
	}
	return running
}

// Terminate sends SIGTERM, waits up to grace, then SIGKILLs. Calling it on
// an already-dead handle is a no-op.
func (s *ProcessSupervisor) Terminate(h domain.ProcessHandle, grace time.Duration) error {
	p, ok := h.(*Proc)
	if !ok || p == nil {
		return nil
	}
	if !s.IsAlive(p) {
		return nil
	}

	s.logger.Info("terminating client process",
		zap.Int("pid", p.pid),
		zap.Duration("grace", grace))

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the liveness check and the signal.
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.IsAlive(p) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.logger.Warn("client ignored SIGTERM, killing", zap.Int("pid", p.pid))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Ensure ProcessSupervisor implements domain.Supervisor.
var _ domain.Supervisor = (*ProcessSupervisor)(nil)
