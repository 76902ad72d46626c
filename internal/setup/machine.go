package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/retry"
)

// Script performs the strategy-specific configuration steps, advancing the
// machine through its states as each step lands. A successful Run leaves the
// machine in StatePostSteps; the machine itself takes the final step to
// StateConfigured.
type Script interface {
	Run(ctx context.Context, m *Machine, creds domain.Credentials) error
}

// Machine drives one configuration pass: it owns the attempt budget, the
// per-attempt state reset, relaunching a dead target, and setting the
// configured marker on success. The strategy-specific work lives in the
// injected Script.
type Machine struct {
	target domain.Target
	marker domain.MarkerStore
	script Script

	backoff *retry.Backoff
	sleep   func(time.Duration)
	logger  *zap.Logger

	mu    sync.Mutex
	state State
}

// NewMachine creates a configuration machine for the given policy.
func NewMachine(target domain.Target, marker domain.MarkerStore, script Script, policy domain.RetryPolicy, logger *zap.Logger) *Machine {
	return NewMachineWithDeps(target, marker, script, retry.New(policy), time.Sleep, logger)
}

// NewMachineWithDeps creates a machine with injected dependencies (for testing).
func NewMachineWithDeps(target domain.Target, marker domain.MarkerStore, script Script, backoff *retry.Backoff, sleep func(time.Duration), logger *zap.Logger) *Machine {
	return &Machine{
		target:  target,
		marker:  marker,
		script:  script,
		backoff: backoff,
		sleep:   sleep,
		logger:  logger,
		state:   StateNotStarted,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves the machine to the next state. Scripts call this after each
// completed step; skipping a step is a programming error, not a retry case.
func (m *Machine) Advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validTransition(m.state, to) {
		return invalidTransitionError(m.state, to)
	}
	m.logger.Debug("configuration state advanced",
		zap.String("from", string(m.state)),
		zap.String("to", string(to)))
	m.state = to
	return nil
}

// Configure runs the configuration sequence unless the configured marker is
// already set, in which case it returns immediately without injecting a
// single action. Rerunning after success is therefore a no-op.
func (m *Machine) Configure(ctx context.Context, creds domain.Credentials) error {
	if m.marker.IsSet() {
		m.logger.Info("already configured, skipping login",
			zap.String("marker", m.marker.Path()))
		m.setState(StateConfigured)
		return nil
	}
	return m.run(ctx, creds)
}

// Reconnect re-runs the configuration sequence after a lost connection.
// The configured marker is deliberately not consulted: it records that
// configuration happened once, not that the session is still valid.
func (m *Machine) Reconnect(ctx context.Context, creds domain.Credentials) error {
	return m.run(ctx, creds)
}

func (m *Machine) run(ctx context.Context, creds domain.Credentials) error {
	if !creds.Provided() {
		return fmt.Errorf("credentials missing, cannot configure")
	}

	err := m.backoff.Attempts(m.sleep, func(ac domain.AttemptContext) (bool, error) {
		m.setState(StateNotStarted)

		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		if !m.target.Alive() {
			m.logger.Warn("target not running, relaunching",
				zap.Int("attempt", ac.Attempt))
			if err := m.target.Start(ctx); err != nil {
				if errors.Is(err, domain.ErrLaunchNotFound) {
					return true, err
				}
				m.logger.Warn("relaunch failed", zap.Error(err))
				return false, nil
			}
		}

		err := m.script.Run(ctx, m, creds)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, domain.ErrInjectorUnavailable) || errors.Is(err, context.Canceled) {
			return true, err
		}

		m.logger.Warn("configuration attempt failed",
			zap.Int("attempt", ac.Attempt),
			zap.Duration("elapsed_backoff", ac.ElapsedBackoff),
			zap.Error(err))
		return false, nil
	})
	if err != nil {
		return err
	}

	if err := m.Advance(StateConfigured); err != nil {
		return err
	}
	if err := m.marker.Set(); err != nil {
		return fmt.Errorf("configuration succeeded but marker write failed: %w", err)
	}
	m.logger.Info("configuration complete", zap.String("marker", m.marker.Path()))
	return nil
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
