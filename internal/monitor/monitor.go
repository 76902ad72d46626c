// Package monitor watches an established session and reports when it drops.
package monitor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// Probe checks whether the session still looks connected.
type Probe func(ctx context.Context) (bool, error)

// WindowProbe builds a Probe from a prober: connected means at least one
// visible match for the marker. Works for both window and DOM probers.
func WindowProbe(p domain.WindowProber, marker string, policy domain.RetryPolicy) Probe {
	return func(ctx context.Context) (bool, error) {
		handles, err := p.Find(ctx, marker, policy)
		if err != nil {
			return false, err
		}
		return len(handles) > 0, nil
	}
}

// Monitor probes session health at randomized intervals. Randomizing the
// cadence keeps the checks from synchronizing with the client's own
// periodic work.
type Monitor struct {
	target domain.Target
	probe  Probe
	lo, hi time.Duration
	rng    *rand.Rand
	wait   func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// New creates a monitor with intervals drawn uniformly from [lo, hi].
func New(target domain.Target, probe Probe, lo, hi time.Duration, logger *zap.Logger) *Monitor {
	return NewWithDeps(target, probe, lo, hi,
		rand.New(rand.NewSource(time.Now().UnixNano())), ctxSleep, logger)
}

// NewWithDeps creates a monitor with injected randomness and waiting (for testing).
func NewWithDeps(target domain.Target, probe Probe, lo, hi time.Duration, rng *rand.Rand, wait func(ctx context.Context, d time.Duration) error, logger *zap.Logger) *Monitor {
	return &Monitor{
		target: target,
		probe:  probe,
		lo:     lo,
		hi:     hi,
		rng:    rng,
		wait:   wait,
		logger: logger,
	}
}

// Watch blocks, probing until the session degrades or ctx is done.
// Returns domain.ErrConnectionLost (possibly wrapped) on loss, ctx.Err() on
// shutdown, or a fatal probe error as-is.
func (m *Monitor) Watch(ctx context.Context) error {
	for {
		interval := m.nextInterval()
		m.logger.Debug("next health check scheduled", zap.Duration("in", interval))

		if err := m.wait(ctx, interval); err != nil {
			return err
		}

		if !m.target.Alive() {
			m.logger.Warn("client is no longer running")
			return fmt.Errorf("%w: client exited", domain.ErrConnectionLost)
		}

		connected, err := m.probe(ctx)
		if err != nil {
			return err
		}
		if !connected {
			m.logger.Warn("connected marker vanished")
			return domain.ErrConnectionLost
		}

		m.logger.Info("session healthy")
	}
}

func (m *Monitor) nextInterval() time.Duration {
	if span := m.hi - m.lo; span > 0 {
		return m.lo + time.Duration(m.rng.Int63n(int64(span)+1))
	}
	return m.lo
}

// ctxSleep waits d or until ctx is done, whichever comes first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
