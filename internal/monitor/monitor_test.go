package monitor

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

type fakeTarget struct{ alive []bool }

func (t *fakeTarget) Start(ctx context.Context) error { return nil }
func (t *fakeTarget) Stop(time.Duration) error        { return nil }

func (t *fakeTarget) Alive() bool {
	if len(t.alive) == 0 {
		return true
	}
	v := t.alive[0]
	t.alive = t.alive[1:]
	return v
}

// scriptedProbe returns the queued results in order, then repeats the last.
type scriptedProbe struct {
	results []bool
	errs    []error
	calls   int
}

func (p *scriptedProbe) probe(ctx context.Context) (bool, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return false, p.errs[i]
	}
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i], nil
}

func newTestMonitor(target domain.Target, probe Probe, lo, hi time.Duration) (*Monitor, *[]time.Duration) {
	var waits []time.Duration
	wait := func(ctx context.Context, d time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		waits = append(waits, d)
		return nil
	}
	m := NewWithDeps(target, probe, lo, hi, rand.New(rand.NewSource(42)), wait, zap.NewNop())
	return m, &waits
}

func TestWatchReturnsOnMarkerLoss(t *testing.T) {
	probe := &scriptedProbe{results: []bool{true, true, false}}
	m, waits := newTestMonitor(&fakeTarget{}, probe.probe, time.Minute, time.Minute)

	err := m.Watch(context.Background())

	require.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.Equal(t, 3, probe.calls)
	assert.Len(t, *waits, 3, "every probe is preceded by a wait")
}

func TestWatchReturnsWhenClientDies(t *testing.T) {
	probe := &scriptedProbe{results: []bool{true}}
	target := &fakeTarget{alive: []bool{true, false}}
	m, _ := newTestMonitor(target, probe.probe, time.Minute, time.Minute)

	err := m.Watch(context.Background())

	require.ErrorIs(t, err, domain.ErrConnectionLost)
	assert.Contains(t, err.Error(), "client exited")
	assert.Equal(t, 1, probe.calls, "a dead client is not probed")
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	probe := &scriptedProbe{results: []bool{true}}
	m, _ := newTestMonitor(&fakeTarget{}, probe.probe, time.Minute, time.Minute)

	err := m.Watch(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, probe.calls)
}

func TestWatchPropagatesFatalProbeError(t *testing.T) {
	probe := &scriptedProbe{results: []bool{false}, errs: []error{domain.ErrInjectorUnavailable}}
	m, _ := newTestMonitor(&fakeTarget{}, probe.probe, time.Minute, time.Minute)

	err := m.Watch(context.Background())

	require.ErrorIs(t, err, domain.ErrInjectorUnavailable)
}

func TestIntervalsStayWithinBounds(t *testing.T) {
	lo, hi := 2*time.Minute, 5*time.Minute
	probe := &scriptedProbe{results: []bool{true, true, true, true, true, true, true, false}}
	m, waits := newTestMonitor(&fakeTarget{}, probe.probe, lo, hi)

	err := m.Watch(context.Background())
	require.ErrorIs(t, err, domain.ErrConnectionLost)

	require.NotEmpty(t, *waits)
	for _, d := range *waits {
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestWindowProbe(t *testing.T) {
	tests := []struct {
		name    string
		handles []domain.WindowHandle
		want    bool
	}{
		{"visible window means connected", []domain.WindowHandle{"100"}, true},
		{"no window means disconnected", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			probe := WindowProbe(proberOf(tc.handles), "Grass", domain.RetryPolicy{MaxAttempts: 1, BaseMultiplier: 1})
			got, err := probe(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type staticProber struct{ handles []domain.WindowHandle }

func (p staticProber) Find(ctx context.Context, marker string, policy domain.RetryPolicy) ([]domain.WindowHandle, error) {
	return p.handles, nil
}

func proberOf(handles []domain.WindowHandle) domain.WindowProber {
	return staticProber{handles: handles}
}
