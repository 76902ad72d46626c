package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

type fakeHandle struct {
	pid   int
	state domain.ProcessState
}

func (h *fakeHandle) PID() int                   { return h.pid }
func (h *fakeHandle) State() domain.ProcessState { return h.state }

type fakeSupervisor struct {
	launchErr  error
	launches   int
	terminated int
	// dieDuringSettle makes the process appear dead on the first liveness
	// check after launch.
	dieDuringSettle bool
	alive           map[domain.ProcessHandle]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{alive: make(map[domain.ProcessHandle]bool)}
}

func (s *fakeSupervisor) Launch(ctx context.Context, executable string, args ...string) (domain.ProcessHandle, error) {
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	s.launches++
	h := &fakeHandle{pid: 4000 + s.launches, state: domain.ProcessRunning}
	s.alive[h] = !s.dieDuringSettle
	return h, nil
}

func (s *fakeSupervisor) IsAlive(h domain.ProcessHandle) bool { return s.alive[h] }

func (s *fakeSupervisor) Terminate(h domain.ProcessHandle, grace time.Duration) error {
	s.terminated++
	s.alive[h] = false
	return nil
}

func newTestTarget(sup domain.Supervisor) (*DesktopTarget, *[]time.Duration) {
	var sleeps []time.Duration
	t := NewDesktopTargetWithDeps(sup, "/usr/bin/grass", 3*time.Second,
		func(d time.Duration) { sleeps = append(sleeps, d) }, zap.NewNop())
	return t, &sleeps
}

func TestDesktopTargetStartSettlesAndRechecks(t *testing.T) {
	sup := newFakeSupervisor()
	target, sleeps := newTestTarget(sup)

	require.NoError(t, target.Start(context.Background()))

	assert.True(t, target.Alive())
	assert.Equal(t, []time.Duration{3 * time.Second}, *sleeps)
}

func TestDesktopTargetStartIsIdempotentWhileAlive(t *testing.T) {
	sup := newFakeSupervisor()
	target, _ := newTestTarget(sup)

	require.NoError(t, target.Start(context.Background()))
	require.NoError(t, target.Start(context.Background()))

	assert.Equal(t, 1, sup.launches)
}

func TestDesktopTargetStartDetectsEarlyExit(t *testing.T) {
	sup := newFakeSupervisor()
	sup.dieDuringSettle = true
	target, _ := newTestTarget(sup)

	err := target.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.False(t, target.Alive())
}

func TestDesktopTargetStartPropagatesLaunchNotFound(t *testing.T) {
	sup := newFakeSupervisor()
	sup.launchErr = domain.ErrLaunchNotFound
	target, _ := newTestTarget(sup)

	err := target.Start(context.Background())

	require.True(t, errors.Is(err, domain.ErrLaunchNotFound))
}

func TestDesktopTargetStopIsIdempotent(t *testing.T) {
	sup := newFakeSupervisor()
	target, _ := newTestTarget(sup)
	require.NoError(t, target.Start(context.Background()))

	require.NoError(t, target.Stop(time.Second))
	require.NoError(t, target.Stop(time.Second))

	assert.Equal(t, 1, sup.terminated)
	assert.False(t, target.Alive())
}

func TestDesktopTargetRestartAfterStop(t *testing.T) {
	sup := newFakeSupervisor()
	target, _ := newTestTarget(sup)

	require.NoError(t, target.Start(context.Background()))
	require.NoError(t, target.Stop(time.Second))
	require.NoError(t, target.Start(context.Background()))

	assert.Equal(t, 2, sup.launches)
	assert.True(t, target.Alive())
}
