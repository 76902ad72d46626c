package infra

import (
	"context"
	"errors"
	"math/rand"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/retry"
)

// fakeRunner scripts command results per invocation.
type fakeRunner struct {
	calls   [][]string
	results []fakeResult
}

type fakeResult struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

func exitFailure() error {
	return errors.New("exit status 1")
}

func binaryMissing() error {
	return &exec.Error{Name: xdotoolBin, Err: exec.ErrNotFound}
}

func testPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{MaxAttempts: 3, BaseMultiplier: 1, JitterMin: 1, JitterMax: 1}
}

func newTestProber(runner *fakeRunner) *XdoProber {
	backoff := retry.NewWithRand(testPolicy(), rand.New(rand.NewSource(1)))
	return NewXdoProberWithDeps(runner, backoff, func(time.Duration) {}, zap.NewNop())
}

// TestProberFind_Found verifies window ids are parsed and returned in order.
func TestProberFind_Found(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{out: []byte("12345\n67890\n")},
	}}
	prober := newTestProber(runner)

	windows, err := prober.Find(context.Background(), "Grass", testPolicy())
	require.NoError(t, err)
	require.Len(t, windows, 2)

	// Last match is canonical for callers: the newest window is last.
	assert.Equal(t, domain.WindowHandle("67890"), windows[len(windows)-1])
}

// TestProberFind_AbsenceIsNotAnError verifies exhausting the budget returns
// (nil, nil): the window not existing is an expected outcome.
func TestProberFind_AbsenceIsNotAnError(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{err: exitFailure()},
		{err: exitFailure()},
		{err: exitFailure()},
	}}
	prober := newTestProber(runner)

	windows, err := prober.Find(context.Background(), "Grass", testPolicy())
	assert.NoError(t, err)
	assert.Nil(t, windows)
	assert.Len(t, runner.calls, 3)
}

// TestProberFind_RetriesThenFinds verifies the search is retried and stops
// as soon as a window shows up.
func TestProberFind_RetriesThenFinds(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{err: exitFailure()},
		{out: []byte("42\n")},
	}}
	prober := newTestProber(runner)

	windows, err := prober.Find(context.Background(), "Grass", testPolicy())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Len(t, runner.calls, 2)
}

// TestProberFind_MissingBinaryIsFatal verifies subsystem unavailability is
// surfaced immediately instead of being retried away.
func TestProberFind_MissingBinaryIsFatal(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{err: binaryMissing()}}}
	prober := newTestProber(runner)

	_, err := prober.Find(context.Background(), "Grass", testPolicy())
	assert.ErrorIs(t, err, domain.ErrInjectorUnavailable)
	assert.Len(t, runner.calls, 1)
}

// TestInjector_SendKey verifies key presses and their success/failure mapping.
func TestInjector_SendKey(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{
		{out: nil},
		{err: exitFailure()},
	}}
	injector := NewXdoInjectorWithDeps(runner, func(time.Duration) {}, zap.NewNop())

	ok, err := injector.SendKey(context.Background(), "Tab")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = injector.SendKey(context.Background(), "Return")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{xdotoolBin, "key", "Tab"}, runner.calls[0])
}

// TestInjector_TypeTextEscapesLeadingDash verifies the special-character
// policy: a secret starting with "-" must not be parsed as a flag.
func TestInjector_TypeTextEscapesLeadingDash(t *testing.T) {
	runner := &fakeRunner{}
	injector := NewXdoInjectorWithDeps(runner, func(time.Duration) {}, zap.NewNop())

	ok, err := injector.TypeText(context.Background(), "-hunter2", 125*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{xdotoolBin, "type", "--delay", "125", `\-hunter2`}, runner.calls[0])
}

// TestInjector_MissingBinary verifies the fatal path.
func TestInjector_MissingBinary(t *testing.T) {
	runner := &fakeRunner{results: []fakeResult{{err: binaryMissing()}}}
	injector := NewXdoInjectorWithDeps(runner, func(time.Duration) {}, zap.NewNop())

	ok, err := injector.TypeText(context.Background(), "user@example.com", 0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrInjectorUnavailable)
}

// TestEscapeText table-tests the escaping rules.
func TestEscapeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"-leading", `\-leading`},
		{"--double", `\--double`},
		{"mid-dash", "mid-dash"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeText(tt.in), "input %q", tt.in)
	}
}
