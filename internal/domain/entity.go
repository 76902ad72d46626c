// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the orchestrator's top-level state.
type Mode string

const (
	ModeLaunching   Mode = "launching"
	ModeConfiguring Mode = "configuring"
	ModeMonitoring  Mode = "monitoring"
	ModeManual      Mode = "manual"
	ModeTerminated  Mode = "terminated"
)

// Credentials is the identifier/secret pair sourced once at startup.
// It lives only in memory for the process lifetime and is never persisted.
type Credentials struct {
	Identifier string
	Secret     string
}

// Provided reports whether both halves of the pair are present.
func (c Credentials) Provided() bool {
	return c.Identifier != "" && c.Secret != ""
}

// RetryPolicy bounds a retried operation and shapes its backoff.
// Backoff for attempt n is jitter * n * BaseMultiplier where jitter is drawn
// from [JitterMin, JitterMax] seconds, so it is non-decreasing in n for a
// fixed jitter draw.
type RetryPolicy struct {
	MaxAttempts    int
	BaseMultiplier int
	JitterMin      int // seconds
	JitterMax      int // seconds
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseMultiplier < 1 {
		return fmt.Errorf("retry policy: base multiplier must be >= 1, got %d", p.BaseMultiplier)
	}
	if p.JitterMin < 0 || p.JitterMax < p.JitterMin {
		return fmt.Errorf("retry policy: invalid jitter range [%d, %d]", p.JitterMin, p.JitterMax)
	}
	return nil
}

// AttemptContext is per-operation retry bookkeeping, created fresh for each
// retried operation and discarded on success or final failure.
type AttemptContext struct {
	Attempt        int
	ElapsedBackoff time.Duration
}

// ExtensionDescriptor identifies the vendor extension and where to obtain it.
// ArtifactPath is filled exactly once by the acquisition pipeline.
type ExtensionDescriptor struct {
	ID          string
	InstallURL  string
	ManifestURL string

	ArtifactPath string
}

// Manifest is the validated remote release metadata.
type Manifest struct {
	Version string
	Links   map[string]string // platform -> download URL
}

// WindowHandle is an opaque window identifier returned by a probe.
// It is valid only until the next probe; the target UI can reparent or
// destroy windows at any time, so handles are re-resolved before each use.
type WindowHandle string

// ProcessState describes the lifecycle of the supervised external process.
type ProcessState int

const (
	ProcessStarting ProcessState = iota
	ProcessRunning
	ProcessExited
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStarting:
		return "starting"
	case ProcessRunning:
		return "running"
	case ProcessExited:
		return "exited"
	default:
		return "unknown"
	}
}

// RunRecord is one orchestrator run persisted to the session store.
type RunRecord struct {
	ID       string
	Outcome  string
	Strategy string
	Started  time.Time
}

// Sentinel failures shared across layers. Lower layers return these; the
// orchestrator is the single place deciding retry vs escalate vs degrade.
var (
	// ErrLaunchNotFound: the client executable is missing. Fatal, not retryable.
	ErrLaunchNotFound = errors.New("client executable not found")

	// ErrInjectorUnavailable: the injection subsystem itself is missing or
	// broken. Fatal, not retryable.
	ErrInjectorUnavailable = errors.New("input injection subsystem unavailable")

	// ErrRetriesExhausted: a bounded operation ran out of attempts.
	ErrRetriesExhausted = errors.New("retry budget exhausted")

	// ErrConnectionLost: the connected marker vanished during monitoring.
	ErrConnectionLost = errors.New("connection marker lost")

	// ErrLoginTimeout: the post-submit success marker did not appear within
	// the bounded wait. Distinct from the marker never existing.
	ErrLoginTimeout = errors.New("timed out waiting for login success marker")
)
