package domain

import (
	"context"
	"time"
)

// ProcessHandle is the supervisor's ownership token for one external process.
// Only the supervisor manages its lifecycle; everyone else holds a reference.
type ProcessHandle interface {
	// PID returns the OS process id.
	PID() int

	// State returns the last observed lifecycle state.
	State() ProcessState
}

// Supervisor launches the external client and controls its lifetime.
type Supervisor interface {
	// Launch starts the executable. Returns ErrLaunchNotFound if the binary
	// is missing (not retryable at this layer).
	Launch(ctx context.Context, executable string, args ...string) (ProcessHandle, error)

	// IsAlive is a non-blocking liveness check.
	IsAlive(h ProcessHandle) bool

	// Terminate sends a graceful stop, waits up to grace, then force-kills.
	// Calling it on an already-dead handle is a no-op.
	Terminate(h ProcessHandle, grace time.Duration) error
}

// WindowProber searches for visible windows or page elements matching a
// marker, with bounded retries and randomized backoff.
//
// Absence is an expected, handled case: after all attempts Find returns
// (nil, nil), never an error. When multiple matches exist the last element
// is canonical (the newest window is assumed to be the active one).
type WindowProber interface {
	Find(ctx context.Context, marker string, policy RetryPolicy) ([]WindowHandle, error)
}

// InputInjector delivers synthetic input to whatever currently holds focus.
// The caller focuses the correct target immediately beforehand; the injector
// holds no state about focus.
//
// The bool results report per-action success. The error results are reserved
// for injection-subsystem unavailability (ErrInjectorUnavailable), which is
// fatal and not retryable.
type InputInjector interface {
	Focus(ctx context.Context, w WindowHandle) (bool, error)
	SendKey(ctx context.Context, key string) (bool, error)
	TypeText(ctx context.Context, text string, perCharDelay time.Duration) (bool, error)
}

// Target abstracts the supervised client for the given automation strategy:
// the desktop process for xdotool automation, or the browser session for DOM
// automation. Exclusively owned by the orchestrator.
type Target interface {
	// Start launches (or relaunches) the client and confirms it settled.
	Start(ctx context.Context) error

	// Alive is a non-blocking liveness check of the underlying client.
	Alive() bool

	// Stop gracefully terminates the client, forcing after grace.
	// Idempotent.
	Stop(grace time.Duration) error
}

// MarkerStore backs the ConfiguredMarker flag: existence of one file means
// "already configured". No content format is significant.
type MarkerStore interface {
	IsSet() bool
	Set() error
	Clear() error
	Path() string
}

// ArtifactSource acquires the installable extension artifact, filling
// ExtensionDescriptor.ArtifactPath exactly once.
type ArtifactSource interface {
	Acquire(ctx context.Context, ext *ExtensionDescriptor) error
}

// SessionStore is encrypted persistent storage for the authenticated API
// session used by the acquisition pipeline, plus run history. Credentials
// themselves are never written here.
type SessionStore interface {
	// Token returns the cached session token, or "" when none is stored.
	Token() (string, error)

	// StoreToken persists a new session token.
	StoreToken(token string) error

	// RecordRun appends a run history row.
	RecordRun(rec RunRecord) error

	// Close releases the underlying database.
	Close() error
}
