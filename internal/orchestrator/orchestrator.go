// Package orchestrator runs the top-level mode machine: launch the client,
// configure it, monitor the session, and degrade or terminate as failures
// dictate.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/retry"
)

// Configurer is the login/configuration machine.
type Configurer interface {
	Configure(ctx context.Context, creds domain.Credentials) error
	Reconnect(ctx context.Context, creds domain.Credentials) error
}

// Watcher blocks while the session is healthy.
type Watcher interface {
	Watch(ctx context.Context) error
}

// DefaultHeartbeat is the standby log cadence in manual mode.
const DefaultHeartbeat = time.Hour

// Options configures an Orchestrator.
type Options struct {
	Credentials domain.Credentials
	Autologin   bool
	Strategy    string
	LaunchRetry domain.RetryPolicy

	// TerminateGrace bounds graceful client shutdown.
	TerminateGrace time.Duration

	// Heartbeat is the manual-mode standby log interval. Zero means
	// DefaultHeartbeat.
	Heartbeat time.Duration
}

// Orchestrator owns the target exclusively and sequences the run modes.
type Orchestrator struct {
	target     domain.Target
	configurer Configurer
	watcher    Watcher
	store      domain.SessionStore
	opts       Options

	launchBackoff *retry.Backoff
	sleep         func(time.Duration)
	wait          func(ctx context.Context, d time.Duration) error
	newRunID      func() string
	now           func() time.Time
	logger        *zap.Logger

	mode domain.Mode
}

// New creates an orchestrator. store may be nil when run history is not
// wanted.
func New(target domain.Target, configurer Configurer, watcher Watcher, store domain.SessionStore, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Orchestrator{
		target:        target,
		configurer:    configurer,
		watcher:       watcher,
		store:         store,
		opts:          opts,
		launchBackoff: retry.New(opts.LaunchRetry),
		sleep:         time.Sleep,
		wait:          ctxSleep,
		newRunID:      uuid.NewString,
		now:           time.Now,
		logger:        logger,
		mode:          domain.ModeLaunching,
	}
}

// Mode returns the current top-level mode.
func (o *Orchestrator) Mode() domain.Mode { return o.mode }

// Run drives the full lifecycle until shutdown or a fatal failure. A nil
// return means an orderly stop (context cancelled); any error means the run
// failed and the process should exit non-zero.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	started := o.now()
	outcome := "failed"
	defer func() {
		o.setMode(domain.ModeTerminated)
		if stopErr := o.target.Stop(o.opts.TerminateGrace); stopErr != nil {
			o.logger.Warn("client did not stop cleanly", zap.Error(stopErr))
		}
		if err == nil {
			outcome = "shutdown"
		}
		o.recordRun(outcome, started)
	}()

	if err := o.launch(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		outcome = "launch_failed"
		return err
	}

	reconnecting := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		o.setMode(domain.ModeConfiguring)

		if !o.opts.Autologin || !o.opts.Credentials.Provided() {
			o.logger.Warn("autologin unavailable, switching to manual mode",
				zap.Bool("autologin", o.opts.Autologin),
				zap.Bool("credentials", o.opts.Credentials.Provided()))
			return o.manual(ctx)
		}

		if err := o.configure(ctx, reconnecting); err != nil {
			if isFatal(err) {
				return err
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			o.logger.Error("configuration failed, degrading to manual mode", zap.Error(err))
			return o.manual(ctx)
		}

		o.setMode(domain.ModeMonitoring)
		watchErr := o.watcher.Watch(ctx)
		switch {
		case errors.Is(watchErr, context.Canceled), ctx.Err() != nil:
			return nil
		case errors.Is(watchErr, domain.ErrConnectionLost):
			o.logger.Warn("session lost, attempting reconnect")
			reconnecting = true
		default:
			return watchErr
		}
	}
}

// launch brings the client up under a bounded retry budget. It retries
// crashes during startup but treats a missing executable as final.
func (o *Orchestrator) launch(ctx context.Context) error {
	o.setMode(domain.ModeLaunching)

	return o.launchBackoff.Attempts(o.sleep, func(ac domain.AttemptContext) (bool, error) {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		err := o.target.Start(ctx)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, domain.ErrLaunchNotFound) {
			o.logger.Error("client executable missing", zap.Error(err))
			return true, err
		}

		o.logger.Warn("client failed to start",
			zap.Int("attempt", ac.Attempt),
			zap.Error(err))
		return false, nil
	})
}

func (o *Orchestrator) configure(ctx context.Context, reconnecting bool) error {
	if reconnecting {
		return o.configurer.Reconnect(ctx, o.opts.Credentials)
	}
	return o.configurer.Configure(ctx, o.opts.Credentials)
}

// manual keeps the client running for a human operator, logging a standby
// heartbeat until shutdown.
func (o *Orchestrator) manual(ctx context.Context) error {
	o.setMode(domain.ModeManual)
	o.logger.Info("manual mode: log in through the client UI; the session will be left untouched")

	for {
		if err := o.wait(ctx, o.opts.Heartbeat); err != nil {
			return nil
		}
		o.logger.Info("standing by",
			zap.Bool("client_running", o.target.Alive()))
	}
}

func (o *Orchestrator) setMode(m domain.Mode) {
	if o.mode == m {
		return
	}
	o.logger.Info("mode change",
		zap.String("from", string(o.mode)),
		zap.String("to", string(m)))
	o.mode = m
}

func (o *Orchestrator) recordRun(outcome string, started time.Time) {
	if o.store == nil {
		return
	}
	rec := domain.RunRecord{
		ID:       o.newRunID(),
		Outcome:  outcome,
		Strategy: o.opts.Strategy,
		Started:  started,
	}
	if err := o.store.RecordRun(rec); err != nil {
		o.logger.Warn("failed to record run", zap.Error(err))
	}
}

// isFatal reports failures that no mode change can recover from.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrLaunchNotFound) ||
		errors.Is(err, domain.ErrInjectorUnavailable)
}

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
