package browser

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/retry"
)

// DOMProber locates page elements the way the desktop prober locates
// windows: retried lookups under a backoff budget, with absence reported
// as a nil result rather than an error. The marker string is a CSS
// selector here.
type DOMProber struct {
	session *Session
	backoff *retry.Backoff
	sleep   func(time.Duration)
	logger  *zap.Logger
}

var _ domain.WindowProber = (*DOMProber)(nil)

// NewDOMProber creates an element prober for the given policy.
func NewDOMProber(session *Session, policy domain.RetryPolicy, logger *zap.Logger) *DOMProber {
	return &DOMProber{
		session: session,
		backoff: retry.New(policy),
		sleep:   time.Sleep,
		logger:  logger,
	}
}

// NewDOMProberWithDeps creates a prober with injected dependencies (for testing).
func NewDOMProberWithDeps(session *Session, backoff *retry.Backoff, sleep func(time.Duration), logger *zap.Logger) *DOMProber {
	return &DOMProber{session: session, backoff: backoff, sleep: sleep, logger: logger}
}

// Find probes for a visible element matching the marker selector, retrying
// under the backoff budget. Absence after the budget is (nil, nil), not an
// error, same as the window prober.
func (p *DOMProber) Find(ctx context.Context, marker string, policy domain.RetryPolicy) ([]domain.WindowHandle, error) {
	var found []domain.WindowHandle

	err := p.backoff.Attempts(p.sleep, func(ac domain.AttemptContext) (bool, error) {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		if !p.session.Alive() {
			return true, domain.ErrInjectorUnavailable
		}
		if p.session.IsVisible(marker) {
			found = []domain.WindowHandle{domain.WindowHandle(marker)}
			return true, nil
		}
		p.logger.Debug("element not visible yet",
			zap.String("selector", marker),
			zap.Int("attempt", ac.Attempt))
		return false, nil
	})

	if errors.Is(err, domain.ErrRetriesExhausted) {
		p.logger.Warn("element never appeared", zap.String("selector", marker))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}
