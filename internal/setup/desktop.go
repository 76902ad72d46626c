package setup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

const (
	// tabsToIdentifier is how many Tab presses land focus on the identifier
	// field from a freshly focused window.
	tabsToIdentifier = 4

	// typeDelay is the per-character delay for typed text. Typing faster
	// drops characters in the client's form fields.
	typeDelay = 125 * time.Millisecond

	// submitSettle is the wait after submitting before the post-login
	// dialogs are dismissed.
	submitSettle = 10 * time.Second

	// confirmSettle is the wait between finding the window and confirming
	// it is still there. The client sometimes shows a splash window that
	// closes itself moments later.
	confirmSettle = 5 * time.Second
)

// DesktopScript logs in through the native client's window using synthetic
// keyboard input. The form layout is fixed, so the script navigates it
// blind: tab to the identifier field, type, tab, type, submit, then walk
// the first-run dialogs.
type DesktopScript struct {
	prober   domain.WindowProber
	injector domain.InputInjector
	marker   string
	policy   domain.RetryPolicy
	sleep    func(time.Duration)
	logger   *zap.Logger

	// displayOnce gates the one-time X-server stabilization wait; retries
	// within the same process skip it.
	displayOnce sync.Once
}

var _ Script = (*DesktopScript)(nil)

// NewDesktopScript creates the desktop login script. marker is the window
// name to search for.
func NewDesktopScript(prober domain.WindowProber, injector domain.InputInjector, marker string, policy domain.RetryPolicy, logger *zap.Logger) *DesktopScript {
	return &DesktopScript{
		prober:   prober,
		injector: injector,
		marker:   marker,
		policy:   policy,
		sleep:    time.Sleep,
		logger:   logger,
	}
}

// NewDesktopScriptWithDeps creates the script with an injected sleep (for testing).
func NewDesktopScriptWithDeps(prober domain.WindowProber, injector domain.InputInjector, marker string, policy domain.RetryPolicy, sleep func(time.Duration), logger *zap.Logger) *DesktopScript {
	s := NewDesktopScript(prober, injector, marker, policy, logger)
	s.sleep = sleep
	return s
}

// Run performs one full login pass against the client window.
func (s *DesktopScript) Run(ctx context.Context, m *Machine, creds domain.Credentials) error {
	s.displayOnce.Do(func() {
		wait := time.Duration(s.policy.BaseMultiplier*5) * time.Second
		s.logger.Info("waiting for the X server to stabilize",
			zap.Duration("wait", wait))
		s.sleep(wait)
	})

	windows, err := s.prober.Find(ctx, s.marker, s.policy)
	if err != nil {
		return err
	}
	if len(windows) == 0 {
		return fmt.Errorf("no window matching %q", s.marker)
	}

	// Confirm the window survives the settle; splash windows close
	// themselves and would swallow the injected input.
	s.sleep(confirmSettle)
	windows, err = s.prober.Find(ctx, s.marker, s.policy)
	if err != nil {
		return err
	}
	if len(windows) == 0 {
		return fmt.Errorf("window %q vanished while settling", s.marker)
	}

	// The newest window is listed last and is the one accepting input.
	target := windows[len(windows)-1]
	if err := m.Advance(StateWindowFound); err != nil {
		return err
	}

	ok, err := s.injector.Focus(ctx, target)
	if err := s.check(ok, err, "focus window"); err != nil {
		return err
	}
	if err := m.Advance(StateFocused); err != nil {
		return err
	}

	// Tab to the login entry and open the form with Return; the form takes
	// a moment to render before it accepts text.
	for i := 0; i < tabsToIdentifier; i++ {
		if err := s.key(ctx, "Tab"); err != nil {
			return err
		}
	}
	if err := s.key(ctx, "Return"); err != nil {
		return err
	}
	formSettle := time.Duration(s.policy.BaseMultiplier*2) * time.Second
	s.logger.Info("login form opened", zap.Duration("settle", formSettle))
	s.sleep(formSettle)

	if err := s.typeText(ctx, creds.Identifier); err != nil {
		return err
	}
	if err := s.key(ctx, "Tab"); err != nil {
		return err
	}
	if err := s.typeText(ctx, creds.Secret); err != nil {
		return err
	}
	if err := m.Advance(StateCredentialsEntered); err != nil {
		return err
	}

	if err := s.key(ctx, "Return"); err != nil {
		return err
	}
	if err := m.Advance(StateSubmitted); err != nil {
		return err
	}

	s.logger.Info("credentials submitted, waiting for dashboard",
		zap.Duration("settle", submitSettle))
	s.sleep(submitSettle)

	// Dismiss the two first-run prompts, then close any trailing dialog.
	for i := 0; i < 2; i++ {
		if err := s.key(ctx, "Tab"); err != nil {
			return err
		}
		if err := s.key(ctx, "space"); err != nil {
			return err
		}
	}
	if err := s.key(ctx, "Escape"); err != nil {
		return err
	}
	return m.Advance(StatePostSteps)
}

func (s *DesktopScript) key(ctx context.Context, name string) error {
	ok, err := s.injector.SendKey(ctx, name)
	return s.check(ok, err, "key "+name)
}

func (s *DesktopScript) typeText(ctx context.Context, text string) error {
	ok, err := s.injector.TypeText(ctx, text, typeDelay)
	return s.check(ok, err, "type text")
}

func (s *DesktopScript) check(ok bool, err error, action string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("injection action failed: %s", action)
	}
	return nil
}
