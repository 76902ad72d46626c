package setup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// PageDriver is the slice of the browser session the web login needs.
type PageDriver interface {
	AcceptCookieBanner()
	WaitVisible(selector string, timeout time.Duration) (bool, error)
	ClickFirst(selector string) (bool, error)
	FillByName(name, value string) (bool, error)
	OpenExtensionPage(extensionID string) error
	Navigate(url string) error

	// SessionToken returns the web app's API token once a session exists,
	// or "" when none is stored yet.
	SessionToken() (string, error)
}

// TokenSink persists the API session token for later authenticated fetches.
type TokenSink interface {
	StoreToken(token string) error
}

const (
	// Selectors on the vendor's login page.
	selectorIdentifier = `[name="user"]`
	selectorSubmit     = "button"

	// SelectorLoggedIn is visible only once the dashboard has an active
	// session. The monitor probes it too.
	SelectorLoggedIn = `a:has-text("Logout")`

	selectorConnect = `button:has-text("CONNECT")`

	// loginFormWait bounds the wait for the login form to render.
	loginFormWait = 30 * time.Second

	// loginSuccessWait bounds the wait for the post-submit dashboard. Its
	// expiry is ErrLoginTimeout: the page was reached and credentials were
	// submitted, but the session never materialized.
	loginSuccessWait = 2 * time.Minute

	// connectWait bounds the wait for the extension page's connect button.
	connectWait = 15 * time.Second
)

// WebScript logs in through the vendor web app in a driven browser, then
// activates the extension from its settings page.
type WebScript struct {
	session      PageDriver
	tokens       TokenSink
	extensionID  string
	dashboardURL string
	logger       *zap.Logger
}

var _ Script = (*WebScript)(nil)

// NewWebScript creates the browser login script. dashboardURL is where the
// page returns after the extension detour. tokens may be nil when the API
// session should not be cached.
func NewWebScript(session PageDriver, tokens TokenSink, extensionID, dashboardURL string, logger *zap.Logger) *WebScript {
	return &WebScript{
		session:      session,
		tokens:       tokens,
		extensionID:  extensionID,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// Run performs one full login pass against the web app.
func (s *WebScript) Run(ctx context.Context, m *Machine, creds domain.Credentials) error {
	s.session.AcceptCookieBanner()

	visible, err := s.session.WaitVisible(selectorIdentifier, loginFormWait)
	if err != nil {
		return err
	}
	if !visible {
		return fmt.Errorf("login form never rendered")
	}
	if err := m.Advance(StateWindowFound); err != nil {
		return err
	}

	ok, err := s.session.ClickFirst(selectorIdentifier)
	if err := s.do(ok, err, "focus identifier field"); err != nil {
		return err
	}
	if err := m.Advance(StateFocused); err != nil {
		return err
	}

	ok, err = s.session.FillByName("user", creds.Identifier)
	if err := s.do(ok, err, "fill identifier"); err != nil {
		return err
	}
	ok, err = s.session.FillByName("password", creds.Secret)
	if err := s.do(ok, err, "fill secret"); err != nil {
		return err
	}
	if err := m.Advance(StateCredentialsEntered); err != nil {
		return err
	}

	ok, err = s.session.ClickFirst(selectorSubmit)
	if err := s.do(ok, err, "submit login form"); err != nil {
		return err
	}
	if err := m.Advance(StateSubmitted); err != nil {
		return err
	}

	loggedIn, err := s.session.WaitVisible(SelectorLoggedIn, loginSuccessWait)
	if err != nil {
		return err
	}
	if !loggedIn {
		return domain.ErrLoginTimeout
	}
	s.logger.Info("dashboard session established")
	s.cacheToken()

	s.activateExtension()
	return m.Advance(StatePostSteps)
}

// cacheToken persists the authenticated API token so later manifest fetches
// can skip the login hop. Best effort: a missing token only means the next
// fetch runs anonymously.
func (s *WebScript) cacheToken() {
	if s.tokens == nil {
		return
	}
	token, err := s.session.SessionToken()
	if err != nil {
		s.logger.Warn("could not read session token", zap.Error(err))
		return
	}
	if token == "" {
		s.logger.Warn("no session token exposed by the web app")
		return
	}
	if err := s.tokens.StoreToken(token); err != nil {
		s.logger.Warn("could not cache session token", zap.Error(err))
		return
	}
	s.logger.Info("session token cached for authenticated fetches")
}

// activateExtension opens the extension's settings page and clicks its
// connect button. Best effort: the extension usually connects on its own
// once a session cookie exists, so a missing button is not a failure.
func (s *WebScript) activateExtension() {
	if s.extensionID == "" {
		return
	}
	if err := s.session.OpenExtensionPage(s.extensionID); err != nil {
		s.logger.Warn("could not open extension page", zap.Error(err))
		return
	}

	visible, err := s.session.WaitVisible(selectorConnect, connectWait)
	if err == nil && visible {
		if ok, _ := s.session.ClickFirst(selectorConnect); ok {
			s.logger.Info("extension connect clicked")
		}
	}

	if s.dashboardURL != "" {
		if err := s.session.Navigate(s.dashboardURL); err != nil {
			s.logger.Warn("could not return to dashboard", zap.Error(err))
		}
	}
}

func (s *WebScript) do(ok bool, err error, action string) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("page action failed: %s", action)
	}
	return nil
}
