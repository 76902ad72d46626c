// Package browser drives a Chromium session loaded with the vendor
// extension, for targets that expose a page DOM instead of a desktop window.
package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
)

const (
	// userAgent mirrors the desktop Chrome identity the vendor expects.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36 Edg/121.0.0.0"

	// DefaultActionTimeout bounds individual DOM operations.
	DefaultActionTimeout = 30 * time.Second
)

// Config describes the browser session to create.
type Config struct {
	LoginURL      string
	ExtensionPath string // .crx or unpacked extension dir; empty to skip
	Headless      bool
}

// Session owns one Chromium instance, its context, and its single page.
// It is the browser-strategy counterpart of the desktop process handle.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	logger  *zap.Logger
}

var _ domain.Target = (*Session)(nil)

// NewSession creates an unstarted session.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	return &Session{cfg: cfg, logger: logger}
}

// Start launches Chromium and opens the login page. Safe to call again
// after Stop for a relaunch.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.page != nil && !s.page.IsClosed() {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	args := []string{"--no-sandbox", "--disable-dev-shm-usage"}
	if s.cfg.ExtensionPath != "" {
		args = append(args,
			"--disable-extensions-except="+s.cfg.ExtensionPath,
			"--load-extension="+s.cfg.ExtensionPath)
	}
	if s.cfg.Headless {
		// Extensions only load under the new headless implementation.
		args = append(args, "--headless=new")
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		// Headless is carried via --headless=new above so extensions work.
		Headless: playwright.Bool(false),
		Args:     args,
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(userAgent),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(DefaultActionTimeout.Milliseconds()))

	s.pw = pw
	s.browser = browser
	s.bctx = bctx
	s.page = page

	s.logger.Info("browser session started",
		zap.Bool("headless", s.cfg.Headless),
		zap.String("extension", s.cfg.ExtensionPath))

	if s.cfg.LoginURL != "" {
		if err := s.navigateLocked(s.cfg.LoginURL); err != nil {
			return err
		}
	}
	return nil
}

// Alive reports whether the browser is still connected and the page open.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser != nil && s.browser.IsConnected() && s.page != nil && !s.page.IsClosed()
}

// Stop tears the session down, page first as in a clean close. Idempotent.
func (s *Session) Stop(grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = grace // a browser close is already graceful; nothing to force after

	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	if s.bctx != nil {
		_ = s.bctx.Close()
		s.bctx = nil
	}
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.pw != nil {
		_ = s.pw.Stop()
		s.pw = nil
	}
	return nil
}

// Navigate loads a URL in the session's page.
func (s *Session) Navigate(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigateLocked(url)
}

func (s *Session) navigateLocked(url string) error {
	if s.page == nil {
		return fmt.Errorf("session not started")
	}
	if _, err := s.page.Goto(url); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	s.logger.Info("navigated", zap.String("url", url))
	return nil
}

// OpenExtensionPage opens the extension's bundled settings page.
func (s *Session) OpenExtensionPage(extensionID string) error {
	return s.Navigate(fmt.Sprintf("chrome-extension://%s/index.html", extensionID))
}

// FillByName fills the input element with the given name attribute.
// Reports false when the element rejected the fill, error only when the
// session itself is unusable.
func (s *Session) FillByName(name, value string) (bool, error) {
	page, err := s.currentPage()
	if err != nil {
		return false, err
	}

	if err := page.Locator(fmt.Sprintf(`[name=%q]`, name)).First().Fill(value); err != nil {
		s.logger.Warn("fill failed", zap.String("element", name))
		return false, nil
	}
	return true, nil
}

// ClickFirst clicks the first element matching the selector.
func (s *Session) ClickFirst(selector string) (bool, error) {
	page, err := s.currentPage()
	if err != nil {
		return false, err
	}

	if err := page.Locator(selector).First().Click(); err != nil {
		s.logger.Warn("click failed", zap.String("selector", selector))
		return false, nil
	}
	return true, nil
}

// AcceptCookieBanner clicks an ACCEPT button if a cookie banner is present.
// Absence is fine; this is best effort.
func (s *Session) AcceptCookieBanner() {
	page, err := s.currentPage()
	if err != nil {
		return
	}

	banner := page.Locator(`button:has-text("ACCEPT")`).First()
	visible, err := banner.IsVisible()
	if err != nil || !visible {
		return
	}
	if err := banner.Click(); err == nil {
		s.logger.Info("cookie banner accepted")
	}
}

// WaitVisible waits up to timeout for the selector to become visible.
// (false, nil) means the wait timed out; errors are reserved for a broken
// session.
func (s *Session) WaitVisible(selector string, timeout time.Duration) (bool, error) {
	page, err := s.currentPage()
	if err != nil {
		return false, err
	}

	err = page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, fmt.Errorf("wait for %q failed: %w", selector, err)
}

// SessionToken reads the web app's API token from the page's local storage.
// Returns "" when no session has been established yet.
func (s *Session) SessionToken() (string, error) {
	page, err := s.currentPage()
	if err != nil {
		return "", err
	}

	v, err := page.Evaluate(`() => window.localStorage.getItem("accessToken") || window.localStorage.getItem("token") || ""`)
	if err != nil {
		return "", fmt.Errorf("failed to read session token: %w", err)
	}
	token, _ := v.(string)
	return token, nil
}

// IsVisible is a non-blocking presence check.
func (s *Session) IsVisible(selector string) bool {
	page, err := s.currentPage()
	if err != nil {
		return false
	}
	visible, err := page.Locator(selector).First().IsVisible()
	return err == nil && visible
}

func (s *Session) currentPage() (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil || s.page.IsClosed() {
		return nil, fmt.Errorf("browser session is not running")
	}
	return s.page, nil
}

func isTimeout(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
