// Package config loads the orchestrator configuration once at startup.
// Environment variables win; an optional YAML file fills the gaps.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// Strategy selects how the client is driven.
type Strategy string

const (
	// StrategyDesktop drives the native desktop app via synthetic X input.
	StrategyDesktop Strategy = "desktop"
	// StrategyBrowser drives a Chromium session loaded with the extension.
	StrategyBrowser Strategy = "browser"
)

// Config is the read-once configuration for a run.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// Executable is the desktop client binary (desktop strategy only).
	Executable string `yaml:"executable"`

	// LoginURL is the vendor login page (browser strategy only).
	LoginURL string `yaml:"login_url"`

	Extension domain.ExtensionDescriptor `yaml:"-"`

	ExtensionID  string `yaml:"extension_id"`
	InstallURL   string `yaml:"install_url"`
	ManifestURL  string `yaml:"manifest_url"`
	PlatformKey  string `yaml:"platform_key"`
	Marketplace  string `yaml:"marketplace_tool"`
	DataDir      string `yaml:"data_dir"`
	MarkerPath   string `yaml:"marker_path"`
	Autologin    bool   `yaml:"autologin"`
	AuthRequired bool   `yaml:"auth_required"`
	Headless     bool   `yaml:"headless"`

	Retry domain.RetryPolicy `yaml:"-"`

	// Multiplier scales every wait in the pipeline, as in the historical
	// MAX_RETRY_MULTIPLIER knob. It feeds RetryPolicy.BaseMultiplier and
	// also bounds MaxAttempts, matching the source behavior.
	Multiplier int `yaml:"multiplier"`

	// MonitorIntervalLo/Hi bound the randomized health-check interval.
	MonitorIntervalLo time.Duration `yaml:"monitor_interval_lo"`
	MonitorIntervalHi time.Duration `yaml:"monitor_interval_hi"`

	// TerminateGrace bounds the graceful shutdown wait before SIGKILL.
	TerminateGrace time.Duration `yaml:"terminate_grace"`

	Credentials domain.Credentials `yaml:"-"`
}

// Default returns the configuration defaults before env/file overlay.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Strategy:          StrategyDesktop,
		Executable:        "/usr/bin/grass",
		LoginURL:          "https://app.getgrass.io/",
		ManifestURL:       "https://api.getgrass.io/extensionLatestRelease",
		PlatformKey:       platformKey(),
		Marketplace:       "crx-fetch",
		DataDir:           filepath.Join(home, ".grassmon"),
		MarkerPath:        filepath.Join(home, ".grass-configured"),
		Autologin:         true,
		Multiplier:        3,
		MonitorIntervalLo: 2 * time.Minute,
		MonitorIntervalHi: 5 * time.Minute,
		TerminateGrace:    5 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment (highest precedence). Credentials come only from env and
// are never read from or written to the file.
func Load(filePath string) (Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	cfg.Extension = domain.ExtensionDescriptor{
		ID:          cfg.ExtensionID,
		InstallURL:  cfg.InstallURL,
		ManifestURL: cfg.ManifestURL,
	}

	cfg.Retry = domain.RetryPolicy{
		MaxAttempts:    cfg.Multiplier,
		BaseMultiplier: cfg.Multiplier,
		JitterMin:      11,
		JitterMax:      31,
	}

	if err := cfg.Retry.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.MonitorIntervalHi < cfg.MonitorIntervalLo {
		return Config{}, fmt.Errorf("monitor interval: hi %s < lo %s", cfg.MonitorIntervalHi, cfg.MonitorIntervalLo)
	}
	if cfg.Strategy != StrategyDesktop && cfg.Strategy != StrategyBrowser {
		return Config{}, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}

	return cfg, nil
}

// applyEnv overlays the environment onto cfg. Credential lookups keep the
// historical precedence chains so existing deployments keep working.
func applyEnv(cfg *Config) {
	cfg.Credentials.Identifier = firstEnv("USER_EMAIL", "GRASS_EMAIL", "GRASS_USER", "GRASS_USERNAME")
	cfg.Credentials.Secret = firstEnv("USER_PASSWORD", "GRASS_PASSWORD", "GRASS_PASS")

	if v := os.Getenv("EXTENSION_ID"); v != "" {
		cfg.ExtensionID = v
	}
	if v := os.Getenv("EXTENSION_URL"); v != "" {
		cfg.LoginURL = v
	}
	if v := os.Getenv("EXTENSION_INSTALL_URL"); v != "" {
		cfg.InstallURL = v
	}
	if v := os.Getenv("EXTENSION_MANIFEST_URL"); v != "" {
		cfg.ManifestURL = v
	}
	if v := os.Getenv("GRASSMON_STRATEGY"); v != "" {
		cfg.Strategy = Strategy(v)
	}
	if v := os.Getenv("GRASSMON_EXECUTABLE"); v != "" {
		cfg.Executable = v
	}
	if v := os.Getenv("GRASSMON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GRASSMON_MARKER_PATH"); v != "" {
		cfg.MarkerPath = v
	}
	if v := os.Getenv("MAX_RETRY_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Multiplier = n
		}
	}
	if v := os.Getenv("GRASSMON_AUTOLOGIN"); v != "" {
		cfg.Autologin = parseBool(v, cfg.Autologin)
	}
	if v := os.Getenv("GRASSMON_AUTH_REQUIRED"); v != "" {
		cfg.AuthRequired = parseBool(v, cfg.AuthRequired)
	}
	if v := os.Getenv("GRASSMON_HEADLESS"); v != "" {
		cfg.Headless = parseBool(v, cfg.Headless)
	}
}

// firstEnv returns the first non-empty value among the named variables.
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// platformKey maps the runtime OS onto the manifest's platform link keys.
func platformKey() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}
