// Package main is the CLI entry point for grassmon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/verdantgrid/grassmon/internal/browser"
	"github.com/verdantgrid/grassmon/internal/config"
	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/fetch"
	"github.com/verdantgrid/grassmon/internal/infra"
	"github.com/verdantgrid/grassmon/internal/monitor"
	"github.com/verdantgrid/grassmon/internal/orchestrator"
	"github.com/verdantgrid/grassmon/internal/setup"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// windowMarker is the desktop client's window name.
const windowMarker = "Grass"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "grassmon",
	Short: "Keeps a Grass client launched, logged in, and connected",
	Long: `grassmon launches the Grass client, walks it through login with
synthetic input, and then watches the session, re-running the login
when the connection drops. With no credentials in the environment it
leaves the client up for a human to log in.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch, configure, and monitor the client",
	Long: `Runs the full lifecycle: launch the client (or a browser session
with the extension), log in unattended if credentials are set, then
monitor the connection until interrupted.

Credentials come from USER_EMAIL / USER_PASSWORD (and their legacy
aliases) and are never written to disk.`,
	RunE: runRun,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the extension artifact and exit",
	Long: `Resolves the latest extension release for this platform, downloads
and unpacks it into the data directory, and prints the artifact path.`,
	RunE: runFetch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration state",
	Long:  `Shows whether the host is marked configured and where state lives.`,
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the configured marker",
	Long: `Removes the configured marker so the next run performs the full
login sequence again. The encrypted session store is left intact.`,
	RunE: runReset,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	cfgFile    string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	marker := infra.NewFileMarkerStore(cfg.MarkerPath)

	target, script, probe, err := buildStrategy(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	machine := setup.NewMachine(target, marker, script, cfg.Retry, logger)
	mon := monitor.New(target, probe, cfg.MonitorIntervalLo, cfg.MonitorIntervalHi, logger)

	orch := orchestrator.New(target, machine, mon, store, orchestrator.Options{
		Credentials:    cfg.Credentials,
		Autologin:      cfg.Autologin,
		Strategy:       string(cfg.Strategy),
		LaunchRetry:    cfg.Retry,
		TerminateGrace: cfg.TerminateGrace,
	}, logger)

	return orch.Run(ctx)
}

// buildStrategy assembles the strategy-specific pieces: the Target to keep
// alive, the login script, and the health probe.
func buildStrategy(ctx context.Context, cfg config.Config, store domain.SessionStore, logger *zap.Logger) (domain.Target, setup.Script, monitor.Probe, error) {
	// Health checks use a single attempt; the monitor schedules its own
	// cadence and a miss is the answer, not something to wait out.
	probePolicy := domain.RetryPolicy{
		MaxAttempts:    1,
		BaseMultiplier: 1,
		JitterMin:      cfg.Retry.JitterMin,
		JitterMax:      cfg.Retry.JitterMax,
	}

	switch cfg.Strategy {
	case config.StrategyDesktop:
		settle := time.Duration(cfg.Multiplier) * time.Second
		sup := infra.NewSupervisor(logger)
		target := infra.NewDesktopTarget(sup, cfg.Executable, settle, logger)
		prober := infra.NewXdoProber(cfg.Retry, logger)
		injector := infra.NewXdoInjector(logger)
		script := setup.NewDesktopScript(prober, injector, windowMarker, cfg.Retry, logger)
		probe := monitor.WindowProbe(infra.NewXdoProber(probePolicy, logger), windowMarker, probePolicy)
		return target, script, probe, nil

	case config.StrategyBrowser:
		ext := cfg.Extension
		pipeline := fetch.NewPipeline(store, cfg.PlatformKey, cfg.DataDir, cfg.Marketplace, cfg.AuthRequired, logger)
		if err := pipeline.Acquire(ctx, &ext); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to acquire extension: %w", err)
		}

		session := browser.NewSession(browser.Config{
			LoginURL:      cfg.LoginURL,
			ExtensionPath: ext.ArtifactPath,
			Headless:      cfg.Headless,
		}, logger)
		script := setup.NewWebScript(session, store, cfg.ExtensionID, cfg.LoginURL, logger)
		prober := browser.NewDOMProber(session, probePolicy, logger)
		probe := monitor.WindowProbe(prober, setup.SelectorLoggedIn, probePolicy)
		return session, script, probe, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ext := cfg.Extension
	pipeline := fetch.NewPipeline(store, cfg.PlatformKey, cfg.DataDir, cfg.Marketplace, cfg.AuthRequired, logger)
	if err := pipeline.Acquire(context.Background(), &ext); err != nil {
		return err
	}

	fmt.Println(ext.ArtifactPath)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	marker := infra.NewFileMarkerStore(cfg.MarkerPath)

	fmt.Println("\n=== grassmon Status ===")
	if marker.IsSet() {
		fmt.Println("Configured: yes")
	} else {
		fmt.Println("Configured: no (next run performs full login)")
	}
	fmt.Printf("Marker: %s\n", marker.Path())
	fmt.Printf("Strategy: %s\n", cfg.Strategy)
	if cfg.Strategy == config.StrategyDesktop {
		fmt.Printf("Executable: %s\n", cfg.Executable)
	} else {
		fmt.Printf("Login URL: %s\n", cfg.LoginURL)
	}
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	if cfg.Credentials.Provided() {
		fmt.Println("Credentials: present in environment")
	} else {
		fmt.Println("Credentials: missing (runs will be manual)")
	}

	if store, err := openStore(cfg); err == nil {
		if runs, err := store.RecentRuns(5); err == nil && len(runs) > 0 {
			fmt.Println("\nRecent runs:")
			for _, r := range runs {
				fmt.Printf("  %s  %-12s %s\n",
					r.Started.Format(time.RFC3339), r.Outcome, r.Strategy)
			}
		}
		_ = store.Close()
	}

	fmt.Println("=======================")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	marker := infra.NewFileMarkerStore(cfg.MarkerPath)
	if err := marker.Clear(); err != nil {
		return fmt.Errorf("failed to clear marker: %w", err)
	}

	fmt.Printf("Cleared %s\n", marker.Path())
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("grassmon %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// openStore unlocks (creating on first use) the encrypted session store in
// the data directory.
func openStore(cfg config.Config) (*infra.EncryptedSessionStore, error) {
	keys := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := keys.EnsureKey()
	if err != nil {
		return nil, fmt.Errorf("failed to prepare store key: %w", err)
	}
	store, err := infra.NewEncryptedSessionStore(cfg.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

func createLogger() *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
