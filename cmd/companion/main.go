// Package main is the entry point for the focusd companion.
//
// Browsers spawn it with the extension origin (Chrome) or the manifest path
// and extension id (Firefox); such launches become Relays. Every other
// launch competes to become the single Primary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/companion/internal/config"
	"github.com/eliteGoblin/focusd/companion/internal/daemon"
	"github.com/eliteGoblin/focusd/companion/internal/domain"
	"github.com/eliteGoblin/focusd/companion/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "Native-messaging companion for the focusd browser extension",
	Long: `companion runs as a single per-user Primary process. Browser-spawned
copies relay the extension's stdio to the Primary over a local socket.

Launched without arguments it starts (or activates) the Primary.`,
	Version:      Version,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	// Browsers may append their own flags (e.g. --parent-window)
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE:               runLaunch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Primary and marker status",
	RunE:  runStatus,
}

var quitCmd = &cobra.Command{
	Use:   "quit",
	Short: "Stop the Primary and disable auto-launch from the browser",
	Long: `Stops the running Primary and records that the user quit, so browser
relays stop relaunching it. Launching the app again re-enables auto-launch.`,
	RunE: runQuit,
}

var strictCmd = &cobra.Command{
	Use:       "strict on|off",
	Short:     "Enable or disable strict mode",
	Long:      `In strict mode a killed Primary is relaunched immediately instead of waiting out the no-relaunch window.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE:      runStrict,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Install the native-messaging host manifest for a browser",
	RunE:  runManifest,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	jsonOutput  bool
	browserName string
	extensionID string
	manifestDir string
	stopTimeout time.Duration
)

func init() {
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	manifestCmd.Flags().StringVar(&browserName, "browser", string(infra.BrowserChrome), "Browser: chrome, chromium or firefox")
	manifestCmd.Flags().StringVar(&extensionID, "extension-id", "", "Extension id allowed to connect")
	manifestCmd.Flags().StringVar(&manifestDir, "dir", "", "Override the NativeMessagingHosts directory")
	_ = manifestCmd.MarkFlagRequired("extension-id")

	quitCmd.Flags().DurationVar(&stopTimeout, "timeout", 5*time.Second, "How long to wait for the Primary to exit")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(quitCmd)
	rootCmd.AddCommand(strictCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads config and builds the shared components for any command.
func setup() (*daemon.Bootstrap, error) {
	paths := infra.DetectPaths()

	cfg, cfgErr := config.Load(paths.DataDir)
	if cfgErr != nil {
		cfg = config.Default()
	}

	logger := createLogger(paths, cfg.Logging.Level)
	if cfgErr != nil {
		logger.Warn("invalid configuration, using defaults", zap.Error(cfgErr))
	}

	b, err := daemon.NewBootstrap(paths, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return nil, err
	}
	return b, nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	// Classify from the raw argv so whitelisted unknown flags are not lost
	launch := b.Classify(os.Args[1:])
	b.Logger.Info("launched",
		zap.String("role", string(launch.Role())),
		zap.String("origin", launch.ExtensionOrigin),
		zap.Bool("dev", launch.DevelopmentLaunch))

	if launch.ExtensionLaunch {
		return runRelay(b, launch)
	}
	return runPrimary(b, launch)
}

func runRelay(b *daemon.Bootstrap, launch domain.LaunchContext) error {
	daemon.IgnoreBrokenPipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.NewSignalHandler(launch).Watch(ctx)

	var settings domain.SettingsStore
	if db, err := b.OpenSettings(); err != nil {
		b.Logger.Warn("settings store unavailable", zap.Error(err))
	} else {
		defer db.Close()
		settings = db
	}

	exit, err := b.NewRelay(settings, os.Stdin, os.Stdout).Run(ctx)
	if daemon.IsFatal(err) {
		b.Logger.Error("relay failed", zap.Error(err))
		return err
	}
	b.Logger.Info("relay exiting", zap.String("reason", string(exit)))
	return nil
}

func runPrimary(b *daemon.Bootstrap, launch domain.LaunchContext) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcome, err := b.Arbitrate(ctx, launch)
	if err != nil {
		b.Logger.Error("instance arbitration failed", zap.Error(err))
		return err
	}
	if !outcome.IsPrimary() {
		b.Logger.Info("another primary is running, exiting", zap.Int("pid", outcome.ExistingPID))
		return nil
	}

	db, err := b.OpenSettings()
	if err != nil {
		b.Logger.Error("failed to open settings store", zap.Error(err))
		b.Lifecycle.RunHooks()
		return err
	}
	b.Lifecycle.OnExit(func() { _ = db.Close() })
	b.Lifecycle.OnExit(func() {
		if pid, exists, _ := b.Lock.Read(); exists && pid == os.Getpid() {
			_ = os.Remove(b.Paths.SocketPath)
		}
	})

	// A user-started Primary re-enables auto-launch after a quit
	if err := db.SetAutoLaunchAllowed(true); err != nil {
		b.Logger.Warn("failed to re-enable auto-launch", zap.Error(err))
	}

	primary := b.NewPrimary(db, func() {
		b.Logger.Info("bringing window forward")
	})
	if err := primary.Run(ctx); err != nil {
		b.Logger.Error("primary stopped", zap.Error(err))
		b.Lifecycle.Exit(1)
	}
	b.Lifecycle.Exit(0)
	return nil
}

type statusReport struct {
	Running           bool   `json:"running"`
	PID               int    `json:"pid,omitempty"`
	StaleLock         bool   `json:"stale_lock"`
	MarkerAge         string `json:"marker_age,omitempty"`
	StrictMode        bool   `json:"strict_mode"`
	AutoLaunch        string `json:"auto_launch"`
	WatchdogInstalled bool   `json:"watchdog_installed"`
	SocketPath        string `json:"socket_path"`
	DataDir           string `json:"data_dir"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	state, err := b.NewArbiter().Inspect()
	if err != nil {
		return err
	}

	report := statusReport{
		Running:    state.Running(),
		StaleLock:  state.Exists && !state.Alive,
		StrictMode: b.Markers.StrictMode(),
		SocketPath: b.Paths.SocketPath,
		DataDir:    b.Paths.DataDir,
		AutoLaunch: "enabled",
	}
	if state.Exists {
		report.PID = state.PID
	}
	if marker, err := b.Markers.NoRelaunch(); err == nil && marker.Exists {
		report.MarkerAge = marker.Age(time.Now()).Round(time.Second).String()
	}
	if db, err := b.OpenSettings(); err != nil {
		report.AutoLaunch = "unknown"
	} else {
		if allowed, err := db.AutoLaunchAllowed(); err == nil && !allowed {
			report.AutoLaunch = "disabled (user quit)"
		}
		_ = db.Close()
	}
	if runtime.GOOS == "darwin" {
		report.WatchdogInstalled = infra.NewLaunchdWatchdog(b.Paths).IsInstalled()
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintln(out, "\n=== companion Status ===")
	switch {
	case report.Running:
		fmt.Fprintf(out, "Status: RUNNING (pid %d)\n", report.PID)
	case report.StaleLock:
		fmt.Fprintf(out, "Status: NOT RUNNING (stale lock for pid %d)\n", report.PID)
	default:
		fmt.Fprintln(out, "Status: NOT RUNNING")
	}
	if report.MarkerAge != "" {
		fmt.Fprintf(out, "Last killed: %s ago\n", report.MarkerAge)
	}
	fmt.Fprintf(out, "Strict mode: %t\n", report.StrictMode)
	if runtime.GOOS == "darwin" {
		fmt.Fprintf(out, "Watchdog: %t\n", report.WatchdogInstalled)
	}
	fmt.Fprintf(out, "Auto-launch: %s\n", report.AutoLaunch)
	fmt.Fprintf(out, "Socket: %s\n", report.SocketPath)
	fmt.Fprintf(out, "Data dir: %s\n", report.DataDir)
	fmt.Fprintln(out, "========================")
	return nil
}

func runQuit(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	db, err := b.OpenSettings()
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer db.Close()
	if err := db.SetAutoLaunchAllowed(false); err != nil {
		return err
	}
	b.Logger.Info("auto-launch disabled by user quit")

	state, err := b.NewArbiter().Inspect()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !state.Running() {
		fmt.Fprintln(out, "Primary is not running; auto-launch disabled")
		return nil
	}

	if err := b.PM.Terminate(state.PID); err != nil {
		return fmt.Errorf("failed to stop primary (pid %d): %w", state.PID, err)
	}
	deadline := time.Now().Add(stopTimeout)
	for b.PM.IsRunning(state.PID) {
		if time.Now().After(deadline) {
			return fmt.Errorf("primary (pid %d) did not exit within %s", state.PID, stopTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(out, "Stopped primary (pid %d); auto-launch disabled\n", state.PID)
	return nil
}

func runStrict(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	enable := args[0] == "on"
	if err := b.Markers.SetStrictMode(enable); err != nil {
		return err
	}

	if runtime.GOOS == "darwin" {
		watchdog := infra.NewLaunchdWatchdog(b.Paths)
		if enable {
			err = watchdog.Install(b.ExecPath())
		} else {
			err = watchdog.Uninstall()
		}
		if err != nil {
			// Keep flag and watchdog consistent
			_ = b.Markers.SetStrictMode(!enable)
			return fmt.Errorf("failed to update watchdog: %w", err)
		}
	}

	b.Logger.Info("strict mode changed", zap.Bool("enabled", enable))
	fmt.Fprintf(cmd.OutOrStdout(), "Strict mode %s\n", args[0])
	return nil
}

func runManifest(cmd *cobra.Command, args []string) error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	browser := infra.Browser(browserName)
	m, err := infra.NewHostManifest(browser, b.ExecPath(), extensionID)
	if err != nil {
		return err
	}

	dir := manifestDir
	if dir == "" {
		dir, err = infra.ManifestDir(runtime.GOOS, infra.GetRealUserHome(), browser)
		if err != nil {
			return err
		}
	}
	path, err := infra.WriteManifest(dir, m)
	if err != nil {
		return err
	}
	b.Logger.Info("host manifest installed", zap.String("path", path), zap.String("browser", browserName))
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", path)
	return nil
}

// createLogger logs to files in the data dir. Stdout is the native-messaging
// channel and must never receive log output.
func createLogger(paths *infra.Paths, level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{paths.LogPath}
	zcfg.ErrorOutputPaths = []string{paths.ErrorLogPath}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	if err := paths.EnsureDataDir(); err != nil {
		return stderrLogger()
	}
	logger, err := zcfg.Build()
	if err != nil {
		return stderrLogger()
	}
	return logger.With(zap.Int("pid", os.Getpid()))
}

func stderrLogger() *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("companion %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
