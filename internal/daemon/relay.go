package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// RelayConfig bounds every wait the Relay performs.
type RelayConfig struct {
	ConnectAttempts int
	ConnectInterval time.Duration
	LaunchWait      time.Duration
	MarkerFreshness time.Duration
}

// DefaultRelayConfig returns default Relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ConnectAttempts: 15,
		ConnectInterval: 500 * time.Millisecond,
		LaunchWait:      5 * time.Second,
		MarkerFreshness: 30 * time.Second,
	}
}

// RelayExit says why a Relay finished without error.
type RelayExit string

const (
	ExitAutoLaunchDisabled RelayExit = "auto_launch_disabled"
	ExitRecentlyKilled     RelayExit = "no_relaunch_marker"
	ExitBrowserClosed      RelayExit = "browser_closed" // stdin ended or stdout broke
	ExitPrimaryClosed      RelayExit = "primary_closed" // socket side ended first
	ExitCanceled           RelayExit = "canceled"
)

// Dialer opens a connection to the Primary's socket.
type Dialer func(ctx context.Context) (net.Conn, error)

// UnixDialer dials socketPath.
func UnixDialer(socketPath string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
}

// Relay bridges the browser's stdio to the Primary without parsing frames.
type Relay struct {
	config   RelayConfig
	settings domain.SettingsStore
	markers  domain.MarkerStore
	lock     domain.InstanceLock
	pm       domain.ProcessManager
	launcher domain.PrimaryLauncher
	waiter   domain.ReadinessWaiter
	dial     Dialer
	stdin    io.Reader
	stdout   io.Writer
	logger   *zap.Logger
	now      func() time.Time
}

// RelayDeps groups the Relay's collaborators.
type RelayDeps struct {
	Settings domain.SettingsStore
	Markers  domain.MarkerStore
	Lock     domain.InstanceLock
	PM       domain.ProcessManager
	Launcher domain.PrimaryLauncher
	Waiter   domain.ReadinessWaiter
	Dial     Dialer
	Stdin    io.Reader
	Stdout   io.Writer
}

// NewRelay creates a Relay.
func NewRelay(config RelayConfig, deps RelayDeps, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		config:   config,
		settings: deps.Settings,
		markers:  deps.Markers,
		lock:     deps.Lock,
		pm:       deps.PM,
		launcher: deps.Launcher,
		waiter:   deps.Waiter,
		dial:     deps.Dial,
		stdin:    deps.Stdin,
		stdout:   deps.Stdout,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the Relay. A nil error means exit 0; any error is fatal.
func (r *Relay) Run(ctx context.Context) (RelayExit, error) {
	allowed, err := r.settings.AutoLaunchAllowed()
	if err != nil {
		r.logger.Warn("failed to read auto-launch permission, assuming allowed", zap.Error(err))
		allowed = true
	}
	if !allowed {
		r.logger.Info("auto-launch disabled by user quit, exiting")
		return ExitAutoLaunchDisabled, nil
	}

	marker, err := r.markers.NoRelaunch()
	if err != nil {
		r.logger.Warn("failed to read no-relaunch marker", zap.Error(err))
	}
	if marker.Exists {
		if marker.Fresh(r.now(), r.config.MarkerFreshness) {
			r.logger.Info("primary was killed recently, not relaunching",
				zap.Duration("age", marker.Age(r.now())))
			return ExitRecentlyKilled, nil
		}
		if err := r.markers.ClearNoRelaunch(); err != nil {
			r.logger.Warn("failed to remove stale marker", zap.Error(err))
		}
	}

	if err := r.ensurePrimary(ctx); err != nil {
		return "", err
	}

	conn, err := r.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	exit := r.pipe(ctx, conn)
	// In strict mode the watchdog relaunches the Primary at once
	if exit == ExitPrimaryClosed && !r.markers.StrictMode() {
		if err := r.markers.TouchNoRelaunch(); err != nil {
			r.logger.Warn("failed to write no-relaunch marker", zap.Error(err))
		}
	}
	r.logger.Info("relay finished", zap.String("reason", string(exit)))
	return exit, nil
}

// ensurePrimary launches the Primary unless a live one holds the lock.
func (r *Relay) ensurePrimary(ctx context.Context) error {
	pid, exists, err := r.lock.Read()
	if err != nil {
		r.logger.Warn("failed to read instance lock", zap.Error(err))
	}
	if exists && r.pm.IsRunning(pid) {
		return nil
	}
	if exists {
		r.logger.Info("removing stale instance lock", zap.Int("pid", pid))
		if err := r.lock.ReleaseIfOwner(pid); err != nil {
			r.logger.Warn("failed to remove stale lock", zap.Error(err))
		}
	}

	r.logger.Info("no live primary, launching")
	if err := r.launcher.Launch(ctx); err != nil {
		return fmt.Errorf("failed to launch primary: %w", err)
	}
	if err := r.waiter.WaitReady(ctx, r.config.LaunchWait); err != nil {
		return fmt.Errorf("failed waiting for primary: %w", err)
	}
	return nil
}

// connect dials the socket with bounded retries.
func (r *Relay) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.ConnectAttempts; attempt++ {
		conn, err := r.dial(ctx)
		if err == nil {
			r.logger.Debug("connected to primary", zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err

		if attempt == r.config.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.config.ConnectInterval):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrConnectExhausted, r.config.ConnectAttempts, lastErr)
}

// pipe runs both copy loops and reports which side ended first.
func (r *Relay) pipe(ctx context.Context, conn net.Conn) RelayExit {
	done := make(chan RelayExit, 2)

	go func() {
		// Browser -> Primary
		src := &trackedReader{r: r.stdin}
		_, err := io.Copy(conn, src)
		switch {
		case src.failed():
			done <- ExitBrowserClosed
		case err != nil:
			r.logger.Debug("socket write failed", zap.Error(err))
			done <- ExitPrimaryClosed
		default:
			done <- ExitBrowserClosed
		}
	}()

	go func() {
		// Primary -> browser
		src := &trackedReader{r: conn}
		_, err := io.Copy(r.stdout, src)
		switch {
		case src.failed():
			done <- ExitPrimaryClosed
		case err != nil:
			r.logger.Debug("stdout write failed", zap.Error(err))
			done <- ExitBrowserClosed
		default:
			done <- ExitPrimaryClosed
		}
	}()

	select {
	case exit := <-done:
		return exit
	case <-ctx.Done():
		return ExitCanceled
	}
}

// trackedReader remembers whether the underlying reader ended,
// so io.Copy's combined error can be attributed to a side.
type trackedReader struct {
	r   io.Reader
	mu  sync.Mutex
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}
	return n, err
}

func (t *trackedReader) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err != nil
}

// IsFatal reports whether err from Run should produce a non-zero exit.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}
