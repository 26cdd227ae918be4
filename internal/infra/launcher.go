package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// CommandRunner abstracts command execution for testing
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands
type RealCommandRunner struct{}

// Run executes a command and waits for it to complete
func (r *RealCommandRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Output executes a command and returns its stdout
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// ProcessStarter starts a process that outlives its parent.
type ProcessStarter interface {
	StartDetached(path string, args ...string) (int, error)
}

// SessionStarter starts children in a new session with no stdio,
// so the browser closing the relay's pipes cannot reach them.
type SessionStarter struct{}

// StartDetached spawns path in its own session and releases it.
func (SessionStarter) StartDetached(path string, args ...string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal and process group)
	}
	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Nobody waits on it; init reaps it once we exit
	_ = cmd.Process.Release()
	return pid, nil
}

// PrimaryLauncherImpl implements domain.PrimaryLauncher.
// On macOS with an app bundle configured it asks LaunchServices to open the
// app in the background; otherwise it self-execs without extension arguments.
type PrimaryLauncherImpl struct {
	goos      string
	appName   string
	execPath  string
	cmdRunner CommandRunner
	starter   ProcessStarter
	logger    *zap.Logger
}

// NewPrimaryLauncher creates a launcher for the current platform.
func NewPrimaryLauncher(goos, appName, execPath string, logger *zap.Logger) *PrimaryLauncherImpl {
	return NewPrimaryLauncherWithDeps(goos, appName, execPath, &RealCommandRunner{}, SessionStarter{}, logger)
}

// NewPrimaryLauncherWithDeps creates a launcher with injectable dependencies (for testing)
func NewPrimaryLauncherWithDeps(goos, appName, execPath string, cmdRunner CommandRunner, starter ProcessStarter, logger *zap.Logger) *PrimaryLauncherImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrimaryLauncherImpl{
		goos:      goos,
		appName:   appName,
		execPath:  execPath,
		cmdRunner: cmdRunner,
		starter:   starter,
		logger:    logger,
	}
}

// Launch starts the Primary. It returns once the launch request was accepted;
// readiness is the caller's concern.
func (l *PrimaryLauncherImpl) Launch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.goos == "darwin" && l.appName != "" {
		l.logger.Info("launching primary via LaunchServices", zap.String("app", l.appName))
		// -g keeps the browser in front
		if err := l.cmdRunner.Run("open", "-g", "-a", l.appName); err != nil {
			return fmt.Errorf("%w: open -a %s: %v", domain.ErrLaunchRefused, l.appName, err)
		}
		return nil
	}

	pid, err := l.starter.StartDetached(l.execPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLaunchRefused, err)
	}
	l.logger.Info("launched detached primary", zap.String("exec", l.execPath), zap.Int("pid", pid))
	return nil
}

// ActivatorImpl implements domain.Activator.
type ActivatorImpl struct {
	goos      string
	appName   string
	cmdRunner CommandRunner
	signal    func(pid int, sig syscall.Signal) error
}

// NewActivator creates an activator for the current platform.
func NewActivator(goos, appName string) *ActivatorImpl {
	return NewActivatorWithDeps(goos, appName, &RealCommandRunner{}, unix.Kill)
}

// NewActivatorWithDeps creates an activator with injectable dependencies (for testing)
func NewActivatorWithDeps(goos, appName string, cmdRunner CommandRunner, signal func(int, syscall.Signal) error) *ActivatorImpl {
	return &ActivatorImpl{goos: goos, appName: appName, cmdRunner: cmdRunner, signal: signal}
}

// Activate brings the running Primary to the foreground.
// macOS app bundles are re-opened, which focuses the existing instance;
// everything else gets SIGUSR1, handled by the Primary's run loop.
func (a *ActivatorImpl) Activate(pid int) error {
	if a.goos == "darwin" && a.appName != "" {
		return a.cmdRunner.Run("open", "-a", a.appName)
	}
	if pid <= 0 {
		return fmt.Errorf("invalid primary pid %d", pid)
	}
	return a.signal(pid, unix.SIGUSR1)
}

// SocketWaiter implements domain.ReadinessWaiter by watching for the
// Primary's socket to appear.
type SocketWaiter struct {
	socketPath   string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewSocketWaiter creates a waiter for socketPath.
func NewSocketWaiter(socketPath string, logger *zap.Logger) *SocketWaiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketWaiter{
		socketPath:   socketPath,
		pollInterval: 100 * time.Millisecond,
		logger:       logger,
	}
}

// WaitReady blocks until the socket exists, the timeout elapses, or ctx is done.
// fsnotify wakes us on create; the poll ticker covers filesystems where
// events are lost or the watch could not be set up.
func (w *SocketWaiter) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("fsnotify unavailable, polling", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(w.socketPath)); err != nil {
			w.logger.Debug("failed to watch socket directory, polling", zap.Error(err))
		} else {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	// Checked after the watch is armed so a create in between is not missed
	if w.exists() {
		return nil
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == w.socketPath && ev.Has(fsnotify.Create) && w.exists() {
				return nil
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			w.logger.Debug("socket watch error", zap.Error(err))
		case <-ticker.C:
			if w.exists() {
				return nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.ErrLaunchTimeout
			}
			return ctx.Err()
		}
	}
}

func (w *SocketWaiter) exists() bool {
	_, err := os.Stat(w.socketPath)
	return err == nil
}

// Ensure implementations satisfy domain interfaces.
var (
	_ domain.PrimaryLauncher = (*PrimaryLauncherImpl)(nil)
	_ domain.Activator       = (*ActivatorImpl)(nil)
	_ domain.ReadinessWaiter = (*SocketWaiter)(nil)
)
