// Package daemon implements the Primary and Relay process roles.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// Lifecycle owns the exit hooks. Go has no atexit, so every exit path in
// the process goes through Exit.
type Lifecycle struct {
	mu     sync.Mutex
	hooks  []func()
	once   sync.Once
	exit   func(code int)
	logger *zap.Logger
}

// NewLifecycle creates a lifecycle that exits with os.Exit.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return NewLifecycleWithExit(logger, os.Exit)
}

// NewLifecycleWithExit creates a lifecycle with a custom exit function (for testing)
func NewLifecycleWithExit(logger *zap.Logger, exit func(int)) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{exit: exit, logger: logger}
}

// OnExit registers fn to run on exit. Hooks run last-registered first.
func (l *Lifecycle) OnExit(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// RunHooks runs the exit hooks once. Later calls do nothing.
func (l *Lifecycle) RunHooks() {
	l.once.Do(func() {
		l.mu.Lock()
		hooks := l.hooks
		l.hooks = nil
		l.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			func() {
				defer func() {
					if r := recover(); r != nil {
						l.logger.Error("exit hook panicked", zap.Any("panic", r))
					}
				}()
				hooks[i]()
			}()
		}
	})
}

// Exit runs the hooks and terminates the process.
func (l *Lifecycle) Exit(code int) {
	l.RunHooks()
	_ = l.logger.Sync()
	l.exit(code)
}

// Ensure Lifecycle implements domain.ExitHooks.
var _ domain.ExitHooks = (*Lifecycle)(nil)

// ShouldWriteMarker decides whether a terminating process leaves the
// no-relaunch marker. Relays never do. A Primary does unless strict mode
// has a watchdog bringing it back, and a development launch always does.
func ShouldWriteMarker(role domain.Role, strict, dev bool) bool {
	if role != domain.RolePrimary {
		return false
	}
	return !strict || dev
}

// SignalHandler applies the role-dependent termination behaviour.
// Role and development flag are fixed when it is created.
type SignalHandler struct {
	role      domain.Role
	dev       bool
	markers   domain.MarkerStore
	lifecycle *Lifecycle
	logger    *zap.Logger
}

// NewSignalHandler creates a handler for a process of the given launch.
func NewSignalHandler(launch domain.LaunchContext, markers domain.MarkerStore, lifecycle *Lifecycle, logger *zap.Logger) *SignalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalHandler{
		role:      launch.Role(),
		dev:       launch.DevelopmentLaunch,
		markers:   markers,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Terminate runs the termination path for sig and exits 0.
func (h *SignalHandler) Terminate(sig os.Signal) {
	if h.role == domain.RoleRelay {
		h.lifecycle.Exit(0)
		return
	}

	strict := h.markers.StrictMode()
	if ShouldWriteMarker(h.role, strict, h.dev) {
		if err := h.markers.TouchNoRelaunch(); err != nil {
			h.logger.Warn("failed to write no-relaunch marker", zap.Error(err))
		}
	}
	h.logger.Info("primary terminating",
		zap.String("signal", sig.String()),
		zap.Bool("strict", strict),
		zap.Bool("dev", h.dev))
	h.lifecycle.Exit(0)
}

// Watch handles termination signals until ctx is done.
func (h *SignalHandler) Watch(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			h.Terminate(sig)
		case <-ctx.Done():
		}
	}()
}

// IgnoreBrokenPipe makes writes to a closed stdout fail with EPIPE
// instead of killing the process with SIGPIPE.
func IgnoreBrokenPipe() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGPIPE)
	go func() {
		for range sigs {
		}
	}()
}
