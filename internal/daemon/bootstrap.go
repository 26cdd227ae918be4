package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/config"
	"github.com/eliteGoblin/focusd/companion/internal/domain"
	"github.com/eliteGoblin/focusd/companion/internal/infra"
	"github.com/eliteGoblin/focusd/companion/internal/usecase"
)

// Bootstrap wires infrastructure into the Primary and Relay roles.
// One Bootstrap serves one process.
type Bootstrap struct {
	Paths     *infra.Paths
	Config    *config.Config
	Logger    *zap.Logger
	PM        domain.ProcessManager
	Lock      domain.InstanceLock
	Markers   domain.MarkerStore
	Lifecycle *Lifecycle

	goos     string
	execPath string
}

// NewBootstrap prepares the data directory and the shared collaborators.
func NewBootstrap(paths *infra.Paths, cfg *config.Config, logger *zap.Logger) (*Bootstrap, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := paths.EnsureDataDir(); err != nil {
		return nil, err
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	return &Bootstrap{
		Paths:     paths,
		Config:    cfg,
		Logger:    logger,
		PM:        infra.NewProcessManager(),
		Lock:      infra.NewInstanceLock(paths.LockPath),
		Markers:   infra.NewMarkerStore(paths),
		Lifecycle: NewLifecycle(logger),
		goos:      runtime.GOOS,
		execPath:  execPath,
	}, nil
}

// ExecPath returns the path of the running binary.
func (b *Bootstrap) ExecPath() string {
	return b.execPath
}

// OpenSettings opens the encrypted settings store.
func (b *Bootstrap) OpenSettings() (*infra.SettingsDB, error) {
	return infra.OpenSettingsDB(b.Paths.DataDir)
}

// Classify classifies this process's own launch.
func (b *Bootstrap) Classify(args []string) domain.LaunchContext {
	return usecase.Classify(args, os.Getenv, b.PM)
}

// NewRelay builds a Relay over stdin/stdout. settings may be nil when the
// store could not be opened; the Relay then assumes auto-launch is allowed.
func (b *Bootstrap) NewRelay(settings domain.SettingsStore, stdin io.Reader, stdout io.Writer) *Relay {
	if settings == nil {
		settings = unavailableSettings{}
	}
	logger := b.Logger.With(zap.String("role", string(domain.RoleRelay)))
	rc := b.Config.Relay
	return NewRelay(RelayConfig{
		ConnectAttempts: rc.ConnectAttempts,
		ConnectInterval: rc.ConnectInterval,
		LaunchWait:      rc.LaunchWait,
		MarkerFreshness: rc.MarkerFreshness,
	}, RelayDeps{
		Settings: settings,
		Markers:  b.Markers,
		Lock:     b.Lock,
		PM:       b.PM,
		Launcher: infra.NewPrimaryLauncher(b.goos, b.Config.App.Name, b.execPath, logger),
		Waiter:   infra.NewSocketWaiter(b.Paths.SocketPath, logger),
		Dial:     UnixDialer(b.Paths.SocketPath),
		Stdin:    stdin,
		Stdout:   stdout,
	}, logger)
}

// NewArbiter builds the instance arbiter. Exit hooks go to the Lifecycle.
func (b *Bootstrap) NewArbiter() *usecase.Arbiter {
	ac := b.Config.Arbiter
	return usecase.NewArbiter(
		b.Lock,
		b.Markers,
		b.PM,
		infra.NewActivator(b.goos, b.Config.App.Name),
		b.Lifecycle,
		usecase.ArbiterConfig{
			PreemptAttempts: ac.PreemptAttempts,
			PreemptInterval: ac.PreemptInterval,
		},
		b.Logger,
	)
}

// Arbitrate runs instance arbitration for launch. A process that becomes the
// Primary handles termination signals from then on until ctx is done.
func (b *Bootstrap) Arbitrate(ctx context.Context, launch domain.LaunchContext) (usecase.Outcome, error) {
	outcome, err := b.NewArbiter().Arbitrate(ctx, launch)
	if err != nil || !outcome.IsPrimary() {
		return outcome, err
	}
	b.NewSignalHandler(launch).Watch(ctx)
	return outcome, nil
}

// NewPrimary builds the Primary with a Tracker behind its socket server.
func (b *Bootstrap) NewPrimary(usage domain.UsageStore, onActivate func()) *Primary {
	logger := b.Logger.With(zap.String("role", string(domain.RolePrimary)))
	tracker := usecase.NewTracker(usage, b.Markers, b.Config.Budgets, logger)
	server := NewServer(b.Paths.SocketPath, tracker, logger)
	return NewPrimary(
		PrimaryConfig{LockCheckInterval: b.Config.Primary.LockCheckInterval},
		b.Lock,
		b.PM,
		server,
		onActivate,
		logger,
	)
}

// NewSignalHandler builds the termination handler for launch.
func (b *Bootstrap) NewSignalHandler(launch domain.LaunchContext) *SignalHandler {
	return NewSignalHandler(launch, b.Markers, b.Lifecycle, b.Logger)
}

// unavailableSettings stands in for a settings store that failed to open.
type unavailableSettings struct{}

func (unavailableSettings) AutoLaunchAllowed() (bool, error) {
	return true, domain.ErrSettingsUnavailable
}

func (unavailableSettings) SetAutoLaunchAllowed(bool) error {
	return domain.ErrSettingsUnavailable
}

func (unavailableSettings) Close() error { return nil }
