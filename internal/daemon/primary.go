package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// PrimaryConfig holds Primary run loop configuration.
type PrimaryConfig struct {
	LockCheckInterval time.Duration // How often to re-assert the instance lock
}

// DefaultPrimaryConfig returns default Primary configuration.
func DefaultPrimaryConfig() PrimaryConfig {
	return PrimaryConfig{
		LockCheckInterval: 30 * time.Second,
	}
}

// Primary is the single long-lived instance.
// It serves Relays on the socket, keeps its instance lock in place,
// and answers activation requests from duplicate launches.
type Primary struct {
	config     PrimaryConfig
	lock       domain.InstanceLock
	pm         domain.ProcessManager
	server     *Server
	onActivate func()
	logger     *zap.Logger

	// activations delivers SIGUSR1; replaceable in tests
	activations chan os.Signal
}

// NewPrimary creates the Primary run loop. onActivate is the UI hook for
// bringing the window forward and may be nil.
func NewPrimary(
	config PrimaryConfig,
	lock domain.InstanceLock,
	pm domain.ProcessManager,
	server *Server,
	onActivate func(),
	logger *zap.Logger,
) *Primary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Primary{
		config:      config,
		lock:        lock,
		pm:          pm,
		server:      server,
		onActivate:  onActivate,
		logger:      logger,
		activations: make(chan os.Signal, 1),
	}
}

// Run serves until ctx is canceled or the lock passes to another live Primary.
func (p *Primary) Run(ctx context.Context) error {
	if err := p.server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- p.server.Serve(ctx)
	}()

	signal.Notify(p.activations, syscall.SIGUSR1)
	defer signal.Stop(p.activations)

	p.logger.Info("primary started", zap.Int("pid", p.pm.GetCurrentPID()))

	lockTicker := time.NewTicker(p.config.LockCheckInterval)
	defer lockTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("primary stopping")
			return <-serveErr

		case err := <-serveErr:
			return err

		case <-p.activations:
			p.activate()

		case <-lockTicker.C:
			if err := p.ensureLock(); err != nil {
				cancel()
				<-serveErr
				return err
			}
		}
	}
}

func (p *Primary) activate() {
	p.logger.Info("activation requested")
	if p.onActivate != nil {
		p.onActivate()
	}
}

// ensureLock puts the lock back if it was deleted or names a dead process.
// A live foreign PID means a development launch took over; we step aside.
func (p *Primary) ensureLock() error {
	self := p.pm.GetCurrentPID()

	pid, exists, err := p.lock.Read()
	if err != nil {
		p.logger.Warn("failed to read instance lock", zap.Error(err))
		return nil
	}
	if exists && pid == self {
		return nil
	}

	if exists {
		if p.pm.IsRunning(pid) {
			p.logger.Warn("instance lock taken by another primary", zap.Int("pid", pid))
			return fmt.Errorf("%w: pid %d", domain.ErrLockHeld, pid)
		}
		p.logger.Warn("instance lock names dead process, reclaiming", zap.Int("pid", pid))
		if err := p.lock.ReleaseIfOwner(pid); err != nil {
			p.logger.Warn("failed to remove stale lock", zap.Error(err))
			return nil
		}
	} else {
		p.logger.Warn("instance lock missing, restoring")
	}

	if err := p.lock.Acquire(self); err != nil {
		p.logger.Warn("failed to restore instance lock", zap.Error(err))
	}
	return nil
}
