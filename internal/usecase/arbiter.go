package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// Decision is the result of arbitration.
type Decision string

const (
	// DecisionPrimary means this process now holds the lock.
	DecisionPrimary Decision = "primary"
	// DecisionDuplicate means a live Primary exists; this process should exit 0.
	DecisionDuplicate Decision = "duplicate"
)

// Outcome reports what the Arbiter decided and what it had to clean up on the way.
// None of these are errors.
type Outcome struct {
	Decision     Decision
	StaleLock    bool // a lock naming a dead PID was removed
	PreemptedPID int  // non-zero when a Primary was terminated for a debug launch
	ExistingPID  int  // the live Primary a duplicate deferred to
}

// IsPrimary reports whether this process became the Primary.
func (o Outcome) IsPrimary() bool {
	return o.Decision == DecisionPrimary
}

// ArbiterConfig bounds the pre-emption wait.
type ArbiterConfig struct {
	PreemptAttempts int
	PreemptInterval time.Duration
}

// DefaultArbiterConfig returns the default pre-emption bounds.
func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		PreemptAttempts: 20,
		PreemptInterval: 100 * time.Millisecond,
	}
}

// Arbiter enforces a single live Primary per user.
type Arbiter struct {
	lock      domain.InstanceLock
	markers   domain.MarkerStore
	pm        domain.ProcessManager
	activator domain.Activator
	hooks     domain.ExitHooks
	config    ArbiterConfig
	logger    *zap.Logger
}

// NewArbiter creates an arbiter.
func NewArbiter(
	lock domain.InstanceLock,
	markers domain.MarkerStore,
	pm domain.ProcessManager,
	activator domain.Activator,
	hooks domain.ExitHooks,
	config ArbiterConfig,
	logger *zap.Logger,
) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		lock:      lock,
		markers:   markers,
		pm:        pm,
		activator: activator,
		hooks:     hooks,
		config:    config,
		logger:    logger,
	}
}

// Inspect reads the lock and probes the recorded PID.
func (a *Arbiter) Inspect() (domain.LockState, error) {
	pid, exists, err := a.lock.Read()
	if err != nil {
		return domain.LockState{}, fmt.Errorf("failed to read instance lock: %w", err)
	}
	state := domain.LockState{Exists: exists, PID: pid}
	if exists {
		state.Alive = a.pm.IsRunning(pid)
	}
	return state, nil
}

// Arbitrate decides whether this non-extension launch becomes the Primary.
// Losing an Acquire race re-checks liveness once; a second loss means a
// live Primary appeared and this process is a duplicate.
func (a *Arbiter) Arbitrate(ctx context.Context, launch domain.LaunchContext) (Outcome, error) {
	if launch.ExtensionLaunch {
		return Outcome{}, errors.New("arbiter called for an extension launch")
	}

	self := a.pm.GetCurrentPID()
	var outcome Outcome

	for attempt := 0; attempt < 2; attempt++ {
		state, err := a.Inspect()
		if err != nil {
			return Outcome{}, err
		}
		// A lock naming our own PID was left by an earlier process that
		// happened to have the same PID
		if state.Exists && state.PID == self {
			state.Alive = false
		}

		if state.Running() {
			if !launch.DevelopmentLaunch {
				return a.deferTo(state.PID), nil
			}
			if err := a.preempt(ctx, state.PID); err != nil {
				return Outcome{}, err
			}
			outcome.PreemptedPID = state.PID
			// The old Primary may have died without releasing
			if state, err = a.Inspect(); err != nil {
				return Outcome{}, err
			}
		}

		if state.Exists && !state.Alive {
			a.logger.Info("removing stale instance lock", zap.Int("pid", state.PID))
			if err := a.lock.ReleaseIfOwner(state.PID); err != nil {
				return Outcome{}, fmt.Errorf("failed to remove stale lock: %w", err)
			}
			outcome.StaleLock = true
		}

		err = a.lock.Acquire(self)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("lost lock race, re-checking", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to acquire instance lock: %w", err)
		}

		a.becomePrimary(self)
		outcome.Decision = DecisionPrimary
		return outcome, nil
	}

	// Someone else won twice; defer to whoever holds it now
	state, err := a.Inspect()
	if err != nil {
		return Outcome{}, err
	}
	if state.Running() && state.PID != self {
		return a.deferTo(state.PID), nil
	}
	return Outcome{}, domain.ErrLockHeld
}

// becomePrimary runs once the lock is ours.
func (a *Arbiter) becomePrimary(self int) {
	if err := a.markers.ClearNoRelaunch(); err != nil {
		a.logger.Warn("failed to clear no-relaunch marker", zap.Error(err))
	}
	a.hooks.OnExit(func() {
		if err := a.lock.ReleaseIfOwner(self); err != nil {
			a.logger.Warn("failed to release instance lock", zap.Error(err))
		}
	})
	a.logger.Info("became primary", zap.Int("pid", self), zap.String("lock", a.lock.Path()))
}

func (a *Arbiter) deferTo(pid int) Outcome {
	a.logger.Info("primary already running, activating", zap.Int("pid", pid))
	if err := a.activator.Activate(pid); err != nil {
		a.logger.Warn("failed to activate running primary", zap.Int("pid", pid), zap.Error(err))
	}
	return Outcome{Decision: DecisionDuplicate, ExistingPID: pid}
}

// preempt terminates a live Primary and waits, bounded, for it to let go.
func (a *Arbiter) preempt(ctx context.Context, pid int) error {
	a.logger.Info("development launch, pre-empting running primary", zap.Int("pid", pid))
	if err := a.pm.Terminate(pid); err != nil && a.pm.IsRunning(pid) {
		return fmt.Errorf("failed to terminate primary %d: %w", pid, err)
	}

	for i := 0; i < a.config.PreemptAttempts; i++ {
		owner, exists, err := a.lock.Read()
		if err == nil && (!exists || owner != pid) {
			return nil
		}
		if !a.pm.IsRunning(pid) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.config.PreemptInterval):
		}
	}

	if a.pm.IsRunning(pid) {
		return fmt.Errorf("%w: primary %d still running after pre-emption", domain.ErrLockHeld, pid)
	}
	return nil
}
