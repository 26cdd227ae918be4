package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: x/sys/unix for liveness, gopsutil for inspection and termination.
type ProcessManager interface {
	// IsRunning checks if a PID exists using a zero-effect signal.
	IsRunning(pid int) bool

	// Terminate delivers SIGTERM to a process.
	Terminate(pid int) error

	// Name returns the executable name of a process.
	Name(pid int) (string, error)

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int

	// GetParentPID returns the parent PID of the current process.
	GetParentPID() int
}

// InstanceLock is the PID lock file that marks the live Primary.
type InstanceLock interface {
	// Acquire atomically creates the lock containing pid.
	// Returns ErrLockHeld if the file already exists.
	Acquire(pid int) error

	// Read returns the PID recorded in the lock, and false if there is no lock.
	Read() (pid int, exists bool, err error)

	// Remove deletes the lock. Missing lock is not an error.
	Remove() error

	// ReleaseIfOwner removes the lock only while it still records pid.
	ReleaseIfOwner(pid int) error

	// Path returns the lock file path.
	Path() string
}

// MarkerStore manages the no-relaunch marker and the strict-mode flag.
type MarkerStore interface {
	// TouchNoRelaunch creates or refreshes the no-relaunch marker.
	TouchNoRelaunch() error

	// NoRelaunch returns the marker state.
	NoRelaunch() (MarkerState, error)

	// ClearNoRelaunch removes the marker. Missing marker is not an error.
	ClearNoRelaunch() error

	// StrictMode reports whether the strict-mode flag exists.
	StrictMode() bool

	// SetStrictMode creates or removes the strict-mode flag.
	SetStrictMode(enabled bool) error
}

// SettingsStore persists user-level settings shared across processes.
type SettingsStore interface {
	// AutoLaunchAllowed returns the auto-launch permission (default true).
	AutoLaunchAllowed() (bool, error)

	// SetAutoLaunchAllowed persists the auto-launch permission.
	SetAutoLaunchAllowed(allowed bool) error

	// Close releases resources (e.g., database connection).
	Close() error
}

// UsageStore records browsing time and sessions reported by the extension.
type UsageStore interface {
	// AddUsage adds seconds to the platform's total for day and returns the new total.
	AddUsage(day, platform string, seconds int64) (int64, error)

	// UsageForDay returns all platform totals for day.
	UsageForDay(day string) ([]UsageEntry, error)

	// StartSession records a new open session.
	StartSession(session BrowsingSession) error

	// EndSession closes the most recent open session for platform and browser.
	// Returns false if no session was open.
	EndSession(platform, browser string, endedAt time.Time) (bool, error)

	// OpenSessions returns sessions that have not ended.
	OpenSessions() ([]BrowsingSession, error)
}

// PrimaryLauncher starts the Primary as a process independent of the caller.
type PrimaryLauncher interface {
	// Launch starts the Primary and returns once the launch request was accepted.
	Launch(ctx context.Context) error
}

// ReadinessWaiter blocks until a launched Primary is reachable.
type ReadinessWaiter interface {
	// WaitReady returns nil once the Primary's socket exists, or ErrLaunchTimeout.
	WaitReady(ctx context.Context, timeout time.Duration) error
}

// Activator brings an already running Primary to the foreground.
type Activator interface {
	Activate(pid int) error
}

// WatchdogManager installs the external watchdog used by strict mode.
type WatchdogManager interface {
	// Install creates and loads the watchdog definition for execPath.
	Install(execPath string) error

	// Uninstall unloads and removes the watchdog definition.
	Uninstall() error

	// IsInstalled checks if the watchdog is installed.
	IsInstalled() bool

	// GetPlistPath returns the definition file path.
	GetPlistPath() string
}

// ExitHooks registers functions that must run on every process exit path.
type ExitHooks interface {
	OnExit(fn func())
}

// KeyProvider abstracts encryption key storage for the settings database.
type KeyProvider interface {
	// GetKey returns the 32-byte database key.
	GetKey() ([]byte, error)

	// StoreKey persists the key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}
