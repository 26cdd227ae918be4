// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"time"
)

// Role identifies why this process exists.
type Role string

const (
	// RolePrimary is the single long-lived instance holding the lock and socket.
	RolePrimary Role = "primary"
	// RoleRelay is a disposable process spawned by the browser that forwards bytes.
	RoleRelay Role = "relay"
)

// LaunchContext captures how this process was invoked.
// It is computed once at startup and never mutated.
type LaunchContext struct {
	Args              []string
	ExtensionLaunch   bool   // Browser passed an extension origin
	ExtensionOrigin   string // e.g. chrome-extension://abc/ or a Firefox add-on id
	DevelopmentLaunch bool   // Started under a debugger or with the dev env marker
}

// Role returns the role implied by the launch context.
func (l LaunchContext) Role() Role {
	if l.ExtensionLaunch {
		return RoleRelay
	}
	return RolePrimary
}

// LockState describes what the instance lock says about the Primary.
type LockState struct {
	Exists bool
	PID    int
	Alive  bool
}

// Running reports whether a live Primary holds the lock.
func (s LockState) Running() bool {
	return s.Exists && s.Alive
}

// MarkerState describes the no-relaunch marker.
type MarkerState struct {
	Exists  bool
	ModTime time.Time
}

// Age returns how old the marker is relative to now.
func (m MarkerState) Age(now time.Time) time.Duration {
	if !m.Exists {
		return 0
	}
	return now.Sub(m.ModTime)
}

// Fresh reports whether the marker exists and is younger than window.
func (m MarkerState) Fresh(now time.Time, window time.Duration) bool {
	return m.Exists && m.Age(now) < window
}

// UsageEntry is the recorded browsing time for one platform on one day.
type UsageEntry struct {
	Day      string // YYYY-MM-DD, local time
	Platform string
	Seconds  int64
}

// BrowsingSession is a SESSION_START/SESSION_END pair.
type BrowsingSession struct {
	ID        string
	Platform  string
	Browser   string
	Intent    string
	StartedAt time.Time
	EndedAt   time.Time // zero while open
}

// Sentinel errors for the failure taxonomy. Expected outcomes such as a
// duplicate launch or a stale lock are not errors.
var (
	// ErrLockHeld is returned when the lock is already owned by another process.
	ErrLockHeld = errors.New("instance lock held by another process")

	// ErrLaunchTimeout means an independently launched Primary never became ready.
	ErrLaunchTimeout = errors.New("primary did not become ready in time")

	// ErrConnectExhausted means every socket connect attempt failed.
	ErrConnectExhausted = errors.New("socket connect retries exhausted")

	// ErrLaunchRefused means the launcher itself reported failure.
	ErrLaunchRefused = errors.New("primary launch refused")

	// ErrSettingsUnavailable means the settings store could not be opened.
	ErrSettingsUnavailable = errors.New("settings store unavailable")
)

// NativeHostName is the native-messaging host name registered with browsers.
// Firefox passes the manifest path, which ends in NativeHostName + ".json".
const NativeHostName = "com.focusd.companion"
