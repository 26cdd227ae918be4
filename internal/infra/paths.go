// Package infra implements infrastructure concerns (process, filesystem, locks, storage).
package infra

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

const (
	// DataDirEnv overrides the data directory (tests, portable installs).
	DataDirEnv = "FOCUSD_DATA_DIR"
	// SocketDirEnv overrides the directory holding the per-user socket.
	SocketDirEnv = "FOCUSD_SOCKET_DIR"

	defaultSocketDir = "/tmp"

	lockFileName   = "companion.pid"
	markerFileName = ".no_relaunch"
	strictFileName = ".strict_mode"
	logFileName    = "companion.log"
	errLogFileName = "companion.error.log"
)

// Paths holds every well-known filesystem location used by the companion.
type Paths struct {
	DataDir        string // Settings DB, key, config, lock and markers live here
	LockPath       string // Instance lock (decimal PID)
	MarkerPath     string // No-relaunch marker (mtime is the payload)
	StrictFlagPath string // Strict-mode flag (existence only)
	LogPath        string
	ErrorLogPath   string
	SocketPath     string // Per-user Unix socket endpoint
}

// DetectPaths resolves paths for the current user.
func DetectPaths() *Paths {
	dataDir := os.Getenv(DataDirEnv)
	if dataDir == "" {
		dataDir = filepath.Join(GetRealUserHome(), ".focusd")
	}
	return PathsForDir(dataDir, os.Getuid())
}

// PathsForDir builds paths rooted at dataDir for uid.
func PathsForDir(dataDir string, uid int) *Paths {
	return &Paths{
		DataDir:        dataDir,
		LockPath:       filepath.Join(dataDir, lockFileName),
		MarkerPath:     filepath.Join(dataDir, markerFileName),
		StrictFlagPath: filepath.Join(dataDir, strictFileName),
		LogPath:        filepath.Join(dataDir, logFileName),
		ErrorLogPath:   filepath.Join(dataDir, errLogFileName),
		SocketPath:     SocketPath(uid),
	}
}

// SocketPath returns the deterministic socket path for uid.
// It lives outside the data dir because sun_path is limited to ~104 bytes on macOS.
func SocketPath(uid int) string {
	dir := os.Getenv(SocketDirEnv)
	if dir == "" {
		dir = defaultSocketDir
	}
	return filepath.Join(dir, fmt.Sprintf("focusd-companion-%d.sock", uid))
}

// EnsureDataDir creates the data directory with owner-only permissions.
func (p *Paths) EnsureDataDir() error {
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", p.DataDir, err)
	}
	return nil
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /var/root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
