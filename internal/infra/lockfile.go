package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// FileInstanceLock implements domain.InstanceLock with a plain-text PID file.
// The file is published with link(2) so it never exists without its content.
type FileInstanceLock struct {
	path string
}

// NewInstanceLock creates a lock at path.
func NewInstanceLock(path string) *FileInstanceLock {
	return &FileInstanceLock{path: path}
}

// Path returns the lock file path.
func (l *FileInstanceLock) Path() string {
	return l.path
}

// Acquire atomically creates the lock containing pid.
func (l *FileInstanceLock) Acquire(pid int) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	// Write to a unique temp file first so the lock is never visible half-written
	tmpFile, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create lock temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	_, err = tmpFile.WriteString(strconv.Itoa(pid) + "\n")
	if closeErr := tmpFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write lock temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to chmod lock temp file: %w", err)
	}

	// link fails with EEXIST instead of replacing, unlike rename
	err = os.Link(tmpPath, l.path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return domain.ErrLockHeld
	}

	// Filesystems without hard links fall back to O_EXCL
	f, openErr := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if openErr != nil {
		if errors.Is(openErr, fs.ErrExist) {
			return domain.ErrLockHeld
		}
		return fmt.Errorf("failed to create lock: %w", openErr)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock: %w", err)
	}
	return nil
}

// Read returns the PID recorded in the lock.
// A lock with unparseable content is reported as existing with PID 0,
// which no liveness probe accepts, so callers treat it as stale.
func (l *FileInstanceLock) Read() (int, bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid < 0 {
		return 0, true, nil
	}
	return pid, true, nil
}

// Remove deletes the lock file.
func (l *FileInstanceLock) Remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReleaseIfOwner removes the lock only while it still names pid.
// Exit paths use this so a process never deletes a successor's lock.
func (l *FileInstanceLock) ReleaseIfOwner(pid int) error {
	owner, exists, err := l.Read()
	if err != nil || !exists {
		return err
	}
	if owner != pid {
		return nil
	}
	return l.Remove()
}

// Ensure FileInstanceLock implements domain.InstanceLock.
var _ domain.InstanceLock = (*FileInstanceLock)(nil)
