package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// FileMarkerStore implements domain.MarkerStore with two plain files.
// The no-relaunch marker's mtime is its whole meaning; the strict flag is existence only.
type FileMarkerStore struct {
	markerPath string
	strictPath string
}

// NewMarkerStore creates a marker store for the given paths.
func NewMarkerStore(paths *Paths) *FileMarkerStore {
	return &FileMarkerStore{
		markerPath: paths.MarkerPath,
		strictPath: paths.StrictFlagPath,
	}
}

// TouchNoRelaunch creates or refreshes the marker (write + rename).
func (s *FileMarkerStore) TouchNoRelaunch() error {
	dir := filepath.Dir(s.markerPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".no_relaunch.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create marker temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, err = tmpFile.WriteString(strconv.FormatInt(time.Now().Unix(), 10) + "\n")
	if closeErr := tmpFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write marker: %w", err)
	}

	if err := os.Rename(tmpPath, s.markerPath); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return fmt.Errorf("failed to publish marker: %w", err)
	}
	return nil
}

// NoRelaunch returns the marker state.
func (s *FileMarkerStore) NoRelaunch() (domain.MarkerState, error) {
	info, err := os.Stat(s.markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.MarkerState{}, nil
		}
		return domain.MarkerState{}, err
	}
	return domain.MarkerState{Exists: true, ModTime: info.ModTime()}, nil
}

// ClearNoRelaunch removes the marker.
func (s *FileMarkerStore) ClearNoRelaunch() error {
	if err := os.Remove(s.markerPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StrictMode reports whether the strict-mode flag exists.
func (s *FileMarkerStore) StrictMode() bool {
	_, err := os.Stat(s.strictPath)
	return err == nil
}

// SetStrictMode creates or removes the strict-mode flag.
func (s *FileMarkerStore) SetStrictMode(enabled bool) error {
	if !enabled {
		if err := os.Remove(s.strictPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.strictPath), 0700); err != nil {
		return fmt.Errorf("failed to create flag directory: %w", err)
	}
	f, err := os.OpenFile(s.strictPath, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to create strict-mode flag: %w", err)
	}
	return f.Close()
}

// Ensure FileMarkerStore implements domain.MarkerStore.
var _ domain.MarkerStore = (*FileMarkerStore)(nil)
