package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	settingsDBName = "companion.db"

	settingAutoLaunch = "auto_launch_allowed"
)

// SettingsDB implements domain.SettingsStore and domain.UsageStore
// using a SQLCipher encrypted SQLite database shared by Primary and Relays.
type SettingsDB struct {
	db     *sql.DB
	dbPath string
}

// NewSettingsDB opens (or creates) the encrypted settings database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewSettingsDB(dataDir string, key []byte) (*SettingsDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, settingsDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One connection so the busy timeout below applies to every statement
	db.SetMaxOpenConns(1)

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	// Primary and relays open the same file concurrently
	if _, err := db.Exec(`PRAGMA busy_timeout = 2000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SettingsDB{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SettingsDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage (
		day TEXT NOT NULL,
		platform TEXT NOT NULL,
		seconds INTEGER NOT NULL,
		PRIMARY KEY (day, platform)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		browser TEXT NOT NULL,
		intent TEXT DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SettingsDB) Path() string {
	return s.dbPath
}

// --- domain.SettingsStore implementation ---

// AutoLaunchAllowed returns the auto-launch permission. Unset means allowed.
func (s *SettingsDB) AutoLaunchAllowed() (bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingAutoLaunch).Scan(&value)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	allowed, err := strconv.ParseBool(value)
	if err != nil {
		return true, fmt.Errorf("invalid %s value %q: %w", settingAutoLaunch, value, err)
	}
	return allowed, nil
}

// SetAutoLaunchAllowed persists the auto-launch permission.
func (s *SettingsDB) SetAutoLaunchAllowed(allowed bool) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
		settingAutoLaunch, strconv.FormatBool(allowed), time.Now().Unix())
	return err
}

// --- domain.UsageStore implementation ---

// AddUsage adds seconds to the platform's total for day and returns the new total.
func (s *SettingsDB) AddUsage(day, platform string, seconds int64) (int64, error) {
	_, err := s.db.Exec(`
		INSERT INTO usage (day, platform, seconds) VALUES (?, ?, ?)
		ON CONFLICT(day, platform) DO UPDATE SET seconds = seconds + excluded.seconds`,
		day, platform, seconds)
	if err != nil {
		return 0, err
	}

	var total int64
	err = s.db.QueryRow(`SELECT seconds FROM usage WHERE day = ? AND platform = ?`, day, platform).Scan(&total)
	return total, err
}

// UsageForDay returns all platform totals for day, ordered by platform.
func (s *SettingsDB) UsageForDay(day string) ([]domain.UsageEntry, error) {
	rows, err := s.db.Query(`SELECT platform, seconds FROM usage WHERE day = ? ORDER BY platform`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.UsageEntry
	for rows.Next() {
		e := domain.UsageEntry{Day: day}
		if err := rows.Scan(&e.Platform, &e.Seconds); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StartSession records a new open session.
func (s *SettingsDB) StartSession(session domain.BrowsingSession) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, platform, browser, intent, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, 0)`,
		session.ID, session.Platform, session.Browser, session.Intent, session.StartedAt.UnixMilli())
	return err
}

// EndSession closes the most recent open session for platform and browser.
func (s *SettingsDB) EndSession(platform, browser string, endedAt time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE sessions SET ended_at = ?
		WHERE id = (
			SELECT id FROM sessions
			WHERE platform = ? AND browser = ? AND ended_at = 0
			ORDER BY started_at DESC LIMIT 1
		)`,
		endedAt.UnixMilli(), platform, browser)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// OpenSessions returns sessions that have not ended, oldest first.
func (s *SettingsDB) OpenSessions() ([]domain.BrowsingSession, error) {
	rows, err := s.db.Query(`
		SELECT id, platform, browser, intent, started_at FROM sessions
		WHERE ended_at = 0 ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.BrowsingSession
	for rows.Next() {
		var sess domain.BrowsingSession
		var startedAt int64
		if err := rows.Scan(&sess.ID, &sess.Platform, &sess.Browser, &sess.Intent, &startedAt); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(startedAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close releases the database connection.
func (s *SettingsDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// OpenSettingsDB loads (or creates) the key in dataDir and opens the database.
func OpenSettingsDB(dataDir string) (*SettingsDB, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load settings key: %w", err)
	}
	return NewSettingsDB(dataDir, key)
}

// Ensure SettingsDB implements both interfaces.
var _ domain.SettingsStore = (*SettingsDB)(nil)
var _ domain.UsageStore = (*SettingsDB)(nil)
