package infra

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// WatchdogLabel is the launchd label of the strict-mode agent.
const WatchdogLabel = "com.focusd.companion"

// LaunchAgent plist template (runs as user). KeepAlive is unconditional:
// in strict mode the Primary comes back however it died.
const watchdogTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>EnvironmentVariables</key>
    <dict>
        <key>{{.DataDirEnv}}</key>
        <string>{{.DataDir}}</string>
    </dict>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ProcessType</key>
    <string>Interactive</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>`

type plistConfig struct {
	Label          string
	ExecutablePath string
	DataDirEnv     string
	DataDir        string
	ErrorLogPath   string
}

// LaunchdWatchdog implements domain.WatchdogManager with a user LaunchAgent.
type LaunchdWatchdog struct {
	paths     *Paths
	plistDir  string
	plistPath string
	cmdRunner CommandRunner
}

// NewLaunchdWatchdog creates a watchdog manager in ~/Library/LaunchAgents.
func NewLaunchdWatchdog(paths *Paths) *LaunchdWatchdog {
	dir := filepath.Join(GetRealUserHome(), "Library", "LaunchAgents")
	return NewLaunchdWatchdogWithDeps(paths, dir, &RealCommandRunner{})
}

// NewLaunchdWatchdogWithDeps creates a watchdog with injectable dependencies (for testing)
func NewLaunchdWatchdogWithDeps(paths *Paths, plistDir string, cmdRunner CommandRunner) *LaunchdWatchdog {
	return &LaunchdWatchdog{
		paths:     paths,
		plistDir:  plistDir,
		plistPath: filepath.Join(plistDir, WatchdogLabel+".plist"),
		cmdRunner: cmdRunner,
	}
}

// generatePlistContent creates plist content for the given exec path.
func (m *LaunchdWatchdog) generatePlistContent(execPath string) ([]byte, error) {
	config := plistConfig{
		Label:          WatchdogLabel,
		ExecutablePath: execPath,
		DataDirEnv:     DataDirEnv,
		DataDir:        m.paths.DataDir,
		ErrorLogPath:   m.paths.ErrorLogPath,
	}

	tmpl, err := template.New("plist").Parse(watchdogTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return nil, fmt.Errorf("failed to execute plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes and loads the agent. An existing agent is reloaded so a
// moved binary takes effect.
func (m *LaunchdWatchdog) Install(execPath string) error {
	if err := os.MkdirAll(m.plistDir, 0755); err != nil {
		return err
	}

	content, err := m.generatePlistContent(execPath)
	if err != nil {
		return fmt.Errorf("failed to generate plist content: %w", err)
	}

	if m.IsInstalled() {
		_ = m.unload()
	}
	if err := os.WriteFile(m.plistPath, content, 0644); err != nil {
		return err
	}
	return m.load()
}

// Uninstall unloads and removes the agent. Missing agent is not an error.
func (m *LaunchdWatchdog) Uninstall() error {
	if !m.IsInstalled() {
		return nil
	}
	// Unload first (ignore errors if not loaded)
	_ = m.unload()
	return os.Remove(m.plistPath)
}

// IsInstalled checks if plist is installed.
func (m *LaunchdWatchdog) IsInstalled() bool {
	_, err := os.Stat(m.plistPath)
	return err == nil
}

// GetPlistPath returns the plist file path.
func (m *LaunchdWatchdog) GetPlistPath() string {
	return m.plistPath
}

// load loads the plist using launchctl.
// `launchctl load` is deprecated in favour of bootstrap gui/<uid> but still works.
func (m *LaunchdWatchdog) load() error {
	return m.cmdRunner.Run("launchctl", "load", m.plistPath)
}

// unload unloads the plist using launchctl.
func (m *LaunchdWatchdog) unload() error {
	return m.cmdRunner.Run("launchctl", "unload", m.plistPath)
}

// Ensure LaunchdWatchdog implements domain.WatchdogManager.
var _ domain.WatchdogManager = (*LaunchdWatchdog)(nil)
