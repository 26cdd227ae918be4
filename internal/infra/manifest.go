package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// Browser identifies a native-messaging host registry.
type Browser string

const (
	BrowserChrome   Browser = "chrome"
	BrowserChromium Browser = "chromium"
	BrowserFirefox  Browser = "firefox"
)

// HostManifest is the native-messaging host manifest. Chromium browsers key
// permissions by allowed_origins, Firefox by allowed_extensions.
type HostManifest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Path              string   `json:"path"`
	Type              string   `json:"type"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
}

// NewHostManifest builds the manifest for browser, pointing at execPath.
func NewHostManifest(browser Browser, execPath, extensionID string) (*HostManifest, error) {
	if !filepath.IsAbs(execPath) {
		return nil, fmt.Errorf("host path must be absolute: %s", execPath)
	}
	if extensionID == "" {
		return nil, fmt.Errorf("extension id is required")
	}

	m := &HostManifest{
		Name:        domain.NativeHostName,
		Description: "focusd companion",
		Path:        execPath,
		Type:        "stdio",
	}
	switch browser {
	case BrowserChrome, BrowserChromium:
		origin := extensionID
		if !strings.HasPrefix(origin, "chrome-extension://") {
			origin = "chrome-extension://" + origin
		}
		m.AllowedOrigins = []string{strings.TrimSuffix(origin, "/") + "/"}
	case BrowserFirefox:
		m.AllowedExtensions = []string{extensionID}
	default:
		return nil, fmt.Errorf("unsupported browser %q", browser)
	}
	return m, nil
}

// ManifestDir returns the per-user NativeMessagingHosts directory for browser.
func ManifestDir(goos, home string, browser Browser) (string, error) {
	switch goos {
	case "darwin":
		support := filepath.Join(home, "Library", "Application Support")
		switch browser {
		case BrowserChrome:
			return filepath.Join(support, "Google", "Chrome", "NativeMessagingHosts"), nil
		case BrowserChromium:
			return filepath.Join(support, "Chromium", "NativeMessagingHosts"), nil
		case BrowserFirefox:
			return filepath.Join(support, "Mozilla", "NativeMessagingHosts"), nil
		}
	case "linux":
		switch browser {
		case BrowserChrome:
			return filepath.Join(home, ".config", "google-chrome", "NativeMessagingHosts"), nil
		case BrowserChromium:
			return filepath.Join(home, ".config", "chromium", "NativeMessagingHosts"), nil
		case BrowserFirefox:
			return filepath.Join(home, ".mozilla", "native-messaging-hosts"), nil
		}
	default:
		return "", fmt.Errorf("unsupported platform %q", goos)
	}
	return "", fmt.Errorf("unsupported browser %q", browser)
}

// WriteManifest writes m into dir as <host name>.json and returns the path.
func WriteManifest(dir string, m *HostManifest) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(dir, m.Name+".json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to publish manifest: %w", err)
	}
	return path, nil
}
