// Package config loads companion settings from defaults, an optional
// config.yaml in the data directory, and FOCUSD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete companion configuration.
type Config struct {
	Relay   RelayConfig    `mapstructure:"relay"`
	Arbiter ArbiterConfig  `mapstructure:"arbiter"`
	Primary PrimaryConfig  `mapstructure:"primary"`
	App     AppConfig      `mapstructure:"app"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Budgets map[string]int `mapstructure:"budgets"` // platform -> minutes per day
}

// RelayConfig bounds every wait the Relay performs.
type RelayConfig struct {
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectInterval time.Duration `mapstructure:"connect_interval"`
	LaunchWait      time.Duration `mapstructure:"launch_wait"`
	MarkerFreshness time.Duration `mapstructure:"marker_freshness"`
}

// ArbiterConfig bounds the wait for a pre-empted Primary to release its lock.
type ArbiterConfig struct {
	PreemptAttempts int           `mapstructure:"preempt_attempts"`
	PreemptInterval time.Duration `mapstructure:"preempt_interval"`
}

// PrimaryConfig controls the Primary's maintenance loop.
type PrimaryConfig struct {
	LockCheckInterval time.Duration `mapstructure:"lock_check_interval"`
}

// AppConfig identifies the desktop application for open -a.
type AppConfig struct {
	// Name is the application bundle name, e.g. "Focusd".
	// Empty means the binary is not inside an app bundle.
	Name string `mapstructure:"name"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			ConnectAttempts: 15,
			ConnectInterval: 500 * time.Millisecond,
			LaunchWait:      5 * time.Second,
			MarkerFreshness: 30 * time.Second,
		},
		Arbiter: ArbiterConfig{
			PreemptAttempts: 20,
			PreemptInterval: 100 * time.Millisecond,
		},
		Primary: PrimaryConfig{
			LockCheckInterval: 30 * time.Second,
		},
		App: AppConfig{
			Name: "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Budgets: map[string]int{},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("relay.connect_attempts", defaults.Relay.ConnectAttempts)
	v.SetDefault("relay.connect_interval", defaults.Relay.ConnectInterval)
	v.SetDefault("relay.launch_wait", defaults.Relay.LaunchWait)
	v.SetDefault("relay.marker_freshness", defaults.Relay.MarkerFreshness)

	v.SetDefault("arbiter.preempt_attempts", defaults.Arbiter.PreemptAttempts)
	v.SetDefault("arbiter.preempt_interval", defaults.Arbiter.PreemptInterval)

	v.SetDefault("primary.lock_check_interval", defaults.Primary.LockCheckInterval)

	v.SetDefault("app.name", defaults.App.Name)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("budgets", defaults.Budgets)
}

// Load reads config.yaml from dataDir (if present) and FOCUSD_* env vars.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("FOCUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Budgets == nil {
		cfg.Budgets = map[string]int{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would make a wait unbounded or meaningless.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.ConnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.connect_attempts must be positive, got %d", c.Relay.ConnectAttempts))
	}
	if c.Relay.ConnectInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.connect_interval must be positive, got %s", c.Relay.ConnectInterval))
	}
	if c.Relay.LaunchWait <= 0 {
		errs = append(errs, fmt.Errorf("relay.launch_wait must be positive, got %s", c.Relay.LaunchWait))
	}
	if c.Relay.MarkerFreshness <= 0 {
		errs = append(errs, fmt.Errorf("relay.marker_freshness must be positive, got %s", c.Relay.MarkerFreshness))
	}
	if c.Arbiter.PreemptAttempts <= 0 {
		errs = append(errs, fmt.Errorf("arbiter.preempt_attempts must be positive, got %d", c.Arbiter.PreemptAttempts))
	}
	if c.Arbiter.PreemptInterval <= 0 {
		errs = append(errs, fmt.Errorf("arbiter.preempt_interval must be positive, got %s", c.Arbiter.PreemptInterval))
	}
	if c.Primary.LockCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("primary.lock_check_interval must be positive, got %s", c.Primary.LockCheckInterval))
	}
	for platform, minutes := range c.Budgets {
		if minutes <= 0 {
			errs = append(errs, fmt.Errorf("budgets.%s must be positive, got %d", platform, minutes))
		}
	}

	return errors.Join(errs...)
}
