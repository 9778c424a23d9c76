// Package config provides configuration management for Tunnel Manager.
// It handles loading, saving, and validating application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/tunnel-manager/common"
)

// ReconnectConfig holds the backoff parameters for one reconnection profile.
type ReconnectConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Multiplier grows the delay between attempts (exponential profile only).
	Multiplier float64 `yaml:"multiplier"`
	// MaxAttempts is how many retries are made before giving up.
	MaxAttempts int `yaml:"max_attempts"`
}

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// AutoReconnect automatically reconnects when connectivity is lost.
	AutoReconnect bool `yaml:"auto_reconnect"`
	// KillSwitch blocks non-tunnel traffic while the tunnel is expected
	// to be up but is confirmed down.
	KillSwitch bool `yaml:"kill_switch"`
	// BackoffProfile selects the retry delay profile: "exponential" or "linear".
	BackoffProfile string `yaml:"backoff_profile"`
	// Reconnect holds the backoff parameters for the selected profile.
	Reconnect ReconnectConfig `yaml:"reconnect"`
	// SettleWindow is how many consecutive stable network confirmations are
	// required before the reconnection attempt counter resets.
	SettleWindow int `yaml:"settle_window"`
	// StatsInterval is how often tunnel statistics are sampled.
	StatsInterval time.Duration `yaml:"stats_interval"`
	// EnginePath is the path to the tunnel engine binary.
	EnginePath string `yaml:"engine_path"`
	// TunName is the TUN interface name handed to the engine.
	TunName string `yaml:"tun_name"`
	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		AutoReconnect:  true,
		KillSwitch:     false,
		BackoffProfile: common.BackoffProfileExponential,
		Reconnect: ReconnectConfig{
			BaseDelay:   common.DefaultReconnectBaseDelay,
			MaxDelay:    common.DefaultReconnectMaxDelay,
			Multiplier:  common.DefaultReconnectMultiplier,
			MaxAttempts: common.DefaultReconnectMaxAttempts,
		},
		SettleWindow:  common.DefaultSettleWindow,
		StatsInterval: common.StatsInterval,
		EnginePath:    "sing-box",
		TunName:       "tun0",
		LogLevel:      "info",
	}
}

// LinearReconnectDefaults returns the backoff parameters of the linear
// profile. They apply when backoff_profile is "linear" and no explicit
// reconnect block is configured.
func LinearReconnectDefaults() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   common.LinearReconnectBaseDelay,
		MaxDelay:    common.LinearReconnectMaxDelay,
		MaxAttempts: common.LinearReconnectMaxAttempts,
	}
}

// Load loads the configuration from the config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	// If it doesn't exist, return default configuration
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in zero values and repairs invalid settings.
func (c *Config) applyDefaults() {
	switch c.BackoffProfile {
	case common.BackoffProfileExponential, common.BackoffProfileLinear:
	default:
		c.BackoffProfile = common.BackoffProfileExponential
	}

	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay <= 0 || c.Reconnect.MaxAttempts <= 0 {
		if c.BackoffProfile == common.BackoffProfileLinear {
			c.Reconnect = LinearReconnectDefaults()
		} else {
			c.Reconnect = DefaultConfig().Reconnect
		}
	}
	if c.BackoffProfile == common.BackoffProfileExponential && c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = common.DefaultReconnectMultiplier
	}

	if c.SettleWindow <= 0 {
		c.SettleWindow = common.DefaultSettleWindow
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = common.StatsInterval
	}
	if c.EnginePath == "" {
		c.EnginePath = "sing-box"
	}
	if c.TunName == "" {
		c.TunName = "tun0"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Save saves the configuration to the file
func (c *Config) Save() error {
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	return nil
}

func getConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
