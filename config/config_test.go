package config

import (
	"testing"
	"time"

	"github.com/yllada/tunnel-manager/common"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.AutoReconnect {
		t.Error("AutoReconnect should be enabled by default")
	}
	if cfg.KillSwitch {
		t.Error("KillSwitch should be disabled by default")
	}
	if cfg.BackoffProfile != common.BackoffProfileExponential {
		t.Errorf("BackoffProfile = %q, want exponential", cfg.BackoffProfile)
	}
	if cfg.Reconnect.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxDelay != 5*time.Minute {
		t.Errorf("MaxDelay = %v, want 5m", cfg.Reconnect.MaxDelay)
	}
	if cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %v, want 10", cfg.Reconnect.MaxAttempts)
	}
	if cfg.EnginePath != "sing-box" {
		t.Errorf("EnginePath = %q, want sing-box", cfg.EnginePath)
	}
	if cfg.TunName != "tun0" {
		t.Errorf("TunName = %q, want tun0", cfg.TunName)
	}
}

func TestApplyDefaults_EmptyConfig(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.BackoffProfile != common.BackoffProfileExponential {
		t.Errorf("BackoffProfile = %q, want exponential", cfg.BackoffProfile)
	}
	if cfg.Reconnect != DefaultConfig().Reconnect {
		t.Errorf("Reconnect = %+v, want defaults", cfg.Reconnect)
	}
	if cfg.SettleWindow != common.DefaultSettleWindow {
		t.Errorf("SettleWindow = %d, want %d", cfg.SettleWindow, common.DefaultSettleWindow)
	}
	if cfg.StatsInterval != common.StatsInterval {
		t.Errorf("StatsInterval = %v, want %v", cfg.StatsInterval, common.StatsInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestApplyDefaults_LinearProfile(t *testing.T) {
	cfg := &Config{BackoffProfile: common.BackoffProfileLinear}
	cfg.applyDefaults()

	if cfg.Reconnect != LinearReconnectDefaults() {
		t.Errorf("Reconnect = %+v, want linear defaults", cfg.Reconnect)
	}
	if cfg.Reconnect.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.Reconnect.MaxDelay)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %v, want 5", cfg.Reconnect.MaxAttempts)
	}
}

func TestApplyDefaults_RepairsInvalidValues(t *testing.T) {
	cfg := &Config{
		BackoffProfile: "fibonacci",
		Reconnect: ReconnectConfig{
			BaseDelay:   -time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: 3,
		},
	}
	cfg.applyDefaults()

	if cfg.BackoffProfile != common.BackoffProfileExponential {
		t.Errorf("unknown profile not repaired: %q", cfg.BackoffProfile)
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		t.Errorf("negative BaseDelay not repaired: %v", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.Multiplier < 1 {
		t.Errorf("Multiplier = %v, want >= 1", cfg.Reconnect.Multiplier)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		BackoffProfile: common.BackoffProfileLinear,
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 7,
		},
		SettleWindow: 4,
	}
	cfg.applyDefaults()

	if cfg.Reconnect.MaxAttempts != 7 {
		t.Errorf("explicit MaxAttempts overwritten: %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.SettleWindow != 4 {
		t.Errorf("explicit SettleWindow overwritten: %d", cfg.SettleWindow)
	}
}
