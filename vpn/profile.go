// Package vpn provides tunnel connection management functionality.
// This file contains the Profile and ProfileManager types for managing
// tunnel connection profiles, and the structural engine-config validator.
package vpn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yllada/tunnel-manager/common"
)

// Common errors returned by profile operations.
var (
	ErrProfileNotFound = common.ErrProfileNotFound
	ErrInvalidConfig   = common.ErrConfigurationInvalid
	ErrDuplicateName   = common.ErrDuplicateName
)

// Profile represents a tunnel connection profile.
// It contains everything needed to establish a connection: the path to the
// sing-box configuration file and user metadata.
type Profile struct {
	// ID is a unique identifier for the profile (UUID).
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable name for the profile.
	Name string `json:"name" yaml:"name"`
	// ServerName is the display name of the remote server.
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	// ConfigPath is the path to the sing-box configuration file.
	ConfigPath string `json:"config_path" yaml:"config_path"`
	// Username is the optional username for authentication.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	// AutoConnect indicates whether to connect automatically on startup.
	AutoConnect bool `json:"auto_connect" yaml:"auto_connect"`
	// SavePassword indicates whether to save the password in the keyring.
	SavePassword bool `json:"save_password" yaml:"save_password"`
	// KillSwitch overrides the global kill switch setting for this profile.
	KillSwitch *bool `json:"kill_switch,omitempty" yaml:"kill_switch,omitempty"`
	// Created is the timestamp when the profile was created.
	Created time.Time `json:"created" yaml:"created"`
	// LastUsed is the timestamp when the profile was last used.
	LastUsed time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if p.ConfigPath == "" {
		return errors.New("config path is required")
	}
	return nil
}

// EngineConfig reads the profile's sing-box configuration file.
func (p *Profile) EngineConfig() ([]byte, error) {
	data, err := os.ReadFile(p.ConfigPath)
	if err != nil {
		return nil, common.WrapError(err, "failed to read engine config")
	}
	return data, nil
}

// ProfileManager manages tunnel profiles.
// It handles loading, saving, and manipulating profiles stored on disk.
type ProfileManager struct {
	profiles   []*Profile
	configDir  string
	configFile string
	validator  ConfigValidator
}

// NewProfileManager creates a new ProfileManager instance.
// It initializes the configuration directory and loads existing profiles.
func NewProfileManager() (*ProfileManager, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}

	pm := &ProfileManager{
		profiles:   make([]*Profile, 0),
		configDir:  configDir,
		configFile: filepath.Join(configDir, common.ProfilesFileName),
		validator:  NewConfigValidator(),
	}

	if err := pm.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	return pm, nil
}

// Load loads profiles from the configuration file.
// Returns nil if the file doesn't exist (no profiles yet).
func (pm *ProfileManager) Load() error {
	data, err := os.ReadFile(pm.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}

	if err := yaml.Unmarshal(data, &pm.profiles); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}

	return nil
}

// Save persists profiles to the configuration file.
func (pm *ProfileManager) Save() error {
	data, err := yaml.Marshal(&pm.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}

	if err := os.WriteFile(pm.configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}

	return nil
}

// Add adds a new profile to the manager.
// It validates the engine configuration, generates a unique ID,
// and copies the config file into the application's directory.
func (pm *ProfileManager) Add(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	for _, existing := range pm.profiles {
		if existing.Name == profile.Name {
			return ErrDuplicateName
		}
	}

	data, err := os.ReadFile(profile.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if issues := pm.validator.Validate(data); len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(issues, "; "))
	}

	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	profile.Created = time.Now()

	// Copy configuration file to app directory
	configsDir := filepath.Join(pm.configDir, "configs")
	if err := os.MkdirAll(configsDir, 0700); err != nil {
		return fmt.Errorf("failed to create configs directory: %w", err)
	}
	destPath := filepath.Join(configsDir, profile.ID+".json")
	if err := os.WriteFile(destPath, data, 0600); err != nil {
		return fmt.Errorf("failed to copy config file: %w", err)
	}

	profile.ConfigPath = destPath
	pm.profiles = append(pm.profiles, profile)

	return pm.Save()
}

// Remove removes a profile by ID.
// It also deletes the associated configuration file.
func (pm *ProfileManager) Remove(id string) error {
	for i, profile := range pm.profiles {
		if profile.ID == id {
			if err := os.Remove(profile.ConfigPath); err != nil && !os.IsNotExist(err) {
				common.LogWarn("Could not remove config file for %s: %v", profile.Name, err)
			}

			pm.profiles = append(pm.profiles[:i], pm.profiles[i+1:]...)
			return pm.Save()
		}
	}
	return ErrProfileNotFound
}

// Get retrieves a profile by ID.
func (pm *ProfileManager) Get(id string) (*Profile, error) {
	for _, profile := range pm.profiles {
		if profile.ID == id {
			return profile, nil
		}
	}
	return nil, ErrProfileNotFound
}

// GetByName retrieves a profile by name.
func (pm *ProfileManager) GetByName(name string) (*Profile, error) {
	for _, profile := range pm.profiles {
		if profile.Name == name {
			return profile, nil
		}
	}
	return nil, ErrProfileNotFound
}

// List returns all profiles.
func (pm *ProfileManager) List() []*Profile {
	return pm.profiles
}

// Update updates an existing profile.
func (pm *ProfileManager) Update(profile *Profile) error {
	for i, p := range pm.profiles {
		if p.ID == profile.ID {
			pm.profiles[i] = profile
			return pm.Save()
		}
	}
	return ErrProfileNotFound
}

// MarkUsed updates the LastUsed timestamp for a profile.
func (pm *ProfileManager) MarkUsed(id string) error {
	profile, err := pm.Get(id)
	if err != nil {
		return err
	}
	profile.LastUsed = time.Now()
	return pm.Update(profile)
}

// ConfigValidator performs structural validation of an engine
// configuration. Protocol-specific field semantics belong to the engine;
// the validator only guards against configs the engine cannot start with.
type ConfigValidator interface {
	// Validate returns the full list of structural problems, empty when
	// the configuration is acceptable.
	Validate(config []byte) []string
}

// SupportedOutboundProtocols are the proxy protocol tags the engine
// accepts in an outbound definition.
var SupportedOutboundProtocols = []string{
	"vless",
	"vmess",
	"trojan",
	"shadowsocks",
	"hysteria2",
	"wireguard",
	"http",
	"socks",
}

// nonProxyOutbounds are outbound types that need no server endpoint.
var nonProxyOutbounds = []string{"direct", "block", "dns", "selector", "urltest"}

type structuralValidator struct{}

// NewConfigValidator returns the default structural validator.
func NewConfigValidator() ConfigValidator {
	return structuralValidator{}
}

// engineOutbound is the subset of an outbound definition the validator
// inspects.
type engineOutbound struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
}

// engineConfig is the subset of the engine configuration the validator
// inspects.
type engineConfig struct {
	Inbounds  []json.RawMessage `json:"inbounds"`
	Outbounds []engineOutbound  `json:"outbounds"`
}

// Validate checks the configuration structure and collects every problem.
func (structuralValidator) Validate(config []byte) []string {
	var issues []string

	var parsed engineConfig
	if err := json.Unmarshal(config, &parsed); err != nil {
		return []string{fmt.Sprintf("configuration is not valid JSON: %v", err)}
	}

	if len(parsed.Outbounds) == 0 {
		issues = append(issues, "configuration has no outbounds")
	}

	hasProxy := false
	for i, out := range parsed.Outbounds {
		if out.Type == "" {
			issues = append(issues, fmt.Sprintf("outbound %d has no type", i))
			continue
		}
		if common.StringInSlice(out.Type, nonProxyOutbounds) {
			continue
		}
		if !common.StringInSlice(out.Type, SupportedOutboundProtocols) {
			issues = append(issues, fmt.Sprintf("outbound %d: unsupported protocol %q", i, out.Type))
			continue
		}
		hasProxy = true
		if out.Server == "" {
			issues = append(issues, fmt.Sprintf("outbound %d (%s): missing server address", i, out.Type))
		}
		if out.ServerPort <= 0 || out.ServerPort > 65535 {
			issues = append(issues, fmt.Sprintf("outbound %d (%s): invalid server port %d", i, out.Type, out.ServerPort))
		}
	}
	if len(parsed.Outbounds) > 0 && !hasProxy {
		issues = append(issues, "configuration has no proxy outbound")
	}

	return issues
}
