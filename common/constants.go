// Package common provides shared constants, types, and utilities
// used across the Tunnel Manager application.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.tunnelmanager.app"
	// AppName is the display name of the application.
	AppName = "Tunnel Manager"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "tunnel-manager"
)

// File names used by the application.
const (
	ProfilesFileName    = "profiles.yaml"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "tunnel-manager.log"
	HistoryFileName     = "sessions.db"
)

// Default timeouts and intervals.
const (
	// EngineStartTimeout is the maximum time to wait for the tunnel engine
	// to report readiness after its process has been started.
	EngineStartTimeout = 10 * time.Second
	// EngineStopTimeout is the maximum time to wait for a clean engine stop.
	EngineStopTimeout = 5 * time.Second
	// StatsInterval is how often tunnel statistics are sampled.
	StatsInterval = 1 * time.Second
	// NetworkDebounceWindow is how long a connectivity-lost report is held
	// back waiting for a quick restore before it is acted upon.
	NetworkDebounceWindow = 500 * time.Millisecond
	// ConnectionTimeout is the maximum time the CLI waits for a connection.
	ConnectionTimeout = 30 * time.Second
)

// Reconnection defaults for the exponential backoff profile.
const (
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectMaxDelay    = 5 * time.Minute
	DefaultReconnectMultiplier  = 1.5
	DefaultReconnectMaxAttempts = 10
)

// Reconnection defaults for the linear backoff profile.
const (
	LinearReconnectBaseDelay   = 2 * time.Second
	LinearReconnectMaxDelay    = 30 * time.Second
	LinearReconnectMaxAttempts = 5
)

// DefaultSettleWindow is how many consecutive stable network confirmations
// are required while connected before the reconnection attempt counter is
// reset to zero.
const DefaultSettleWindow = 2

// Backoff profile names accepted in configuration.
const (
	BackoffProfileExponential = "exponential"
	BackoffProfileLinear      = "linear"
)
