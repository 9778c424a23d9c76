// Package common provides shared constants, types, and utilities
// used across the Tunnel Manager application.
package common

// CredentialStore defines the interface for credential storage.
// Implementations may use the system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves credentials for a profile.
	Store(profileID, password string) error
	// Get retrieves credentials for a profile.
	Get(profileID string) (string, error)
	// Delete removes credentials for a profile.
	Delete(profileID string) error
	// Clear removes all stored credentials.
	Clear() error
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
