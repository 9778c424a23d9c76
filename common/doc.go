// Package common provides shared constants, types, utilities, and interfaces
// used throughout the Tunnel Manager application.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts, file names, and backoff defaults
//   - Errors: Sentinel errors and machine-checkable error codes for consistent handling
//   - Interfaces: Abstractions for credential storage and logging
//   - Logger: Structured logging with file rotation
//   - Utils: Common utility functions for file operations and formatting
//
// # Usage
//
// Import the package to access shared functionality:
//
//	import "github.com/yllada/tunnel-manager/common"
//
//	// Use constants
//	timeout := common.EngineStartTimeout
//
//	// Use logger
//	common.LogInfo("Starting connection to %s", profileName)
//
//	// Check errors
//	if errors.Is(err, common.ErrProfileNotFound) {
//	    // Handle missing profile
//	}
package common
