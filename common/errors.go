// Package common provides shared constants, types, and utilities
// used across the Tunnel Manager application.
package common

import "errors"

// Sentinel errors for tunnel operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection lifecycle errors.
	ErrAlreadyConnected = errors.New("connection already active")
	ErrNotConnected     = errors.New("no active connection")
	ErrBusy             = errors.New("another connection operation is in flight")
	ErrTimeout          = errors.New("operation timed out")

	// Engine errors.
	ErrEngineStartFailed = errors.New("tunnel engine failed to start")
	ErrEngineStopFailed  = errors.New("tunnel engine failed to stop")
	ErrEngineCrashed     = errors.New("tunnel engine crashed")
	ErrEngineNotFound    = errors.New("tunnel engine binary not found")

	// Resilience errors.
	ErrNetworkLost          = errors.New("network connectivity lost")
	ErrReconnectExhausted   = errors.New("max reconnection attempts reached")
	ErrKillSwitchUnavailable = errors.New("kill switch primitive unavailable")

	// Profile and configuration errors.
	ErrProfileNotFound      = errors.New("profile not found")
	ErrConfigurationInvalid = errors.New("invalid engine configuration")
	ErrDuplicateName        = errors.New("profile name already exists")
	ErrConfigLoad           = errors.New("failed to load configuration")
	ErrConfigSave           = errors.New("failed to save configuration")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
)

// ErrorCode is a machine-checkable classification attached to terminal
// errors surfaced through the status stream.
type ErrorCode string

const (
	CodeNone                 ErrorCode = ""
	CodeConfigurationInvalid ErrorCode = "configuration_invalid"
	CodeEngineStartFailed    ErrorCode = "engine_start_failed"
	CodeEngineStopFailed     ErrorCode = "engine_stop_failed"
	CodeEngineCrashed        ErrorCode = "engine_crashed"
	CodeNetworkLost          ErrorCode = "network_lost"
	CodeReconnectExhausted   ErrorCode = "reconnection_exhausted"
	CodeKillSwitchDegraded   ErrorCode = "kill_switch_degraded"
	CodeBusy                 ErrorCode = "busy"
)

// CodeForError maps a sentinel error to its machine-checkable code.
func CodeForError(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrConfigurationInvalid):
		return CodeConfigurationInvalid
	case errors.Is(err, ErrEngineCrashed):
		return CodeEngineCrashed
	case errors.Is(err, ErrEngineStartFailed):
		return CodeEngineStartFailed
	case errors.Is(err, ErrEngineStopFailed):
		return CodeEngineStopFailed
	case errors.Is(err, ErrNetworkLost):
		return CodeNetworkLost
	case errors.Is(err, ErrReconnectExhausted):
		return CodeReconnectExhausted
	case errors.Is(err, ErrKillSwitchUnavailable):
		return CodeKillSwitchDegraded
	case errors.Is(err, ErrBusy):
		return CodeBusy
	default:
		return "unknown"
	}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
