// Package vpn provides tunnel connection management functionality for Tunnel Manager.
//
// This package implements the core connection functionality including:
//
//   - Profile management: Creating, updating, and deleting tunnel profiles
//   - Connection lifecycle: Establishing, monitoring, and terminating connections
//   - Network resilience: Automatic reconnection with configurable backoff
//   - Traffic statistics: Per-session transfer counters and rate estimation
//   - Kill switch: Blocking non-tunnel traffic while the tunnel is down
//
// # Architecture
//
// The package is organized around one central type and its collaborators:
//
//   - Coordinator: The single sequential state machine owning connection state
//   - TunnelEngineClient: Drives the external sing-box tunnel process
//   - NetworkMonitor: Normalizes platform connectivity changes into events
//   - StatsTracker: Samples engine counters and derives transfer rates
//   - KillSwitch: Controls the traffic blocking primitive
//   - ProfileManager: Handles persistence and management of tunnel profiles
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. User selects a profile through the CLI
//  2. CLI calls Coordinator.Connect() with the profile
//  3. The coordinator validates the engine configuration and starts sing-box
//  4. On success a Session opens, statistics sampling begins, and the
//     network monitor feeds connectivity events into the coordinator
//  5. On connectivity loss the coordinator retries per the reconnection
//     policy while the session continues across successful recoveries
//
// # Engine Integration
//
// The package drives the sing-box binary as an external process. It waits
// for the engine's readiness line on startup, watches for unexpected exits,
// and reads transfer counters from the TUN interface.
//
// # Thread Safety
//
// All exported types in this package are safe for concurrent use. The
// Coordinator processes every state transition on a single goroutine, so
// transitions are strictly sequential.
package vpn
