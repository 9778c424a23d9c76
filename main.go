// Package main provides the entry point for the Tunnel Manager application.
// Tunnel Manager is a sing-box based tunnel client for Linux that keeps a
// connection alive across network changes, with automatic reconnection,
// per-session traffic statistics, and an optional kill switch.
//
// Features:
//   - Profile management for multiple tunnel configurations
//   - Secure credential storage using the system keyring
//   - Automatic reconnection with configurable backoff
//   - Kill switch blocking non-tunnel traffic while the tunnel is down
//   - Persistent session history
//
// Usage:
//
//	tunnel-manager [options]
//
// Environment:
//
//	The application requires the sing-box binary to be installed on the
//	system, and NetworkManager for native connectivity change events
//	(a probe-based fallback is used when NetworkManager is unavailable).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/yllada/tunnel-manager/cli"
	"github.com/yllada/tunnel-manager/common"
	"github.com/yllada/tunnel-manager/config"
	"github.com/yllada/tunnel-manager/history"
	"github.com/yllada/tunnel-manager/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")

	// Command flags
	listProfiles   = flag.Bool("list", false, "List all tunnel profiles")
	addProfile     = flag.String("add", "", "Add a tunnel profile with the given name")
	configFile     = flag.String("config", "", "sing-box configuration file for --add")
	serverName     = flag.String("server", "", "Display name of the remote server for --add")
	userName       = flag.String("username", "", "Username to associate with the profile for --add")
	savePassword   = flag.Bool("save-password", false, "Prompt for and store a password for --add")
	removeProfile  = flag.String("remove", "", "Remove a tunnel profile by name or ID")
	connectProfile = flag.String("connect", "", "Connect using a profile by name or ID")
	disconnect     = flag.Bool("disconnect", false, "Disconnect the active connection")
	showStatus     = flag.Bool("status", false, "Show current connection status")
	watchStatus    = flag.Bool("watch", false, "Stream live status updates")
	showHistory    = flag.String("history", "", "Show recent sessions (optional count)")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("Tunnel Manager v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load configuration: %v\n", err)
		cfg = config.DefaultConfig()
	}

	// Initialize logger with structured logging and file output
	logLevel := common.ParseLevel(cfg.LogLevel)
	if *verbose {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches the selected command.
func run(cfg *config.Config) error {
	profiles, err := vpn.NewProfileManager()
	if err != nil {
		return fmt.Errorf("failed to initialize profile manager: %w", err)
	}

	store, err := history.NewDefaultStore()
	if err != nil {
		common.LogWarn("Session history unavailable: %v", err)
		store = nil
	} else {
		defer store.Close()
	}

	// Profile and history commands don't need the engine or the coordinator.
	switch {
	case *addProfile != "":
		if *configFile == "" {
			return fmt.Errorf("--add requires --config FILE")
		}
		c := cli.New(nil, profiles, store)
		return c.AddProfile(*addProfile, *configFile, *serverName, *userName, *savePassword)
	case *removeProfile != "":
		return cli.New(nil, profiles, store).RemoveProfile(*removeProfile)
	case *showHistory != "":
		limit := 20
		if n, err := strconv.Atoi(*showHistory); err == nil {
			limit = n
		}
		return cli.New(nil, profiles, store).History(limit)
	}

	if !checkEngineInstalled(cfg.EnginePath) {
		common.LogError("Tunnel engine binary not found: %s", cfg.EnginePath)
		return fmt.Errorf("sing-box is not installed on the system")
	}

	coordinator, err := buildCoordinator(cfg, store)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	c := cli.New(coordinator, profiles, store)

	switch {
	case *listProfiles:
		return c.ListProfiles()
	case *connectProfile != "":
		if err := c.Connect(*connectProfile); err != nil {
			return err
		}
		// The engine is a child process; stay in the foreground so the
		// resilience loop keeps supervising the tunnel.
		return superviseUntilInterrupted(c)
	case *disconnect:
		return c.Disconnect()
	case *showStatus:
		return c.Status()
	case *watchStatus:
		return c.Watch()
	}

	cli.PrintHelp()
	return nil
}

// buildCoordinator wires the coordinator from the configuration.
func buildCoordinator(cfg *config.Config, store *history.Store) (*vpn.Coordinator, error) {
	engine, err := vpn.NewProcessEngine(cfg.EnginePath)
	if err != nil {
		return nil, fmt.Errorf("failed to locate tunnel engine: %w", err)
	}

	var monitor vpn.NetworkMonitor
	if dbusMon, err := vpn.NewDBusMonitor(); err == nil {
		monitor = dbusMon
	} else {
		common.LogWarn("NetworkManager unavailable, using connectivity probes: %v", err)
		monitor = vpn.NewProbeMonitor(0)
	}

	policy := vpn.ReconnectPolicy{
		Profile:     cfg.BackoffProfile,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		Multiplier:  cfg.Reconnect.Multiplier,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}

	var recorder vpn.SessionRecorder
	if store != nil {
		recorder = store
	}

	return vpn.NewCoordinator(vpn.CoordinatorOptions{
		Engine:              engine,
		Monitor:             monitor,
		KillSwitchPrimitive: &vpn.NftPrimitive{TunName: cfg.TunName},
		Policy:              policy,
		Recorder:            recorder,
		KillSwitchEnabled:   cfg.KillSwitch,
		AutoReconnect:       cfg.AutoReconnect,
		SettleWindow:        cfg.SettleWindow,
		StatsInterval:       cfg.StatsInterval,
		Tun:                 vpn.TunHandle{Name: cfg.TunName},
	}), nil
}

// superviseUntilInterrupted keeps the process alive while the tunnel
// runs, then disconnects cleanly on SIGINT/SIGTERM.
func superviseUntilInterrupted(c *cli.CLI) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	fmt.Println("Tunnel is up. Press Ctrl+C to disconnect.")
	sig := <-sigChan
	common.LogInfo("Received signal %v, disconnecting...", sig)
	fmt.Println()

	return c.Disconnect()
}

// checkEngineInstalled verifies that the sing-box binary is available.
func checkEngineInstalled(path string) bool {
	if _, err := exec.LookPath(path); err == nil {
		return true
	}
	return false
}
