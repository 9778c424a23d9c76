// Package cli provides command-line interface functionality for Tunnel Manager.
// All connection management happens from the terminal: listing profiles,
// connecting, watching live status, and reviewing session history.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yllada/tunnel-manager/common"
	"github.com/yllada/tunnel-manager/history"
	"github.com/yllada/tunnel-manager/keyring"
	"github.com/yllada/tunnel-manager/vpn"
)

// CLI represents the command-line interface.
type CLI struct {
	coordinator *vpn.Coordinator
	profiles    *vpn.ProfileManager
	store       *history.Store
	creds       common.CredentialStore
}

// New creates a new CLI instance around the given collaborators.
// The coordinator may be nil for commands that only manage profiles
// or read history.
func New(coordinator *vpn.Coordinator, profiles *vpn.ProfileManager, store *history.Store) *CLI {
	return &CLI{
		coordinator: coordinator,
		profiles:    profiles,
		store:       store,
		creds:       keyring.Vault{},
	}
}

// ListProfiles lists all configured tunnel profiles.
func (c *CLI) ListProfiles() error {
	profiles := c.profiles.List()

	if len(profiles) == 0 {
		fmt.Println("No tunnel profiles configured.")
		fmt.Println("Add one with: tunnel-manager --add NAME --config FILE")
		return nil
	}

	var current vpn.StatusSnapshot
	if c.coordinator != nil {
		current = c.coordinator.Status()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSERVER\tSTATUS\tAUTO-CONNECT")
	fmt.Fprintln(w, "--\t----\t------\t------\t------------")

	for _, profile := range profiles {
		status := "Disconnected"
		if current.ProfileName == profile.Name && current.State != vpn.StateDisconnected {
			status = current.State.String()
		}

		autoConnect := "No"
		if profile.AutoConnect {
			autoConnect = "Yes"
		}

		server := profile.ServerName
		if server == "" {
			server = "-"
		}

		// Truncate ID for display
		shortID := profile.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID, profile.Name, server, status, autoConnect)
	}

	w.Flush()
	return nil
}

// AddProfile registers a new profile from a sing-box configuration file.
func (c *CLI) AddProfile(name, configPath, server, username string, savePassword bool) error {
	profile := &vpn.Profile{
		Name:         name,
		ServerName:   server,
		ConfigPath:   configPath,
		Username:     username,
		SavePassword: savePassword,
	}

	if err := c.profiles.Add(profile); err != nil {
		return fmt.Errorf("failed to add profile: %w", err)
	}

	if savePassword {
		password, err := promptPassword(fmt.Sprintf("Password for %s: ", name))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if err := c.creds.Store(profile.ID, password); err != nil {
			fmt.Printf("Warning: could not save password: %v\n", err)
		}
	}

	fmt.Printf("✓ Profile %s added\n", name)
	return nil
}

// RemoveProfile deletes a profile and its stored credentials.
func (c *CLI) RemoveProfile(nameOrID string) error {
	profile := c.findProfile(nameOrID)
	if profile == nil {
		return fmt.Errorf("profile not found: %s", nameOrID)
	}

	if err := c.profiles.Remove(profile.ID); err != nil {
		return fmt.Errorf("failed to remove profile: %w", err)
	}
	c.creds.Delete(profile.ID)

	fmt.Printf("✓ Profile %s removed\n", profile.Name)
	return nil
}

// Connect connects using a profile selected by name or ID and waits for
// the connection to establish.
func (c *CLI) Connect(nameOrID string) error {
	profile := c.findProfile(nameOrID)
	if profile == nil {
		return fmt.Errorf("profile not found: %s", nameOrID)
	}

	fmt.Printf("Connecting to %s...\n", profile.Name)

	updates, cancel := c.coordinator.Subscribe()
	defer cancel()

	if err := c.coordinator.Connect(profile); err != nil {
		if errors.Is(err, common.ErrAlreadyConnected) {
			return fmt.Errorf("already connected to %s", c.coordinator.Status().ProfileName)
		}
		return fmt.Errorf("connection failed: %w", err)
	}

	timeout := time.After(common.ConnectionTimeout)
	for {
		select {
		case <-timeout:
			return fmt.Errorf("connection timed out")
		case snap, ok := <-updates:
			if !ok {
				return fmt.Errorf("connection aborted")
			}
			switch snap.State {
			case vpn.StateConnected:
				c.profiles.MarkUsed(profile.ID)
				fmt.Printf("✓ Connected to %s (session %s)\n", profile.Name, shortID(snap.SessionID))
				return nil
			case vpn.StateError:
				return fmt.Errorf("connection failed: %s", snap.LastError)
			case vpn.StateDisconnected:
				return fmt.Errorf("connection cancelled")
			}
		}
	}
}

// Disconnect terminates the current connection, if any.
func (c *CLI) Disconnect() error {
	current := c.coordinator.Status()
	if current.State == vpn.StateDisconnected {
		fmt.Println("No active connection.")
		return nil
	}

	name := current.ProfileName
	fmt.Printf("Disconnecting from %s...\n", name)

	updates, cancel := c.coordinator.Subscribe()
	defer cancel()

	if err := c.coordinator.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	timeout := time.After(common.EngineStopTimeout + time.Second)
	for {
		select {
		case <-timeout:
			return fmt.Errorf("disconnect timed out")
		case snap, ok := <-updates:
			if !ok || snap.State == vpn.StateDisconnected {
				fmt.Printf("✓ Disconnected from %s\n", name)
				return nil
			}
		}
	}
}

// Status shows the current connection status.
func (c *CLI) Status() error {
	snap := c.coordinator.Status()

	if snap.State == vpn.StateDisconnected && snap.ProfileName == "" {
		fmt.Println("No active tunnel connection.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", snap.State)
	if snap.ProfileName != "" {
		fmt.Fprintf(w, "Profile:\t%s\n", snap.ProfileName)
	}
	if snap.ServerName != "" {
		fmt.Fprintf(w, "Server:\t%s\n", snap.ServerName)
	}
	if snap.SessionID != "" {
		fmt.Fprintf(w, "Session:\t%s\n", shortID(snap.SessionID))
		fmt.Fprintf(w, "Uptime:\t%s\n", common.FormatDuration(snap.Elapsed))
	}
	if snap.ReconnectAttempt > 0 {
		fmt.Fprintf(w, "Reconnect attempt:\t%d\n", snap.ReconnectAttempt)
	}
	fmt.Fprintf(w, "Kill switch:\t%s\n", snap.KillSwitch)
	if snap.SecurityDegraded {
		fmt.Fprintln(w, "Warning:\ttraffic blocking unavailable, security degraded")
	}
	if snap.Stats != nil {
		fmt.Fprintf(w, "Download:\t%s\n", trafficSummary(snap.Stats.Counters.BytesReceived, snap.Stats.SmoothedDown))
		fmt.Fprintf(w, "Upload:\t%s\n", trafficSummary(snap.Stats.Counters.BytesSent, snap.Stats.SmoothedUp))
	}
	if snap.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s [%s]\n", snap.LastError, snap.LastErrorCode)
	}
	w.Flush()
	return nil
}

// Watch streams status updates to the terminal until interrupted.
func (c *CLI) Watch() error {
	updates, cancel := c.coordinator.Subscribe()
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	fmt.Println("Watching connection status (Ctrl+C to stop)...")
	c.Status()

	for {
		select {
		case <-interrupt:
			fmt.Println()
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			line := fmt.Sprintf("%s  %s", time.Now().Format("15:04:05"), snap.State)
			if snap.ReconnectAttempt > 0 && snap.State == vpn.StateReconnecting {
				line += fmt.Sprintf(" (attempt %d)", snap.ReconnectAttempt)
			}
			if snap.Stats != nil && snap.State == vpn.StateConnected {
				line += fmt.Sprintf("  ↓ %s/s  ↑ %s/s",
					common.FormatBytes(uint64(snap.Stats.SmoothedDown)),
					common.FormatBytes(uint64(snap.Stats.SmoothedUp)))
			}
			if snap.LastError != "" && snap.State == vpn.StateError {
				line += fmt.Sprintf("  %s", snap.LastError)
			}
			fmt.Println(line)
		}
	}
}

// History shows recent recorded sessions.
func (c *CLI) History(limit int) error {
	if c.store == nil {
		return fmt.Errorf("session history is unavailable")
	}

	entries, err := c.store.Recent(limit)
	if err != nil {
		return fmt.Errorf("failed to read session history: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No recorded sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPROFILE\tDURATION\tTRANSFERRED\tRECONNECTS\tRESULT")
	fmt.Fprintln(w, "-------\t-------\t--------\t-----------\t----------\t------")

	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = e.DisconnectReason
		}
		transferred := fmt.Sprintf("↓%s ↑%s",
			common.FormatBytes(e.BytesReceived), common.FormatBytes(e.BytesSent))

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.StartTime.Format("2006-01-02 15:04"), e.ProfileName,
			common.FormatDuration(e.Duration()), transferred, e.Reconnects, result)
	}

	w.Flush()
	return nil
}

// findProfile finds a profile by name or ID (case-insensitive).
func (c *CLI) findProfile(nameOrID string) *vpn.Profile {
	nameOrID = strings.ToLower(strings.TrimSpace(nameOrID))

	for _, profile := range c.profiles.List() {
		if strings.ToLower(profile.Name) == nameOrID ||
			strings.ToLower(profile.ID) == nameOrID ||
			strings.HasPrefix(strings.ToLower(profile.ID), nameOrID) {
			return profile
		}
	}

	return nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	raw, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// trafficSummary renders one direction's session total and smoothed rate.
func trafficSummary(total uint64, rate float64) string {
	return fmt.Sprintf("%s (%s/s)", common.FormatBytes(total), common.FormatBytes(uint64(rate)))
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`Tunnel Manager - Command Line Interface

Usage:
  tunnel-manager [OPTIONS]

Options:
  --version           Show version and exit
  --verbose           Enable verbose logging
  --list              List all tunnel profiles
  --add NAME          Add a profile (requires --config)
  --config FILE       sing-box configuration file for --add
  --server NAME       Display name of the remote server for --add
  --remove NAME       Remove a profile and its credentials
  --connect NAME      Connect using a profile
  --disconnect        Disconnect the active connection
  --status            Show current connection status
  --watch             Stream live status updates
  --history N         Show the N most recent sessions
  --help              Show this help message

Examples:
  tunnel-manager --add "Work" --config work.json --server work.example.com
  tunnel-manager --list
  tunnel-manager --connect "Work"
  tunnel-manager --watch
  tunnel-manager --disconnect
  tunnel-manager --history 10`)
}
