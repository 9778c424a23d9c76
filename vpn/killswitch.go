// Package vpn provides tunnel connection management functionality.
// This file contains the kill switch controller that blocks non-tunnel
// traffic while the tunnel is expected to be up but is confirmed down.
package vpn

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/yllada/tunnel-manager/common"
)

// KillSwitchState is the controller's externally visible state.
type KillSwitchState int

const (
	// KillSwitchDisabled means the kill switch is off entirely.
	KillSwitchDisabled KillSwitchState = iota
	// KillSwitchArmedIdle means the kill switch is enabled and traffic
	// flows normally through the tunnel.
	KillSwitchArmedIdle
	// KillSwitchArmedBlocking means non-tunnel traffic is being blocked
	// because the tunnel is down while it should be up.
	KillSwitchArmedBlocking
)

// String returns a human-readable representation of the state.
func (s KillSwitchState) String() string {
	switch s {
	case KillSwitchDisabled:
		return "Disabled"
	case KillSwitchArmedIdle:
		return "Armed"
	case KillSwitchArmedBlocking:
		return "Blocking"
	default:
		return "Unknown"
	}
}

// KillSwitchPrimitive is the OS-level block-all-non-tunnel-traffic
// mechanism the controller drives.
type KillSwitchPrimitive interface {
	// Block installs the traffic block.
	Block() error
	// Unblock removes the traffic block.
	Unblock() error
}

// KillSwitch coordinates the blocking primitive with the connection
// lifecycle. A primitive failure degrades security but never prevents the
// connection flow from proceeding; the degraded condition is surfaced to
// the caller instead.
type KillSwitch struct {
	mu        sync.Mutex
	primitive KillSwitchPrimitive
	state     KillSwitchState
	degraded  bool
}

// NewKillSwitch creates a controller over the given primitive.
func NewKillSwitch(primitive KillSwitchPrimitive) *KillSwitch {
	return &KillSwitch{
		primitive: primitive,
		state:     KillSwitchDisabled,
	}
}

// Arm enables the kill switch in the idle (non-blocking) position.
// If it was blocking, the block is lifted.
func (k *KillSwitch) Arm() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var err error
	if k.state == KillSwitchArmedBlocking {
		err = k.unblockLocked()
	}
	k.state = KillSwitchArmedIdle
	return err
}

// Engage moves the kill switch to blocking. A primitive failure is
// returned as a degraded-security warning; the state still advances so
// the controller re-attempts the unblock symmetry later.
func (k *KillSwitch) Engage() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == KillSwitchDisabled {
		return nil
	}
	if k.state == KillSwitchArmedBlocking {
		return nil
	}

	k.state = KillSwitchArmedBlocking
	if err := k.primitive.Block(); err != nil {
		k.degraded = true
		common.LogWarn("Kill switch: block primitive failed, traffic may leak: %v", err)
		return fmt.Errorf("%w: %v", common.ErrKillSwitchUnavailable, err)
	}
	k.degraded = false
	common.LogInfo("Kill switch: blocking non-tunnel traffic")
	return nil
}

// Disengage returns an engaged kill switch to the idle position.
func (k *KillSwitch) Disengage() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != KillSwitchArmedBlocking {
		return nil
	}
	err := k.unblockLocked()
	k.state = KillSwitchArmedIdle
	return err
}

// Disarm turns the kill switch off, lifting any active block.
func (k *KillSwitch) Disarm() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var err error
	if k.state == KillSwitchArmedBlocking {
		err = k.unblockLocked()
	}
	k.state = KillSwitchDisabled
	k.degraded = false
	return err
}

// unblockLocked lifts the block. Caller holds k.mu.
func (k *KillSwitch) unblockLocked() error {
	if err := k.primitive.Unblock(); err != nil {
		k.degraded = true
		common.LogWarn("Kill switch: unblock primitive failed: %v", err)
		return fmt.Errorf("%w: %v", common.ErrKillSwitchUnavailable, err)
	}
	common.LogInfo("Kill switch: traffic block lifted")
	return nil
}

// State returns the current controller state.
func (k *KillSwitch) State() KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Degraded reports whether the last primitive operation failed, meaning
// the kill switch cannot currently guarantee zero leakage.
func (k *KillSwitch) Degraded() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.degraded
}

// NftPrimitive implements the blocking primitive with Linux nftables.
// It installs a table whose output chain drops everything not bound to
// the tunnel interface or the loopback.
type NftPrimitive struct {
	// TunName is the tunnel interface exempt from the block.
	TunName string
}

const nftTable = "tunnel_manager_killswitch"

// Block installs the drop rules.
func (p *NftPrimitive) Block() error {
	cmds := [][]string{
		{"nft", "add", "table", "inet", nftTable},
		{"nft", "add", "chain", "inet", nftTable, "output",
			"{", "type", "filter", "hook", "output", "priority", "0", ";", "policy", "drop", ";", "}"},
		{"nft", "add", "rule", "inet", nftTable, "output", "oifname", "lo", "accept"},
		{"nft", "add", "rule", "inet", nftTable, "output", "oifname", p.TunName, "accept"},
	}
	for _, args := range cmds {
		out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		if err != nil {
			// Roll back a partial install before reporting failure.
			exec.Command("nft", "delete", "table", "inet", nftTable).Run()
			return fmt.Errorf("nft %v failed: %v: %s", args[1:], err, out)
		}
	}
	return nil
}

// Unblock removes the drop rules.
func (p *NftPrimitive) Unblock() error {
	out, err := exec.Command("nft", "delete", "table", "inet", nftTable).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("nft delete table failed: %v: %s", err, out)
		}
		return fmt.Errorf("nft delete table failed: %v", err)
	}
	return nil
}

// NoopPrimitive is used on platforms without a supported blocking
// mechanism. Block always fails so the degraded warning surfaces.
type NoopPrimitive struct{}

// Block reports the primitive as unavailable.
func (NoopPrimitive) Block() error { return common.ErrKillSwitchUnavailable }

// Unblock is a no-op.
func (NoopPrimitive) Unblock() error { return nil }
