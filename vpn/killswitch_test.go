package vpn

import (
	"errors"
	"testing"

	"github.com/yllada/tunnel-manager/common"
)

// fakePrimitive records primitive calls and can be made to fail.
type fakePrimitive struct {
	blockErr   error
	unblockErr error
	blocks     int
	unblocks   int
}

func (p *fakePrimitive) Block() error {
	p.blocks++
	return p.blockErr
}

func (p *fakePrimitive) Unblock() error {
	p.unblocks++
	return p.unblockErr
}

func TestKillSwitchState_String(t *testing.T) {
	tests := []struct {
		state    KillSwitchState
		expected string
	}{
		{KillSwitchDisabled, "Disabled"},
		{KillSwitchArmedIdle, "Armed"},
		{KillSwitchArmedBlocking, "Blocking"},
		{KillSwitchState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("KillSwitchState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestKillSwitch_Lifecycle(t *testing.T) {
	primitive := &fakePrimitive{}
	ks := NewKillSwitch(primitive)

	if ks.State() != KillSwitchDisabled {
		t.Fatalf("initial state = %v, want Disabled", ks.State())
	}

	if err := ks.Arm(); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if ks.State() != KillSwitchArmedIdle {
		t.Errorf("state after Arm = %v, want Armed", ks.State())
	}
	if primitive.blocks != 0 {
		t.Error("arming must not touch the blocking primitive")
	}

	if err := ks.Engage(); err != nil {
		t.Fatalf("Engage() error = %v", err)
	}
	if ks.State() != KillSwitchArmedBlocking {
		t.Errorf("state after Engage = %v, want Blocking", ks.State())
	}
	if primitive.blocks != 1 {
		t.Errorf("blocks = %d, want 1", primitive.blocks)
	}

	if err := ks.Disengage(); err != nil {
		t.Fatalf("Disengage() error = %v", err)
	}
	if ks.State() != KillSwitchArmedIdle {
		t.Errorf("state after Disengage = %v, want Armed", ks.State())
	}
	if primitive.unblocks != 1 {
		t.Errorf("unblocks = %d, want 1", primitive.unblocks)
	}

	if err := ks.Disarm(); err != nil {
		t.Fatalf("Disarm() error = %v", err)
	}
	if ks.State() != KillSwitchDisabled {
		t.Errorf("state after Disarm = %v, want Disabled", ks.State())
	}
}

func TestKillSwitch_EngageWhileDisabled(t *testing.T) {
	primitive := &fakePrimitive{}
	ks := NewKillSwitch(primitive)

	if err := ks.Engage(); err != nil {
		t.Errorf("Engage() while disabled error = %v, want nil", err)
	}
	if ks.State() != KillSwitchDisabled {
		t.Errorf("state = %v, want Disabled", ks.State())
	}
	if primitive.blocks != 0 {
		t.Error("disabled kill switch must not block")
	}
}

func TestKillSwitch_EngageIdempotent(t *testing.T) {
	primitive := &fakePrimitive{}
	ks := NewKillSwitch(primitive)
	ks.Arm()

	ks.Engage()
	ks.Engage()

	if primitive.blocks != 1 {
		t.Errorf("blocks = %d, want 1", primitive.blocks)
	}
}

func TestKillSwitch_PrimitiveFailureDegrades(t *testing.T) {
	primitive := &fakePrimitive{blockErr: errors.New("nft missing")}
	ks := NewKillSwitch(primitive)
	ks.Arm()

	err := ks.Engage()
	if err == nil {
		t.Fatal("expected degraded-security warning")
	}
	if !errors.Is(err, common.ErrKillSwitchUnavailable) {
		t.Errorf("error = %v, want ErrKillSwitchUnavailable", err)
	}
	if !ks.Degraded() {
		t.Error("Degraded() = false after primitive failure")
	}
	// The state still advances so the unblock symmetry is preserved.
	if ks.State() != KillSwitchArmedBlocking {
		t.Errorf("state = %v, want Blocking", ks.State())
	}

	// Disengage still attempts the unblock and clears the path back.
	ks.Disengage()
	if primitive.unblocks != 1 {
		t.Errorf("unblocks = %d, want 1", primitive.unblocks)
	}

	ks.Disarm()
	if ks.Degraded() {
		t.Error("Degraded() must clear on Disarm")
	}
}

func TestKillSwitch_ArmLiftsActiveBlock(t *testing.T) {
	primitive := &fakePrimitive{}
	ks := NewKillSwitch(primitive)
	ks.Arm()
	ks.Engage()

	if err := ks.Arm(); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if ks.State() != KillSwitchArmedIdle {
		t.Errorf("state = %v, want Armed", ks.State())
	}
	if primitive.unblocks != 1 {
		t.Errorf("unblocks = %d, want 1", primitive.unblocks)
	}
}

func TestKillSwitch_ArmReportsFailedUnblock(t *testing.T) {
	primitive := &fakePrimitive{unblockErr: errors.New("table busy")}
	ks := NewKillSwitch(primitive)
	ks.Arm()
	ks.Engage()

	if err := ks.Arm(); !errors.Is(err, common.ErrKillSwitchUnavailable) {
		t.Errorf("Arm() error = %v, want ErrKillSwitchUnavailable", err)
	}
	if ks.State() != KillSwitchArmedIdle {
		t.Errorf("state = %v, want Armed", ks.State())
	}
	if !ks.Degraded() {
		t.Error("failed unblock should leave the controller degraded")
	}
}
