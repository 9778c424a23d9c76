package vpn

import (
	"sync"
	"testing"
	"time"
)

// collectEvents gathers debouncer output under a lock.
type collectEvents struct {
	mu     sync.Mutex
	events []NetworkEvent
}

func (c *collectEvents) emit(ev NetworkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectEvents) snapshot() []NetworkEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NetworkEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestTransport_String(t *testing.T) {
	tests := []struct {
		transport Transport
		expected  string
	}{
		{TransportWifi, "wifi"},
		{TransportMobile, "mobile"},
		{TransportEthernet, "ethernet"},
		{TransportUnknown, "unknown"},
		{Transport(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.transport.String(); got != tt.expected {
			t.Errorf("Transport.String() = %v, want %v", got, tt.expected)
		}
	}
}

func TestDebouncer_RestorePassesThrough(t *testing.T) {
	sink := &collectEvents{}
	d := newDebouncer(50*time.Millisecond, sink.emit)
	defer d.stop()

	d.feed(NetworkEvent{Available: true, Transport: TransportWifi})

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !events[0].Available || events[0].Transport != TransportWifi {
		t.Errorf("event = %+v, want available wifi", events[0])
	}
}

func TestDebouncer_LossDelayedByWindow(t *testing.T) {
	sink := &collectEvents{}
	d := newDebouncer(50*time.Millisecond, sink.emit)
	defer d.stop()

	d.feed(NetworkEvent{Available: false})

	if len(sink.snapshot()) != 0 {
		t.Fatal("loss must not be delivered before the window elapses")
	}

	time.Sleep(120 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Available {
		t.Error("delivered event should be a loss")
	}
}

func TestDebouncer_FlapSwallowed(t *testing.T) {
	sink := &collectEvents{}
	d := newDebouncer(80*time.Millisecond, sink.emit)
	defer d.stop()

	// Lost then restored inside the window: neither side is delivered.
	d.feed(NetworkEvent{Available: false})
	time.Sleep(20 * time.Millisecond)
	d.feed(NetworkEvent{Available: true})

	time.Sleep(150 * time.Millisecond)

	if events := sink.snapshot(); len(events) != 0 {
		t.Errorf("flap produced %d events, want 0: %+v", len(events), events)
	}
}

func TestDebouncer_SecondLossCoalesced(t *testing.T) {
	sink := &collectEvents{}
	d := newDebouncer(50*time.Millisecond, sink.emit)
	defer d.stop()

	d.feed(NetworkEvent{Available: false})
	d.feed(NetworkEvent{Available: false})

	time.Sleep(120 * time.Millisecond)

	if events := sink.snapshot(); len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestDebouncer_StopCancelsPendingLoss(t *testing.T) {
	sink := &collectEvents{}
	d := newDebouncer(50*time.Millisecond, sink.emit)

	d.feed(NetworkEvent{Available: false})
	d.stop()

	time.Sleep(120 * time.Millisecond)

	if events := sink.snapshot(); len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestProbeMonitor_SingleSubscriber(t *testing.T) {
	m := NewProbeMonitor(time.Hour)
	m.hosts = []string{"127.0.0.1:1"} // nothing listens here

	if err := m.Subscribe(func(NetworkEvent) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer m.Unsubscribe()

	if err := m.Subscribe(func(NetworkEvent) {}); err == nil {
		t.Error("second Subscribe() should be rejected")
	}
}

func TestProbeMonitor_UnsubscribeIdempotent(t *testing.T) {
	m := NewProbeMonitor(time.Hour)
	m.hosts = []string{"127.0.0.1:1"}

	if err := m.Subscribe(func(NetworkEvent) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	m.Unsubscribe()
	m.Unsubscribe()
}
