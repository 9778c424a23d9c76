// Package vpn provides tunnel connection management functionality.
// This file contains the network monitor adapter that normalizes platform
// connectivity reporting into a single connectivity-changed event.
package vpn

import (
	"net"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/tunnel-manager/common"
)

// Transport is the coarse transport type of the active network.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportWifi
	TransportMobile
	TransportEthernet
)

// String returns a human-readable representation of the transport.
func (t Transport) String() string {
	switch t {
	case TransportWifi:
		return "wifi"
	case TransportMobile:
		return "mobile"
	case TransportEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// NetworkEvent is the normalized connectivity-changed notification.
type NetworkEvent struct {
	Available bool
	Transport Transport
}

// NetworkMonitor watches OS connectivity and delivers normalized events.
// Implementations must debounce rapid flapping: a lost report followed by
// a restore inside the debounce window is swallowed.
type NetworkMonitor interface {
	// Subscribe starts monitoring and delivers events to fn.
	// Only one subscriber is supported at a time.
	Subscribe(fn func(NetworkEvent)) error
	// Unsubscribe stops monitoring.
	Unsubscribe()
	// State returns the last known network state.
	State() NetworkEvent
}

// debouncer holds back a connectivity-lost report for the debounce window.
// A restore arriving inside the window cancels the pending loss so marginal
// links don't trigger spurious reconnection cycles.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	emit    func(NetworkEvent)
	pending *time.Timer
}

func newDebouncer(window time.Duration, emit func(NetworkEvent)) *debouncer {
	if window <= 0 {
		window = common.NetworkDebounceWindow
	}
	return &debouncer{window: window, emit: emit}
}

// feed accepts a raw event and either delivers it, delays it, or drops it.
func (d *debouncer) feed(ev NetworkEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ev.Available {
		if d.pending != nil {
			return // a loss is already queued
		}
		d.pending = time.AfterFunc(d.window, func() {
			d.mu.Lock()
			d.pending = nil
			d.mu.Unlock()
			d.emit(ev)
		})
		return
	}

	if d.pending != nil {
		// Restore arrived inside the window: the flap never happened.
		d.pending.Stop()
		d.pending = nil
		return
	}
	d.emit(ev)
}

// stop cancels any queued loss delivery.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}

// NetworkManager D-Bus names.
const (
	nmDest         = "org.freedesktop.NetworkManager"
	nmPath         = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmStateChanged = "org.freedesktop.NetworkManager.StateChanged"
	nmPropConnType = "org.freedesktop.NetworkManager.PrimaryConnectionType"
	nmStateGlobal  = 70 // NM_STATE_CONNECTED_GLOBAL
)

// DBusMonitor subscribes to NetworkManager state transitions on the system
// bus. This is the Linux adapter; systems without NetworkManager should use
// ProbeMonitor instead.
type DBusMonitor struct {
	mu       sync.Mutex
	conn     *dbus.Conn
	signals  chan *dbus.Signal
	debounce *debouncer
	state    NetworkEvent
	done     chan struct{}
}

// NewDBusMonitor connects to the system bus.
func NewDBusMonitor() (*DBusMonitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, common.WrapError(err, "failed to connect to system bus")
	}
	return &DBusMonitor{conn: conn}, nil
}

// Subscribe registers for StateChanged signals and starts delivery.
func (m *DBusMonitor) Subscribe(fn func(NetworkEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signals != nil {
		return common.ErrBusy
	}

	if err := m.conn.AddMatchSignal(
		dbus.WithMatchInterface(nmDest),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return common.WrapError(err, "failed to match NetworkManager signals")
	}

	m.state = m.probe()
	m.debounce = newDebouncer(common.NetworkDebounceWindow, func(ev NetworkEvent) {
		m.mu.Lock()
		m.state = ev
		m.mu.Unlock()
		fn(ev)
	})

	m.signals = make(chan *dbus.Signal, 16)
	m.done = make(chan struct{})
	m.conn.Signal(m.signals)

	go m.run(m.signals, m.done)
	common.LogInfo("Network monitor: subscribed to NetworkManager (state: available=%v transport=%s)",
		m.state.Available, m.state.Transport)
	return nil
}

// run translates raw D-Bus signals into normalized events.
func (m *DBusMonitor) run(signals chan *dbus.Signal, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig == nil || sig.Name != nmStateChanged || len(sig.Body) == 0 {
				continue
			}
			state, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			available := state >= nmStateGlobal
			ev := NetworkEvent{Available: available}
			if available {
				ev.Transport = m.primaryTransport()
			}
			common.LogDebug("Network monitor: NM state=%d available=%v transport=%s",
				state, ev.Available, ev.Transport)
			m.debounce.feed(ev)
		}
	}
}

// probe reads the current NetworkManager state synchronously.
func (m *DBusMonitor) probe() NetworkEvent {
	obj := m.conn.Object(nmDest, nmPath)
	variant, err := obj.GetProperty(nmDest + ".State")
	if err != nil {
		return NetworkEvent{}
	}
	state, _ := variant.Value().(uint32)
	ev := NetworkEvent{Available: state >= nmStateGlobal}
	if ev.Available {
		ev.Transport = m.primaryTransport()
	}
	return ev
}

// primaryTransport maps the primary connection type to a coarse transport.
func (m *DBusMonitor) primaryTransport() Transport {
	obj := m.conn.Object(nmDest, nmPath)
	variant, err := obj.GetProperty(nmPropConnType)
	if err != nil {
		return TransportUnknown
	}
	connType, _ := variant.Value().(string)
	switch connType {
	case "802-11-wireless":
		return TransportWifi
	case "802-3-ethernet":
		return TransportEthernet
	case "gsm", "cdma", "wwan":
		return TransportMobile
	default:
		return TransportUnknown
	}
}

// Unsubscribe stops signal delivery.
func (m *DBusMonitor) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signals == nil {
		return
	}
	close(m.done)
	m.conn.RemoveSignal(m.signals)
	m.conn.RemoveMatchSignal(
		dbus.WithMatchInterface(nmDest),
		dbus.WithMatchMember("StateChanged"),
	)
	m.debounce.stop()
	m.signals = nil
	common.LogInfo("Network monitor: unsubscribed")
}

// State returns the last known network state.
func (m *DBusMonitor) State() NetworkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close releases the bus connection.
func (m *DBusMonitor) Close() error {
	m.Unsubscribe()
	return m.conn.Close()
}

// ProbeMonitor is the poll-based fallback for systems without
// NetworkManager. It periodically dials well-known hosts and reports a
// connectivity change when reachability flips.
type ProbeMonitor struct {
	mu       sync.Mutex
	interval time.Duration
	hosts    []string
	debounce *debouncer
	state    NetworkEvent
	stopChan chan struct{}
}

// DefaultProbeHosts are dialed in order until one answers.
var DefaultProbeHosts = []string{
	"8.8.8.8:53",        // Google DNS
	"1.1.1.1:53",        // Cloudflare DNS
	"208.67.222.222:53", // OpenDNS
}

// NewProbeMonitor creates a poll-based monitor.
func NewProbeMonitor(interval time.Duration) *ProbeMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProbeMonitor{
		interval: interval,
		hosts:    DefaultProbeHosts,
	}
}

// Subscribe begins polling.
func (m *ProbeMonitor) Subscribe(fn func(NetworkEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopChan != nil {
		return common.ErrBusy
	}

	m.state = NetworkEvent{Available: m.reachable()}
	m.debounce = newDebouncer(common.NetworkDebounceWindow, func(ev NetworkEvent) {
		m.mu.Lock()
		m.state = ev
		m.mu.Unlock()
		fn(ev)
	})
	m.stopChan = make(chan struct{})

	go m.poll(m.stopChan)
	return nil
}

// poll dials the probe hosts on each tick and feeds flips to the debouncer.
func (m *ProbeMonitor) poll(stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			available := m.reachable()
			m.mu.Lock()
			changed := available != m.state.Available
			m.mu.Unlock()
			if changed {
				m.debounce.feed(NetworkEvent{Available: available})
			}
		}
	}
}

// reachable tries each probe host until one accepts a connection.
func (m *ProbeMonitor) reachable() bool {
	for _, host := range m.hosts {
		conn, err := net.DialTimeout("tcp", host, 3*time.Second)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// Unsubscribe stops polling.
func (m *ProbeMonitor) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan == nil {
		return
	}
	close(m.stopChan)
	m.stopChan = nil
	m.debounce.stop()
}

// State returns the last known network state.
func (m *ProbeMonitor) State() NetworkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
