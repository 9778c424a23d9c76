// Package vpn provides tunnel connection management functionality.
// This file contains the ConnectionCoordinator, the single sequential
// state machine that owns connection state, drives the tunnel engine,
// consumes network events, and keeps statistics and the kill switch
// consistent with the session in effect.
package vpn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yllada/tunnel-manager/common"
)

// ConnectionState represents the current state of the tunnel connection.
type ConnectionState int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection is being established.
	StateConnecting
	// StateConnected indicates an active, established connection.
	StateConnected
	// StateReconnecting indicates the tunnel is down and retries are
	// being driven by the reconnection policy.
	StateReconnecting
	// StateDisconnecting indicates the connection is being terminated.
	StateDisconnecting
	// StateError indicates the connection failed terminally.
	StateError
)

// String returns a human-readable representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting..."
	case StateDisconnecting:
		return "Disconnecting..."
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// StatusSnapshot is one externally observable view of the coordinator.
type StatusSnapshot struct {
	State            ConnectionState
	SessionID        string
	ProfileName      string
	ServerName       string
	Elapsed          time.Duration
	ReconnectAttempt int
	KillSwitch       KillSwitchState
	SecurityDegraded bool
	LastError        string
	LastErrorCode    common.ErrorCode
	Stats            *RateSample
}

// SessionRecorder receives closed sessions for persistence.
type SessionRecorder interface {
	Record(s *Session) error
}

// CoordinatorOptions wires the coordinator's collaborators and knobs.
type CoordinatorOptions struct {
	Engine              TunnelEngineClient
	Monitor             NetworkMonitor
	Validator           ConfigValidator
	KillSwitchPrimitive KillSwitchPrimitive
	Policy              ReconnectPolicy
	Recorder            SessionRecorder

	// KillSwitchEnabled enables traffic blocking while reconnecting.
	KillSwitchEnabled bool
	// AutoReconnect enables resilience retries; when off, a loss or crash
	// is terminal.
	AutoReconnect bool
	// SettleWindow is how many consecutive stable confirmations reset the
	// reconnection attempt counter.
	SettleWindow int
	// StatsInterval is the statistics sampling period.
	StatsInterval time.Duration
	// Tun is the interface handle passed to the engine.
	Tun TunHandle
}

// internal coordinator events, processed one at a time in arrival order
type event interface{}

type connectRequest struct {
	profile *Profile
	config  []byte
	reply   chan error
}

type disconnectRequest struct {
	reply chan error
}

type startResult struct{ err error }

type stopResult struct{ err error }

type retryFire struct{ attempt int }

type retryResult struct {
	attempt int
	err     error
}

type netChange struct{ ev NetworkEvent }

type engineCrash struct{ err error }

type statsUpdate struct{ sample RateSample }

type statsFailure struct{ err error }

type shutdownRequest struct{ reply chan struct{} }

// Coordinator is the connection lifecycle and network-resilience
// coordinator. Exactly one instance exists per process; it exclusively
// owns the current session and the live engine handle. All transitions
// are processed by a single goroutine draining an event queue, so no two
// transitions ever run concurrently.
type Coordinator struct {
	opts       CoordinatorOptions
	killswitch *KillSwitch
	events     chan event
	done       chan struct{}

	// state below is owned by the run loop goroutine
	state             ConnectionState
	profile           *Profile
	config            []byte
	session           *Session
	tracker           *StatsTracker
	attempt           int
	stable            int
	retryTimer        *time.Timer
	pendingDisconnect bool
	subscribed        bool
	lastErr           error
	lastSample        *RateSample
	retries           reconnectHistory

	snapMu   sync.RWMutex
	lastSnap StatusSnapshot

	broadcast *statusBroadcaster
}

// NewCoordinator creates the coordinator and starts its event loop.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Validator == nil {
		opts.Validator = NewConfigValidator()
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = common.DefaultSettleWindow
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = common.StatsInterval
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultReconnectPolicy()
	}
	if opts.KillSwitchPrimitive == nil {
		opts.KillSwitchPrimitive = NoopPrimitive{}
	}

	c := &Coordinator{
		opts:       opts,
		killswitch: NewKillSwitch(opts.KillSwitchPrimitive),
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		state:      StateDisconnected,
		broadcast:  newStatusBroadcaster(),
	}
	c.lastSnap = StatusSnapshot{State: StateDisconnected}

	opts.Engine.SetCrashHandler(func(err error) {
		c.post(engineCrash{err: err})
	})

	go c.run()
	return c
}

// post delivers an event unless the coordinator has shut down.
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Connect requests a connection with the given profile. The guard
// (structural validation) runs before the engine is touched; a guard
// failure is returned directly and surfaces as an Error state. A nil
// error means the attempt is in flight; progress arrives on the status
// stream.
func (c *Coordinator) Connect(profile *Profile) error {
	config, err := profile.EngineConfig()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigurationInvalid, err)
	}

	reply := make(chan error, 1)
	c.post(connectRequest{profile: profile, config: config, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return common.ErrNotConnected
	}
}

// Disconnect requests termination of the current connection.
// Calling it while already disconnected is a no-op success.
func (c *Coordinator) Disconnect() error {
	reply := make(chan error, 1)
	c.post(disconnectRequest{reply: reply})
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return nil
	}
}

// Status returns the current state snapshot.
func (c *Coordinator) Status() StatusSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.lastSnap
}

// Subscribe returns a stream of status snapshots and a cancel function.
// Snapshots are delivered in the exact order transitions occur.
func (c *Coordinator) Subscribe() (<-chan StatusSnapshot, func()) {
	return c.broadcast.subscribe()
}

// ReconnectHistory returns the recorded reconnection attempts, oldest first.
func (c *Coordinator) ReconnectHistory() []ReconnectAttemptRecord {
	reply := make(chan []ReconnectAttemptRecord, 1)
	c.post(historyRequest{reply: reply})
	select {
	case records := <-reply:
		return records
	case <-c.done:
		return nil
	}
}

type historyRequest struct {
	reply chan []ReconnectAttemptRecord
}

// Close shuts the coordinator down, disconnecting first if needed.
func (c *Coordinator) Close() {
	reply := make(chan struct{})
	select {
	case c.events <- shutdownRequest{reply: reply}:
		<-reply
	case <-c.done:
	}
}

// run is the single sequential transition handler.
func (c *Coordinator) run() {
	for ev := range c.events {
		switch ev := ev.(type) {
		case connectRequest:
			c.handleConnect(ev)
		case disconnectRequest:
			c.handleDisconnect(ev)
		case startResult:
			c.handleStartResult(ev)
		case stopResult:
			c.handleStopResult(ev)
		case retryFire:
			c.handleRetryFire(ev)
		case retryResult:
			c.handleRetryResult(ev)
		case netChange:
			c.handleNetChange(ev.ev)
		case engineCrash:
			c.handleCrash(ev.err)
		case statsUpdate:
			c.handleStatsUpdate(ev.sample)
		case statsFailure:
			common.LogWarn("Statistics collection degraded: %v", ev.err)
		case historyRequest:
			ev.reply <- c.retries.snapshot()
		case shutdownRequest:
			c.handleShutdown()
			ev.reply <- struct{}{}
			return
		}
	}
}

// handleConnect guards and begins a connection attempt.
func (c *Coordinator) handleConnect(req connectRequest) {
	switch c.state {
	case StateConnected:
		req.reply <- common.ErrAlreadyConnected
		return
	case StateConnecting, StateReconnecting, StateDisconnecting:
		req.reply <- common.ErrBusy
		return
	}

	// Guard: structural validation happens before the engine is touched.
	if issues := c.opts.Validator.Validate(req.config); len(issues) > 0 {
		err := fmt.Errorf("%w: %s", common.ErrConfigurationInvalid, strings.Join(issues, "; "))
		common.LogError("Connect rejected: %v", err)
		c.lastErr = err
		c.transition(StateError)
		req.reply <- err
		return
	}

	c.profile = req.profile
	c.config = req.config
	c.session = nil
	c.attempt = 0
	c.stable = 0
	c.lastErr = nil
	c.lastSample = nil
	c.pendingDisconnect = false

	common.LogInfo("Connecting to %s", req.profile.Name)
	c.transition(StateConnecting)
	req.reply <- nil

	engine := c.opts.Engine
	config := c.config
	tun := c.opts.Tun
	go func() {
		err := engine.Start(context.Background(), config, tun)
		c.post(startResult{err: err})
	}()
}

// handleStartResult completes the Connecting state.
func (c *Coordinator) handleStartResult(res startResult) {
	if c.state != StateConnecting {
		// Stale result; if the engine actually came up, take it down.
		if res.err == nil {
			go c.opts.Engine.Stop()
		}
		return
	}

	if res.err != nil {
		// A failure on the very first attempt is terminal; reconnection
		// only covers previously connected sessions.
		common.LogError("Engine start failed: %v", res.err)
		c.lastErr = res.err
		if c.pendingDisconnect {
			c.pendingDisconnect = false
			c.transition(StateDisconnected)
			return
		}
		c.transition(StateError)
		return
	}

	if c.pendingDisconnect {
		// Disconnect raced the in-flight start: let it finish, then stop
		// immediately. No session ever opens.
		c.pendingDisconnect = false
		c.transition(StateDisconnecting)
		go func() {
			err := c.opts.Engine.Stop()
			c.post(stopResult{err: err})
		}()
		return
	}

	open, _ := c.opts.Engine.Statistics()
	c.session = newSession(c.profile.ID, c.profile.Name, open)
	c.attempt = 0
	c.stable = 0

	c.startTracker()

	if c.killSwitchEnabled() {
		if err := c.killswitch.Arm(); err != nil {
			common.LogWarn("Kill switch arm degraded: %v", err)
		}
	}

	if !c.subscribed {
		if err := c.opts.Monitor.Subscribe(func(ev NetworkEvent) {
			c.post(netChange{ev: ev})
		}); err != nil {
			common.LogWarn("Network monitor unavailable: %v", err)
		} else {
			c.subscribed = true
		}
	}

	common.LogInfo("Connected to %s (session %s)", c.profile.Name, c.session.ID)
	c.transition(StateConnected)
}

// handleDisconnect processes a user disconnect in any state.
func (c *Coordinator) handleDisconnect(req disconnectRequest) {
	switch c.state {
	case StateDisconnected:
		req.reply <- nil
	case StateError:
		c.lastErr = nil
		c.transition(StateDisconnected)
		req.reply <- nil
	case StateDisconnecting:
		req.reply <- common.ErrBusy
	case StateConnecting:
		c.pendingDisconnect = true
		req.reply <- nil
	case StateConnected, StateReconnecting:
		c.cancelRetry()
		c.teardownSession(true, "user disconnect")
		c.killswitch.Disarm()
		c.unsubscribeMonitor()
		c.transition(StateDisconnecting)
		go func() {
			err := c.opts.Engine.Stop()
			c.post(stopResult{err: err})
		}()
		req.reply <- nil
	}
}

// handleStopResult completes the Disconnecting state.
func (c *Coordinator) handleStopResult(res stopResult) {
	if c.state != StateDisconnecting {
		return
	}
	if res.err != nil {
		common.LogWarn("Engine stop reported an error: %v", res.err)
	}
	c.transition(StateDisconnected)
}

// handleNetChange consumes a normalized connectivity event.
func (c *Coordinator) handleNetChange(ev NetworkEvent) {
	switch c.state {
	case StateConnected:
		if ev.Available {
			// Stability confirmation toward the settle window.
			if c.attempt > 0 {
				c.stable++
				if c.stable >= c.opts.SettleWindow {
					common.LogInfo("Connection settled, reconnection counter reset")
					c.attempt = 0
					c.stable = 0
				}
			}
			return
		}

		common.LogWarn("Network connectivity lost (transport: %s)", ev.Transport)
		c.lastErr = common.ErrNetworkLost

		if !c.opts.AutoReconnect {
			c.failSession(common.ErrNetworkLost, "network lost")
			return
		}

		if c.tracker != nil {
			c.tracker.Suspend()
		}
		if c.killSwitchEnabled() {
			if err := c.killswitch.Engage(); err != nil {
				c.lastErr = err
			}
		}
		// Arm the retry first so the Reconnecting snapshot already
		// carries the new attempt number.
		c.scheduleRetry()
		c.transition(StateReconnecting)

	case StateReconnecting:
		if ev.Available {
			// Network is back; don't wait out the rest of the backoff.
			if c.retryTimer != nil {
				c.cancelRetry()
				c.post(retryFire{attempt: c.attempt})
			}
		}
	}
}

// scheduleRetry arms the timer for the next reconnection attempt.
func (c *Coordinator) scheduleRetry() {
	c.attempt++
	attempt := c.attempt
	delay := c.opts.Policy.Delay(attempt)
	common.LogInfo("Reconnection attempt %d/%d in %v", attempt, c.opts.Policy.MaxAttempts, delay)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(retryFire{attempt: attempt})
	})
}

// handleRetryFire launches one reconnection attempt outside the loop.
func (c *Coordinator) handleRetryFire(ev retryFire) {
	if c.state != StateReconnecting || ev.attempt != c.attempt {
		return
	}
	c.retryTimer = nil

	engine := c.opts.Engine
	config := c.config
	tun := c.opts.Tun
	attempt := ev.attempt
	go func() {
		// The old process may still be half-alive; make room first.
		engine.Stop()
		err := engine.Start(context.Background(), config, tun)
		c.post(retryResult{attempt: attempt, err: err})
	}()
}

// handleRetryResult applies the outcome of one reconnection attempt.
func (c *Coordinator) handleRetryResult(res retryResult) {
	if c.state != StateReconnecting || res.attempt != c.attempt {
		if res.err == nil {
			go c.opts.Engine.Stop()
		}
		return
	}

	success := res.err == nil
	c.retries.add(ReconnectAttemptRecord{
		Attempt:   res.attempt,
		Timestamp: time.Now(),
		Reason:    "connectivity lost",
		Success:   success,
	})

	if success {
		common.LogInfo("Reconnection successful after %d attempt(s), session %s continues",
			res.attempt, c.session.ID)
		c.session.Reconnects++
		c.stable = 0
		c.lastErr = nil
		if c.tracker != nil {
			c.tracker.Resume()
		}
		c.killswitch.Disengage()
		// The attempt counter resets only after the settle window.
		c.transition(StateConnected)
		return
	}

	common.LogWarn("Reconnection attempt %d failed: %v", res.attempt, res.err)

	if c.opts.Policy.ShouldGiveUp(c.attempt) {
		c.lastErr = common.ErrReconnectExhausted
		c.failSession(common.ErrReconnectExhausted, "max reconnection attempts reached")
		return
	}

	c.scheduleRetry()
	c.publishSnapshot()
}

// handleCrash reacts to an unexpected engine death.
func (c *Coordinator) handleCrash(err error) {
	switch c.state {
	case StateConnected:
		common.LogError("Engine crashed while connected: %v", err)
		c.lastErr = err

		if !c.opts.AutoReconnect {
			c.failSession(err, "engine crashed")
			return
		}

		if c.tracker != nil {
			c.tracker.Suspend()
		}
		if c.killSwitchEnabled() {
			if kerr := c.killswitch.Engage(); kerr != nil {
				c.lastErr = kerr
			}
		}
		c.scheduleRetry()
		c.transition(StateReconnecting)

	case StateReconnecting, StateConnecting, StateDisconnecting, StateDisconnected:
		// Either already being handled through start/stop results, or the
		// crash is the tail of a stop we requested.
		common.LogDebug("Engine exit reported in state %s: %v", c.state, err)

	case StateError:
	}
}

// handleStatsUpdate refreshes the statistics carried on snapshots.
func (c *Coordinator) handleStatsUpdate(sample RateSample) {
	c.lastSample = &sample
	if c.state == StateConnected {
		c.publishSnapshot()
	}
}

// handleShutdown tears everything down before the loop exits.
func (c *Coordinator) handleShutdown() {
	c.cancelRetry()
	if c.session.Open() {
		c.teardownSession(true, "shutdown")
	}
	c.killswitch.Disarm()
	c.unsubscribeMonitor()
	if c.state == StateConnected || c.state == StateReconnecting || c.state == StateConnecting {
		c.opts.Engine.Stop()
	}
	c.transition(StateDisconnected)
	close(c.done)
	c.broadcast.close()
}

// failSession ends the current session with a terminal error.
func (c *Coordinator) failSession(err error, reason string) {
	c.cancelRetry()
	c.teardownSession(false, reason)
	// The kill switch must not stay blocking once resilience has given
	// up, or the host would be cut off with nothing left trying to fix it.
	c.killswitch.Disengage()
	c.unsubscribeMonitor()
	c.lastErr = err
	go c.opts.Engine.Stop()
	c.transition(StateError)
}

// teardownSession stops sampling, closes the session, and records it.
func (c *Coordinator) teardownSession(success bool, reason string) {
	var final *FinalSnapshot
	if c.tracker != nil {
		final = c.tracker.Stop()
		c.tracker = nil
	}
	if c.session.Open() {
		c.session.close(success, reason, final)
		common.LogInfo("Session %s closed (success=%v, reason: %s)", c.session.ID, success, reason)
		if c.opts.Recorder != nil {
			if err := c.opts.Recorder.Record(c.session); err != nil {
				common.LogWarn("Failed to record session history: %v", err)
			}
		}
	}
}

// startTracker begins statistics sampling for the open session, using the
// session's open counters as the totals baseline.
func (c *Coordinator) startTracker() {
	tracker := NewStatsTracker(c.opts.StatsInterval, c.opts.Engine.Statistics)
	tracker.PrimeBaseline(c.session.OpenCounters, c.session.StartTime)
	tracker.SetOnSample(func(s RateSample) {
		c.post(statsUpdate{sample: s})
	})
	tracker.SetOnError(func(err error) {
		c.post(statsFailure{err: err})
	})
	tracker.Start()
	c.tracker = tracker
}

// killSwitchEnabled resolves the per-profile override against the global
// setting.
func (c *Coordinator) killSwitchEnabled() bool {
	if c.profile != nil && c.profile.KillSwitch != nil {
		return *c.profile.KillSwitch
	}
	return c.opts.KillSwitchEnabled
}

func (c *Coordinator) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Coordinator) unsubscribeMonitor() {
	if c.subscribed {
		c.opts.Monitor.Unsubscribe()
		c.subscribed = false
	}
}

// transition changes state and publishes the snapshot, in order.
func (c *Coordinator) transition(to ConnectionState) {
	if c.state != to {
		common.LogDebug("State: %s -> %s", c.state, to)
	}
	c.state = to
	c.publishSnapshot()
}

// publishSnapshot builds the externally visible snapshot and broadcasts it.
func (c *Coordinator) publishSnapshot() {
	snap := StatusSnapshot{
		State:            c.state,
		ReconnectAttempt: c.attempt,
		KillSwitch:       c.killswitch.State(),
		SecurityDegraded: c.killswitch.Degraded(),
		Stats:            c.lastSample,
	}
	if c.profile != nil {
		snap.ProfileName = c.profile.Name
		snap.ServerName = c.profile.ServerName
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.Elapsed = c.session.Duration()
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
		snap.LastErrorCode = common.CodeForError(c.lastErr)
	}

	c.snapMu.Lock()
	c.lastSnap = snap
	c.snapMu.Unlock()

	c.broadcast.publish(snap)
}

// statusBroadcaster fans snapshots out to subscribers without ever
// blocking the transition handler. Each subscriber gets its own ordered,
// unbounded queue drained by a dedicated goroutine, so no transition is
// skipped or coalesced in any stream.
type statusBroadcaster struct {
	mu     sync.Mutex
	subs   map[int]*statusSubscriber
	nextID int
	closed bool
}

type statusSubscriber struct {
	mu     sync.Mutex
	queue  []StatusSnapshot
	wake   chan struct{}
	out    chan StatusSnapshot
	stop   chan struct{}
	closed bool
}

func newStatusBroadcaster() *statusBroadcaster {
	return &statusBroadcaster{subs: make(map[int]*statusSubscriber)}
}

func (b *statusBroadcaster) subscribe() (<-chan StatusSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &statusSubscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan StatusSnapshot),
		stop: make(chan struct{}),
	}
	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.out)
		return sub.out, func() {}
	}
	b.subs[id] = sub
	go sub.drain()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			s.shut()
		}
		b.mu.Unlock()
	}
	return sub.out, cancel
}

func (b *statusBroadcaster) publish(snap StatusSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.push(snap)
	}
}

func (b *statusBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.shut()
	}
}

func (s *statusSubscriber) push(snap StatusSnapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *statusSubscriber) shut() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain delivers queued snapshots in order until the subscriber closes.
func (s *statusSubscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.stop:
			}
			continue
		}
		snap := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- snap:
		case <-s.stop:
			close(s.out)
			return
		}
	}
}
