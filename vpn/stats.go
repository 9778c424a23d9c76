// Package vpn provides tunnel connection management functionality.
// This file contains the statistics session tracker that derives transfer
// rates from the engine's cumulative counters.
package vpn

import (
	"sync"
	"time"

	"github.com/yllada/tunnel-manager/common"
)

// Number of samples averaged for the smoothed rates, and how many recent
// samples are retained for the status surface.
const (
	smoothingWindow  = 3
	maxSampleHistory = 10
	maxSampleMisses  = 3
)

// RateSample is one statistics sample with derived rates.
type RateSample struct {
	// Counters are the cumulative engine counters at sampling time.
	Counters Counters
	// Timestamp is when the sample was taken.
	Timestamp time.Time
	// DownRate and UpRate are instantaneous rates in bytes per second,
	// clamped to zero on counter regression.
	DownRate float64
	UpRate   float64
	// SmoothedDown and SmoothedUp average the last few samples.
	SmoothedDown float64
	SmoothedUp   float64
}

// FinalSnapshot is the immutable statistics summary attached to a session
// when it closes.
type FinalSnapshot struct {
	BytesReceived   uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsSent     uint64
	Duration        time.Duration
	AvgDownRate     float64
	AvgUpRate       float64
}

// StatsTracker samples engine counters on a fixed period and derives
// per-session rates and totals. Sampling can be suspended while the tunnel
// is down and resumed later; the pre-loss sample stays the baseline so the
// first post-resume rate is averaged over the gap instead of spiking.
type StatsTracker struct {
	mu        sync.Mutex
	interval  time.Duration
	source    func() (Counters, bool)
	onSample  func(RateSample)
	onError   func(error)
	running   bool
	suspended bool
	stopChan  chan struct{}

	started time.Time
	last    *RateSample
	totals  Counters
	window  []RateSample
	history []RateSample
	misses  int
}

// NewStatsTracker creates a tracker reading counters from source.
func NewStatsTracker(interval time.Duration, source func() (Counters, bool)) *StatsTracker {
	if interval <= 0 {
		interval = common.StatsInterval
	}
	return &StatsTracker{
		interval: interval,
		source:   source,
	}
}

// SetOnSample registers a callback invoked for every successful sample.
func (t *StatsTracker) SetOnSample(fn func(RateSample)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSample = fn
}

// SetOnError registers a callback invoked when sampling fails repeatedly.
func (t *StatsTracker) SetOnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

// Start begins periodic sampling. No-op if already running.
func (t *StatsTracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.suspended = false
	t.started = time.Now()
	t.stopChan = make(chan struct{})
	stop := t.stopChan
	t.mu.Unlock()

	go t.runLoop(stop)
}

// PrimeBaseline seeds the rate baseline with the counters observed at
// session open, so the traffic before the first tick still lands in the
// session totals instead of being dropped.
func (t *StatsTracker) PrimeBaseline(counters Counters, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last != nil {
		return
	}
	t.last = &RateSample{Counters: counters, Timestamp: at}
}

// Suspend pauses sampling without discarding the baseline.
func (t *StatsTracker) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspended = true
}

// Resume restarts sampling after a suspension. The last pre-loss sample
// remains the baseline.
func (t *StatsTracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspended = false
	t.misses = 0
}

// Stop ends sampling and returns the final immutable snapshot.
func (t *StatsTracker) Stop() *FinalSnapshot {
	t.mu.Lock()
	if t.running {
		t.running = false
		if t.stopChan != nil {
			close(t.stopChan)
			t.stopChan = nil
		}
	}
	final := t.finalLocked()
	t.mu.Unlock()
	return final
}

// finalLocked builds the close-time summary. Caller holds t.mu.
func (t *StatsTracker) finalLocked() *FinalSnapshot {
	duration := time.Since(t.started)
	f := &FinalSnapshot{
		BytesReceived:   t.totals.BytesReceived,
		BytesSent:       t.totals.BytesSent,
		PacketsReceived: t.totals.PacketsReceived,
		PacketsSent:     t.totals.PacketsSent,
		Duration:        duration,
	}
	if secs := duration.Seconds(); secs > 0 {
		f.AvgDownRate = float64(f.BytesReceived) / secs
		f.AvgUpRate = float64(f.BytesSent) / secs
	}
	return f
}

// Last returns the most recent sample, if any.
func (t *StatsTracker) Last() (RateSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return RateSample{}, false
	}
	return *t.last, true
}

// History returns up to the last ten samples, oldest first.
func (t *StatsTracker) History() []RateSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RateSample, len(t.history))
	copy(out, t.history)
	return out
}

// runLoop drives the sampling ticker.
func (t *StatsTracker) runLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.sample(now)
		}
	}
}

// sample takes one reading and derives rates against the previous one.
func (t *StatsTracker) sample(now time.Time) {
	t.mu.Lock()
	if t.suspended || !t.running {
		t.mu.Unlock()
		return
	}
	source := t.source
	t.mu.Unlock()

	counters, ok := source()

	t.mu.Lock()
	if !ok {
		t.misses++
		onError := t.onError
		misses := t.misses
		t.mu.Unlock()
		if misses == maxSampleMisses && onError != nil {
			onError(common.WrapError(common.ErrNotConnected, "statistics collection failing"))
		}
		return
	}
	t.misses = 0

	s := RateSample{Counters: counters, Timestamp: now}
	if prev := t.last; prev != nil {
		elapsed := now.Sub(prev.Timestamp).Seconds()
		if elapsed > 0 {
			// Counter regressions (engine restart) become a fresh baseline,
			// never a negative rate.
			s.DownRate = float64(clampedDelta(counters.BytesReceived, prev.Counters.BytesReceived)) / elapsed
			s.UpRate = float64(clampedDelta(counters.BytesSent, prev.Counters.BytesSent)) / elapsed
		}
		t.totals.BytesReceived += clampedDelta(counters.BytesReceived, prev.Counters.BytesReceived)
		t.totals.BytesSent += clampedDelta(counters.BytesSent, prev.Counters.BytesSent)
		t.totals.PacketsReceived += clampedDelta(counters.PacketsReceived, prev.Counters.PacketsReceived)
		t.totals.PacketsSent += clampedDelta(counters.PacketsSent, prev.Counters.PacketsSent)
	}

	t.window = append(t.window, s)
	if len(t.window) > smoothingWindow {
		t.window = t.window[1:]
	}
	s.SmoothedDown, s.SmoothedUp = meanRates(t.window)

	t.last = &s
	t.history = append(t.history, s)
	if len(t.history) > maxSampleHistory {
		t.history = t.history[1:]
	}
	onSample := t.onSample
	t.mu.Unlock()

	if onSample != nil {
		onSample(s)
	}
}

// clampedDelta returns cur-prev, or zero when the counter regressed.
func clampedDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// meanRates averages the instantaneous rates over the window.
func meanRates(window []RateSample) (down, up float64) {
	if len(window) == 0 {
		return 0, 0
	}
	for _, s := range window {
		down += s.DownRate
		up += s.UpRate
	}
	n := float64(len(window))
	return down / n, up / n
}
