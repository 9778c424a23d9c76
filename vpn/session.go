// Package vpn provides tunnel connection management functionality.
// This file contains the Session record, one continuous logical connected
// period possibly spanning several successful reconnections.
package vpn

import (
	"time"

	"github.com/google/uuid"
)

// Session describes one logical connected period.
// It is created on the Connecting to Connected transition and closed when
// the coordinator leaves the connected/reconnecting pair for good.
type Session struct {
	// ID uniquely identifies the session.
	ID string
	// ProfileID and ProfileName identify the profile in effect.
	ProfileID   string
	ProfileName string
	// StartTime is when the session was opened.
	StartTime time.Time
	// EndTime is when the session was closed; zero while open.
	EndTime time.Time
	// OpenCounters are the engine counters at session open, the baseline
	// for per-session totals.
	OpenCounters Counters
	// Success records whether the session ended by user request rather
	// than by failure. Set at close.
	Success bool
	// DisconnectReason is a human-diagnosable close reason. Set at close.
	DisconnectReason string
	// Reconnects counts successful in-session reconnections.
	Reconnects int
	// Final holds the statistics snapshot attached at close.
	Final *FinalSnapshot
}

// newSession opens a session bound to the given profile.
func newSession(profileID, profileName string, open Counters) *Session {
	return &Session{
		ID:           uuid.NewString(),
		ProfileID:    profileID,
		ProfileName:  profileName,
		StartTime:    time.Now(),
		OpenCounters: open,
	}
}

// close marks the session finished. Idempotent: the first close wins.
func (s *Session) close(success bool, reason string, final *FinalSnapshot) {
	if s == nil || !s.EndTime.IsZero() {
		return
	}
	s.EndTime = time.Now()
	s.Success = success
	s.DisconnectReason = reason
	s.Final = final
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s != nil && s.EndTime.IsZero()
}

// Duration returns the session length so far, or its final length once closed.
func (s *Session) Duration() time.Duration {
	if s == nil {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// ReconnectAttemptRecord is one entry of the reconnection history ring.
type ReconnectAttemptRecord struct {
	Attempt   int
	Timestamp time.Time
	Reason    string
	Success   bool
}

// maxReconnectHistory bounds the in-memory reconnection history.
const maxReconnectHistory = 100

// reconnectHistory is a bounded ring of reconnection attempt records.
type reconnectHistory struct {
	records []ReconnectAttemptRecord
}

func (h *reconnectHistory) add(r ReconnectAttemptRecord) {
	h.records = append(h.records, r)
	if len(h.records) > maxReconnectHistory {
		h.records = h.records[len(h.records)-maxReconnectHistory:]
	}
}

func (h *reconnectHistory) snapshot() []ReconnectAttemptRecord {
	out := make([]ReconnectAttemptRecord, len(h.records))
	copy(out, h.records)
	return out
}
