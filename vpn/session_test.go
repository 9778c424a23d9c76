package vpn

import (
	"testing"
	"time"
)

func TestSession_CloseIdempotent(t *testing.T) {
	s := newSession("pid", "Work", Counters{BytesReceived: 10})

	if !s.Open() {
		t.Fatal("new session should be open")
	}
	if s.ID == "" {
		t.Fatal("session should get a generated ID")
	}

	s.close(false, "network lost", &FinalSnapshot{BytesReceived: 100})
	firstEnd := s.EndTime

	// A second close must not overwrite the first.
	s.close(true, "user disconnect", nil)

	if s.Success {
		t.Error("second close overwrote Success")
	}
	if s.DisconnectReason != "network lost" {
		t.Errorf("DisconnectReason = %q, want %q", s.DisconnectReason, "network lost")
	}
	if !s.EndTime.Equal(firstEnd) {
		t.Error("second close overwrote EndTime")
	}
	if s.Final == nil || s.Final.BytesReceived != 100 {
		t.Error("second close overwrote Final snapshot")
	}
}

func TestSession_NilSafe(t *testing.T) {
	var s *Session

	if s.Open() {
		t.Error("nil session should not report open")
	}
	if s.Duration() != 0 {
		t.Error("nil session duration should be zero")
	}
	s.close(true, "noop", nil) // must not panic
}

func TestReconnectHistory_Bounded(t *testing.T) {
	var h reconnectHistory

	for i := 0; i < maxReconnectHistory+20; i++ {
		h.add(ReconnectAttemptRecord{Attempt: i, Timestamp: time.Now()})
	}

	records := h.snapshot()
	if len(records) != maxReconnectHistory {
		t.Fatalf("history = %d records, want %d", len(records), maxReconnectHistory)
	}
	if records[0].Attempt != 20 {
		t.Errorf("oldest kept record = %d, want 20", records[0].Attempt)
	}
	if records[len(records)-1].Attempt != maxReconnectHistory+19 {
		t.Errorf("newest record = %d, want %d", records[len(records)-1].Attempt, maxReconnectHistory+19)
	}
}
