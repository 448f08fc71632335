package types

import (
	"testing"
	"time"
)

func TestNewSessionID(t *testing.T) {
	sid := NewSessionID(WorkerQueue)

	if sid.Queue() != WorkerQueue {
		t.Errorf("Queue() = %v, want %v", sid.Queue(), WorkerQueue)
	}
	if len(sid.Suffix()) != 12 {
		t.Errorf("Suffix() length = %d, want 12", len(sid.Suffix()))
	}
	if _, err := ParseSessionID(sid.String()); err != nil {
		t.Errorf("ParseSessionID(%q) error = %v", sid, err)
	}

	// Two mints should not collide.
	if other := NewSessionID(WorkerQueue); other == sid {
		t.Errorf("NewSessionID() returned duplicate id %v", sid)
	}
}

func TestSessionIDSubject(t *testing.T) {
	tests := []struct {
		sid  SessionID
		want string
	}{
		{SessionID("W:1a2b3c4d5e6f"), "flows/W:1a2b3c4d5e6f"},
		{SessionID("H:1a2b3c4d5e6f"), "hunts/H:1a2b3c4d5e6f"},
		{WellKnownSessionID(EnrolmentQueue, "Enrol"), "flows/E:Enrol"},
	}

	for _, tt := range tests {
		if got := tt.sid.Subject(); got != tt.want {
			t.Errorf("Subject(%v) = %v, want %v", tt.sid, got, tt.want)
		}
	}
}

func TestParseSessionID_Invalid(t *testing.T) {
	for _, in := range []string{"", "W", "W:", ":abc", "W:ab cd", "flows/W:abc"} {
		if _, err := ParseSessionID(in); err == nil {
			t.Errorf("ParseSessionID(%q) expected error", in)
		}
	}
}

func TestClientID(t *testing.T) {
	id := NewClientID()

	if _, err := ParseClientID(id.String()); err != nil {
		t.Fatalf("ParseClientID(%q) error = %v", id, err)
	}
	if got := id.Subject(); got != "clients/"+id.String() {
		t.Errorf("Subject() = %v, want clients/%v", got, id)
	}
	if got := id.TaskQueueSubject(); got != id.String() {
		t.Errorf("TaskQueueSubject() = %v, want %v", got, id)
	}
}

func TestParseClientID_Invalid(t *testing.T) {
	for _, in := range []string{"", "C.", "C.xyz", "C.1A2B3C4D5E6F7081", "1a2b3c4d5e6f7081"} {
		if _, err := ParseClientID(in); err == nil {
			t.Errorf("ParseClientID(%q) expected error", in)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2018, 3, 14, 15, 9, 26, 535000, time.UTC)
	ts := TimestampFromTime(now)

	if got := ts.Time(); !got.Equal(now) {
		t.Errorf("Time() = %v, want %v", got, now)
	}
	if got := ts.Add(90 * time.Second); got-ts != Timestamp(90*time.Second/time.Microsecond) {
		t.Errorf("Add(90s) moved by %d us", got-ts)
	}
	if ts.IsZero() {
		t.Error("IsZero() = true for a real timestamp")
	}
	if !Timestamp(0).IsZero() {
		t.Error("IsZero() = false for zero")
	}
}
