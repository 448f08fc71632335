package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Timestamp is a point in time in microseconds since the Unix epoch. All
// persisted versions, leases and expiries use this resolution.
type Timestamp int64

// TimestampFromTime converts a time.Time to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Time converts the timestamp back to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t)).UTC()
}

// Add returns the timestamp shifted by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t == 0
}

// String returns the timestamp in RFC 3339 form for logs.
func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// Well-known queue names. The queue is the prefix of a session id and
// decides which notification queue wakes a worker for the session.
const (
	// WorkerQueue is the default queue for ordinary flows.
	WorkerQueue = "W"

	// HuntQueue carries hunt sessions.
	HuntQueue = "H"

	// EnrolmentQueue carries the enrolment well-known flow.
	EnrolmentQueue = "E"
)

// SessionID identifies a flow or hunt: "<queue>:<12 hex>" for minted
// sessions, "<queue>:<name>" for well-known flows with a fixed address.
type SessionID string

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z]+:[A-Za-z0-9]+$`)

// NewSessionID mints a random session id on the given queue.
func NewSessionID(queue string) SessionID {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken, at which point nothing else works either.
		panic(fmt.Sprintf("session id entropy unavailable: %v", err))
	}
	return SessionID(queue + ":" + hex.EncodeToString(b[:]))
}

// WellKnownSessionID returns the fixed session id of a well-known flow.
func WellKnownSessionID(queue, name string) SessionID {
	return SessionID(queue + ":" + name)
}

// ParseSessionID validates the "<queue>:<suffix>" shape.
func ParseSessionID(s string) (SessionID, error) {
	if !sessionIDPattern.MatchString(s) {
		return "", fmt.Errorf("malformed session id %q", s)
	}
	return SessionID(s), nil
}

// Queue returns the queue component of the session id.
func (s SessionID) Queue() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s[:i])
	}
	return string(s)
}

// Suffix returns the part after the queue separator.
func (s SessionID) Suffix() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s[i+1:])
	}
	return ""
}

// IsHunt reports whether the session lives on the hunt queue.
func (s SessionID) IsHunt() bool {
	return s.Queue() == HuntQueue
}

// Subject returns the datastore subject holding the session's state.
func (s SessionID) Subject() string {
	if s.IsHunt() {
		return "hunts/" + string(s)
	}
	return "flows/" + string(s)
}

// String returns the session id as a string.
func (s SessionID) String() string {
	return string(s)
}

// ClientID identifies an enrolled endpoint: "C." followed by 16 hex digits.
type ClientID string

var clientIDPattern = regexp.MustCompile(`^C\.[0-9a-f]{16}$`)

// NewClientID mints a random client id. Normally the id is derived from
// the client's key material during enrolment; random ids serve tests and
// the deploy command.
func NewClientID() ClientID {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("client id entropy unavailable: %v", err))
	}
	return ClientID("C." + hex.EncodeToString(b[:]))
}

// ParseClientID validates the "C.<16 hex>" shape.
func ParseClientID(s string) (ClientID, error) {
	if !clientIDPattern.MatchString(s) {
		return "", fmt.Errorf("malformed client id %q", s)
	}
	return ClientID(s), nil
}

// Subject returns the datastore subject holding the client's attributes.
func (c ClientID) Subject() string {
	return "clients/" + string(c)
}

// TaskQueueSubject returns the subject of the client's outbound task queue.
func (c ClientID) TaskQueueSubject() string {
	return string(c)
}

// String returns the client id as a string.
func (c ClientID) String() string {
	return string(c)
}

// QueueSubject returns the datastore subject backing a named notification
// queue.
func QueueSubject(queue string) string {
	return "queues/" + queue
}

// HuntResultsQueueSubject is the cross-hunt queue that wakes the output
// plugin processor.
const HuntResultsQueueSubject = "hunt_results_queue"

// ForemanSubject is the singleton subject carrying the foreman rule set.
const ForemanSubject = "foreman"
