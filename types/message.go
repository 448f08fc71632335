package types

import "fmt"

// MessageType distinguishes the three wire message kinds that together
// complete one request.
type MessageType string

const (
	// MessageTypeMessage is a regular response carrying a payload.
	MessageTypeMessage MessageType = "MESSAGE"

	// MessageTypeStatus closes a request. Its response id is one past the
	// last regular response, which is how the router detects completeness.
	MessageTypeStatus MessageType = "STATUS"

	// MessageTypeIterator carries client-side iterator state so a follow-up
	// request can resume a paginated action.
	MessageTypeIterator MessageType = "ITERATOR"
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	return string(t)
}

// AuthState records how much the frontend trusts a message.
type AuthState string

const (
	// AuthStateUnauthenticated means the signature was absent or invalid.
	// Only enrolment traffic is processed in this state.
	AuthStateUnauthenticated AuthState = "UNAUTHENTICATED"

	// AuthStateAuthenticated means the signature verified against the
	// client's enrolled communication key.
	AuthStateAuthenticated AuthState = "AUTHENTICATED"

	// AuthStateDesynchronized means the nonce or timestamp was outside the
	// accepted window; the client must re-sync before being trusted.
	AuthStateDesynchronized AuthState = "DESYNCHRONIZED"
)

// String returns the string representation of the auth state.
func (s AuthState) String() string {
	return string(s)
}

// Priority orders queue notifications. Higher values are claimed first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Message is the unit of client/server communication. The same shape is
// used for outbound requests (server to client) and inbound responses
// (client to server); direction is implied by where it is queued.
type Message struct {
	// Source identifies the sender: a client id for inbound responses, a
	// session id for flow-to-flow messages.
	Source string `json:"source,omitempty"`

	// SessionID names the flow or hunt this message belongs to.
	SessionID SessionID `json:"session_id"`

	// RequestID is monotone per session, starting at 1. Request id 0 is
	// reserved for unsolicited messages to well-known flows.
	RequestID uint64 `json:"request_id"`

	// ResponseID is monotone per request, starting at 1 for regular
	// responses. The STATUS message carries one past the last response id.
	ResponseID uint64 `json:"response_id"`

	// Name is the client action to invoke (outbound) or the flow state
	// that produced the message (flow-to-flow).
	Name string `json:"name,omitempty"`

	// Payload is the typed argument or result document.
	Payload Document `json:"payload,omitempty"`

	Type      MessageType `json:"type"`
	AuthState AuthState   `json:"auth_state,omitempty"`
	Priority  Priority    `json:"priority"`

	// TaskID identifies the outbound task-queue entry carrying this
	// message so a later STATUS can acknowledge it.
	TaskID uint64 `json:"task_id,omitempty"`

	// TTL is the number of delivery attempts left for an outbound task.
	TTL int `json:"ttl,omitempty"`

	// RequireFastPoll asks the client to tighten its poll interval because
	// more requests are expected shortly.
	RequireFastPoll bool `json:"require_fastpoll,omitempty"`

	// CPULimit and NetworkBytesLimit are forwarded to the client so the
	// action can self-limit. Enforcement happens on the server from the
	// usage reported in STATUS messages.
	CPULimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
}

// IsStatus reports whether the message closes its request.
func (m *Message) IsStatus() bool {
	return m.Type == MessageTypeStatus
}

// StatusCode classifies how a client action or child flow ended.
type StatusCode string

const (
	StatusOK                   StatusCode = "OK"
	StatusGenericError         StatusCode = "GENERIC_ERROR"
	StatusCPULimitExceeded     StatusCode = "CPU_LIMIT_EXCEEDED"
	StatusNetworkLimitExceeded StatusCode = "NETWORK_LIMIT_EXCEEDED"
	StatusWorkerStuck          StatusCode = "WORKER_STUCK"
	StatusClientKilled         StatusCode = "CLIENT_KILLED"
)

// String returns the string representation of the status code.
func (c StatusCode) String() string {
	return string(c)
}

// Status is the payload of a STATUS message. It closes a request and
// reports how much work the client (or child flow) spent on it.
type Status struct {
	Code         StatusCode `json:"code"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Backtrace    string     `json:"backtrace,omitempty"`

	// CPUSeconds and NetworkBytes are the resources consumed answering
	// this one request. The flow runner accumulates them per session.
	CPUSeconds   float64 `json:"cpu_seconds,omitempty"`
	NetworkBytes uint64  `json:"network_bytes,omitempty"`

	// ChildSessionID is set when the status was synthesized by a child
	// flow terminating, so the parent can attribute the usage.
	ChildSessionID SessionID `json:"child_session_id,omitempty"`
}

// OK reports whether the request succeeded.
func (s *Status) OK() bool {
	return s.Code == StatusOK
}

// StatusTypeName is the document type name carried by STATUS payloads.
const StatusTypeName = "Status"

// NewStatusMessage builds the STATUS message closing a request. The
// response id must be one past the request's last regular response.
func NewStatusMessage(sessionID SessionID, requestID, responseID uint64, status *Status) (*Message, error) {
	payload, err := NewDocument(StatusTypeName, status)
	if err != nil {
		return nil, err
	}
	return &Message{
		SessionID:  sessionID,
		RequestID:  requestID,
		ResponseID: responseID,
		Type:       MessageTypeStatus,
		Payload:    payload,
	}, nil
}

// ExtractStatus decodes the Status payload of a STATUS message.
func (m *Message) ExtractStatus() (*Status, error) {
	if !m.IsStatus() {
		return nil, fmt.Errorf("message is %s, not STATUS", m.Type)
	}
	var status Status
	if err := m.Payload.DecodeAs(StatusTypeName, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RequestState is the per-request bookkeeping row in a session's inbound
// table. It is written when the request is issued and deleted once the
// request has been processed by its next state.
type RequestState struct {
	// ID is the request id within the session.
	ID uint64 `json:"id"`

	SessionID SessionID `json:"session_id"`
	ClientID  ClientID  `json:"client_id,omitempty"`

	// NextState names the flow state invoked when the request completes.
	NextState string `json:"next_state"`

	// Status is filled in once the STATUS message arrives.
	Status *Status `json:"status,omitempty"`

	// ResponseCount counts regular responses seen so far.
	ResponseCount int `json:"response_count"`

	// Data carries optional values from the issuing state to NextState.
	Data map[string]Document `json:"data,omitempty"`

	// ChildSessionID is the flow started to answer this request, for
	// requests issued by CallFlow. Stopping a hunt walks these to reach
	// its outstanding children.
	ChildSessionID SessionID `json:"child_session_id,omitempty"`

	// TransmissionCount counts delivery attempts of the outbound message.
	TransmissionCount int `json:"transmission_count"`

	// Request is the outbound message, kept so an incomplete request can
	// be retransmitted.
	Request *Message `json:"request,omitempty"`

	// StartTime delays processing: the request is not consumed before
	// this, even if complete. Hunt pacing schedules clients this way.
	StartTime Timestamp `json:"start_time,omitempty"`

	// Created is when the request was issued.
	Created Timestamp `json:"created"`
}

// MessageList is the wire bundle exchanged with a client in one poll.
type MessageList struct {
	Messages []*Message `json:"messages"`
}
