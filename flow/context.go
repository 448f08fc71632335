package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// Predicates on the session subject. The context is the authoritative
// state; the summary is a small denormalized copy for listings so
// inspection tools never deserialize full contexts.
const (
	statePredicate              = "task:state"
	argsPredicate               = "task:args"
	summaryPredicate            = "task:flow"
	pendingTerminationPredicate = "task:pending_termination"
)

// Context is the persisted state of one flow session. It is written
// atomically with the session's request rows on every Flush and read
// back at the start of every worker pass; nothing about a session
// survives in process memory between passes.
type Context struct {
	SessionID types.SessionID `json:"session_id"`
	Name      string          `json:"name"`
	ClientID  types.ClientID  `json:"client_id,omitempty"`
	State     State           `json:"state"`

	// Creator is the username or system component that started the flow.
	Creator string `json:"creator,omitempty"`

	// QueueName is the notification queue workers claim this session
	// from. Defaults to the queue encoded in the session id.
	QueueName string `json:"queue_name,omitempty"`

	Created types.Timestamp `json:"created"`

	// NextOutboundID numbers the next request this flow issues. Request
	// ids start at 1 and are never reused within a session.
	NextOutboundID uint64 `json:"next_outbound_id"`

	// NextProcessedRequest is the id the state machine expects next.
	// Completed requests are consumed strictly in id order; a completed
	// request with a higher id waits until this one finishes.
	NextProcessedRequest uint64 `json:"next_processed_request"`

	// OutstandingRequests counts issued requests not yet processed.
	// The flow terminates when it reaches zero with nothing queued.
	OutstandingRequests int `json:"outstanding_requests"`

	// Parent links a child flow to the session that issued CallFlow.
	// ParentRequestID is the request the child's replies answer.
	Parent              types.SessionID `json:"parent,omitempty"`
	ParentRequestID     uint64          `json:"parent_request_id,omitempty"`
	ParentResponseCount uint64          `json:"parent_response_count,omitempty"`

	// NotifyParent makes SendReply and termination forward messages to
	// the parent session.
	NotifyParent bool `json:"notify_parent,omitempty"`

	// Resource budgets. Zero means unlimited. Usage accumulates from the
	// STATUS messages clients and child flows report.
	CPULimit          float64 `json:"cpu_limit,omitempty"`
	NetworkBytesLimit uint64  `json:"network_bytes_limit,omitempty"`
	CPUUsed           float64 `json:"cpu_used,omitempty"`
	NetworkBytesUsed  uint64  `json:"network_bytes_used,omitempty"`

	// ErrorMessage and Backtrace are filled when the flow fails.
	ErrorMessage string `json:"error_message,omitempty"`
	Backtrace    string `json:"backtrace,omitempty"`

	// Data is the flow author's scratch space, persisted across states.
	Data map[string]types.Document `json:"data,omitempty"`
}

// Get reads a value from the flow's persisted scratch space.
func (c *Context) Get(key string, dst any) error {
	doc, ok := c.Data[key]
	if !ok {
		return fmt.Errorf("flow data has no key %q", key)
	}
	return doc.Decode(dst)
}

// Has reports whether the scratch space holds the key.
func (c *Context) Has(key string) bool {
	_, ok := c.Data[key]
	return ok
}

// Put stores a value in the flow's persisted scratch space. The value
// is serialized immediately; later mutation of v has no effect.
func (c *Context) Put(key, typeName string, v any) error {
	doc, err := types.NewDocument(typeName, v)
	if err != nil {
		return err
	}
	if c.Data == nil {
		c.Data = make(map[string]types.Document)
	}
	c.Data[key] = doc
	return nil
}

// Summary is the listing row kept beside the full context. It exists so
// flow listings and the hunt engine can scan sessions cheaply.
type Summary struct {
	SessionID types.SessionID `json:"session_id"`
	Name      string          `json:"name"`
	ClientID  types.ClientID  `json:"client_id,omitempty"`
	State     State           `json:"state"`
	Creator   string          `json:"creator,omitempty"`
	Parent    types.SessionID `json:"parent,omitempty"`
	Created   types.Timestamp `json:"created"`

	// LastActive is when the session context was last flushed.
	LastActive types.Timestamp `json:"last_active,omitempty"`

	// ErrorMessage is copied from the context for failed flows.
	ErrorMessage string `json:"error_message,omitempty"`
}

func (c *Context) summary(now types.Timestamp) Summary {
	return Summary{
		SessionID:    c.SessionID,
		Name:         c.Name,
		ClientID:     c.ClientID,
		State:        c.State,
		Creator:      c.Creator,
		Parent:       c.Parent,
		Created:      c.Created,
		LastActive:   now,
		ErrorMessage: c.ErrorMessage,
	}
}

// LoadContext reads a session's persisted context. Sessions that were
// never started or whose state was purged return ErrUnknownSession.
func LoadContext(ctx context.Context, ds datastore.Reader, sessionID types.SessionID) (*Context, error) {
	rec, err := ds.Resolve(ctx, sessionID.Subject(), statePredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow context: %w", err)
	}
	return decodeContext(rec.Value, sessionID)
}

// loadContextTx is LoadContext inside the session transaction, so the
// worker's read is part of the optimistic lock.
func loadContextTx(ctx context.Context, tx datastore.Tx, sessionID types.SessionID) (*Context, error) {
	rec, err := tx.Resolve(ctx, statePredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow context: %w", err)
	}
	return decodeContext(rec.Value, sessionID)
}

func decodeContext(value []byte, sessionID types.SessionID) (*Context, error) {
	var c Context
	if err := json.Unmarshal(value, &c); err != nil {
		return nil, fmt.Errorf("failed to decode flow context for %s: %w", sessionID, err)
	}
	return &c, nil
}

// LoadArgs reads the arguments the session was started with.
func LoadArgs(ctx context.Context, ds datastore.Reader, sessionID types.SessionID) (types.Document, error) {
	rec, err := ds.Resolve(ctx, sessionID.Subject(), argsPredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return types.Document{}, nil
	}
	if err != nil {
		return types.Document{}, fmt.Errorf("failed to read flow args: %w", err)
	}
	var doc types.Document
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		return types.Document{}, fmt.Errorf("failed to decode flow args: %w", err)
	}
	return doc, nil
}

// LoadSummary reads a session's listing row.
func LoadSummary(ctx context.Context, ds datastore.Reader, sessionID types.SessionID) (*Summary, error) {
	rec, err := ds.Resolve(ctx, sessionID.Subject(), summaryPredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return nil, fmt.Errorf("failed to decode flow summary: %w", err)
	}
	return &s, nil
}

// ListFlows returns flow summaries, newest first. A non-empty clientID
// restricts the listing to that client's flows. Zero limit means no
// limit.
func ListFlows(ctx context.Context, ds datastore.Reader, clientID types.ClientID, limit int) ([]Summary, error) {
	subjects, err := ds.ScanSubjects(ctx, "flows/", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan flows: %w", err)
	}

	var out []Summary
	for _, subject := range subjects {
		recs, err := ds.ResolveMulti(ctx, subject, []string{summaryPredicate}, datastore.Newest())
		if err != nil {
			return nil, fmt.Errorf("failed to read flow summary: %w", err)
		}
		if len(recs) == 0 {
			continue
		}
		var s Summary
		if err := json.Unmarshal(recs[0].Value, &s); err != nil {
			continue
		}
		if clientID != "" && s.ClientID != clientID {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkForTermination asks the session's next worker pass to fail the
// flow with the given reason before processing anything. Stopping a
// hunt marks every running child this way; the mark beats racing
// workers because it is checked inside the session transaction.
func MarkForTermination(ctx context.Context, ds datastore.DataStore, sessionID types.SessionID, reason string) error {
	if err := ds.Set(ctx, sessionID.Subject(), pendingTerminationPredicate, []byte(reason), 0, true); err != nil {
		return fmt.Errorf("failed to mark %s for termination: %w", sessionID, err)
	}
	return nil
}
