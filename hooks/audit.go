package hooks

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// AuditLogSubject is the collection subject that receives audit events.
const AuditLogSubject = "audit/log"

// AuditEvent is the record appended to the audit log for every audited
// action. Action values follow the original audit vocabulary
// (RUN_FLOW, HUNT_STARTED, CLIENT_APPROVAL_GRANT, ...).
type AuditEvent struct {
	Timestamp   types.Timestamp `json:"timestamp"`
	User        string          `json:"user"`
	Action      string          `json:"action"`
	Target      string          `json:"target,omitempty"`
	Flow        string          `json:"flow,omitempty"`
	Description string          `json:"description,omitempty"`
}

// AuditEventTypeName is the Document type name for AuditEvent payloads.
const AuditEventTypeName = "AuditEvent"

func init() {
	types.MustRegisterPayload(AuditEventTypeName, AuditEvent{})
}

// Audit actions emitted by the built-in hooks.
const (
	ActionRunFlow           = "RUN_FLOW"
	ActionFlowComplete      = "FLOW_COMPLETE"
	ActionClientTask        = "CLIENT_TASK"
	ActionApprovalGrant     = "CLIENT_APPROVAL_GRANT"
	ActionApprovalRequest   = "CLIENT_APPROVAL_REQUEST"
	ActionApprovalBreakOpen = "CLIENT_APPROVAL_BREAK_GLASS"
	ActionAccessDenied      = "ACCESS_DENIED"
	ActionHuntStateChange   = "HUNT_STATE_CHANGE"
)

// AuditHooks appends an AuditEvent to the audit/log collection for every
// triggered event. Attach it to a Registry with Attach.
type AuditHooks struct {
	ds  datastore.DataStore
	col *collection.Collection
}

// NewAuditHooks creates audit hooks backed by the given datastore.
func NewAuditHooks(ds datastore.DataStore) *AuditHooks {
	return &AuditHooks{
		ds:  ds,
		col: collection.New(ds, AuditLogSubject),
	}
}

// Attach registers all audit handlers on the registry.
func (h *AuditHooks) Attach(r *Registry) {
	r.OnFlowStart(h.FlowStart)
	r.OnFlowComplete(h.FlowComplete)
	r.OnClientTask(h.ClientTask)
	r.OnApprovalDecision(h.ApprovalDecision)
	r.OnHuntStateChange(h.HuntStateChange)
}

func (h *AuditHooks) append(ctx context.Context, ev AuditEvent) error {
	ev.Timestamp = h.ds.Now()
	doc, err := types.NewDocument(AuditEventTypeName, ev)
	if err != nil {
		return err
	}
	return h.col.Add(ctx, doc)
}

// FlowStart records a RUN_FLOW audit event.
func (h *AuditHooks) FlowStart(ctx context.Context, ev FlowStartEvent) error {
	return h.append(ctx, AuditEvent{
		User:   ev.Creator,
		Action: ActionRunFlow,
		Target: ev.SessionID.Subject(),
		Flow:   ev.Flow,
	})
}

// FlowComplete records a FLOW_COMPLETE audit event.
func (h *AuditHooks) FlowComplete(ctx context.Context, ev FlowCompleteEvent) error {
	desc := ev.State
	if ev.Error != "" {
		desc = fmt.Sprintf("%s: %s", ev.State, ev.Error)
	}
	return h.append(ctx, AuditEvent{
		Action:      ActionFlowComplete,
		Target:      ev.SessionID.Subject(),
		Flow:        ev.Flow,
		Description: desc,
	})
}

// ClientTask records a CLIENT_TASK audit event.
func (h *AuditHooks) ClientTask(ctx context.Context, ev ClientTaskEvent) error {
	return h.append(ctx, AuditEvent{
		Action:      ActionClientTask,
		Target:      ev.ClientID.Subject(),
		Flow:        string(ev.SessionID),
		Description: fmt.Sprintf("%s x%d", ev.Action, ev.TaskCount),
	})
}

// ApprovalDecision records grant, request, break-glass and denial events.
func (h *AuditHooks) ApprovalDecision(ctx context.Context, ev ApprovalDecisionEvent) error {
	var action string
	switch ev.Outcome {
	case "granted":
		action = ActionApprovalGrant
	case "requested":
		action = ActionApprovalRequest
	case "breakglass":
		action = ActionApprovalBreakOpen
	case "denied":
		action = ActionAccessDenied
	default:
		// Plain allow decisions (open reads, cached hits, supervisor)
		// are high volume and not worth an audit record.
		return nil
	}
	user := ev.Username
	if ev.Approver != "" {
		user = ev.Approver
	}
	return h.append(ctx, AuditEvent{
		User:        user,
		Action:      action,
		Target:      ev.Target,
		Description: ev.Reason,
	})
}

// HuntStateChange records a HUNT_STATE_CHANGE audit event.
func (h *AuditHooks) HuntStateChange(ctx context.Context, ev HuntStateChangeEvent) error {
	return h.append(ctx, AuditEvent{
		User:        ev.Username,
		Action:      ActionHuntStateChange,
		Target:      ev.HuntID.Subject(),
		Description: fmt.Sprintf("%s -> %s: %s", ev.OldState, ev.NewState, ev.Reason),
	})
}

// ReadAuditLog returns up to limit audit events starting at offset,
// oldest first.
func ReadAuditLog(ctx context.Context, ds datastore.DataStore, offset, limit int64) ([]AuditEvent, error) {
	col := collection.New(ds, AuditLogSubject)
	docs, err := col.Items(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	events := make([]AuditEvent, 0, len(docs))
	for _, doc := range docs {
		var ev AuditEvent
		if err := doc.DecodeAs(AuditEventTypeName, &ev); err != nil {
			return nil, fmt.Errorf("decoding audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
