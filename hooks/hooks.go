// Package hooks provides lifecycle hooks for observing and auditing the
// engine: flow starts and completions, client task scheduling, approval
// decisions and hunt state changes.
//
// Hooks are synchronous. A hook returning an error aborts the remaining
// hooks for that trigger and is reported to the caller; most callers log
// it and continue, so hooks should be fast and must not block.
package hooks

import (
	"context"
	"sync"

	"github.com/quarryhq/quarry/types"
)

// FlowStartEvent describes a freshly created flow session.
type FlowStartEvent struct {
	SessionID types.SessionID `json:"session_id"`
	ClientID  types.ClientID  `json:"client_id,omitempty"`
	Flow      string          `json:"flow"`
	Creator   string          `json:"creator,omitempty"`
	Parent    types.SessionID `json:"parent,omitempty"`
}

// FlowCompleteEvent describes a flow that reached a terminal state.
type FlowCompleteEvent struct {
	SessionID types.SessionID `json:"session_id"`
	ClientID  types.ClientID  `json:"client_id,omitempty"`
	Flow      string          `json:"flow"`
	State     string          `json:"state"`
	Error     string          `json:"error,omitempty"`
}

// ClientTaskEvent describes tasks scheduled on a client's task queue.
type ClientTaskEvent struct {
	ClientID  types.ClientID  `json:"client_id"`
	SessionID types.SessionID `json:"session_id"`
	Action    string          `json:"action"`
	TaskCount int             `json:"task_count"`
}

// ApprovalDecisionEvent describes the outcome of an access check, an
// approval grant, an approval request or a break-glass access.
type ApprovalDecisionEvent struct {
	Username string `json:"username"`
	Approver string `json:"approver,omitempty"`
	Target   string `json:"target"`
	Mode     string `json:"mode,omitempty"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// HuntStateChangeEvent describes a hunt state transition.
type HuntStateChangeEvent struct {
	HuntID   types.SessionID `json:"hunt_id"`
	OldState string          `json:"old_state"`
	NewState string          `json:"new_state"`
	Username string          `json:"username,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// FlowStartHook is called when a flow session has been created.
type FlowStartHook func(ctx context.Context, ev FlowStartEvent) error

// FlowCompleteHook is called when a flow reaches a terminal state.
type FlowCompleteHook func(ctx context.Context, ev FlowCompleteEvent) error

// ClientTaskHook is called when tasks are scheduled for a client.
type ClientTaskHook func(ctx context.Context, ev ClientTaskEvent) error

// ApprovalDecisionHook is called when an access decision is made.
type ApprovalDecisionHook func(ctx context.Context, ev ApprovalDecisionEvent) error

// HuntStateChangeHook is called when a hunt changes state.
type HuntStateChangeHook func(ctx context.Context, ev HuntStateChangeEvent) error

// Registry holds all registered hooks
type Registry struct {
	mu               sync.RWMutex
	flowStart        []FlowStartHook
	flowComplete     []FlowCompleteHook
	clientTask       []ClientTaskHook
	approvalDecision []ApprovalDecisionHook
	huntStateChange  []HuntStateChangeHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		flowStart:        []FlowStartHook{},
		flowComplete:     []FlowCompleteHook{},
		clientTask:       []ClientTaskHook{},
		approvalDecision: []ApprovalDecisionHook{},
		huntStateChange:  []HuntStateChangeHook{},
	}
}

// OnFlowStart registers a hook to be called when a flow starts
func (r *Registry) OnFlowStart(hook FlowStartHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flowStart = append(r.flowStart, hook)
}

// OnFlowComplete registers a hook to be called when a flow terminates
func (r *Registry) OnFlowComplete(hook FlowCompleteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flowComplete = append(r.flowComplete, hook)
}

// OnClientTask registers a hook to be called when client tasks are scheduled
func (r *Registry) OnClientTask(hook ClientTaskHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientTask = append(r.clientTask, hook)
}

// OnApprovalDecision registers a hook to be called on access decisions
func (r *Registry) OnApprovalDecision(hook ApprovalDecisionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvalDecision = append(r.approvalDecision, hook)
}

// OnHuntStateChange registers a hook to be called on hunt state transitions
func (r *Registry) OnHuntStateChange(hook HuntStateChangeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.huntStateChange = append(r.huntStateChange, hook)
}

// TriggerFlowStart calls all registered flow-start hooks
func (r *Registry) TriggerFlowStart(ctx context.Context, ev FlowStartEvent) error {
	r.mu.RLock()
	hooks := make([]FlowStartHook, len(r.flowStart))
	copy(hooks, r.flowStart)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// TriggerFlowComplete calls all registered flow-complete hooks
func (r *Registry) TriggerFlowComplete(ctx context.Context, ev FlowCompleteEvent) error {
	r.mu.RLock()
	hooks := make([]FlowCompleteHook, len(r.flowComplete))
	copy(hooks, r.flowComplete)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// TriggerClientTask calls all registered client-task hooks
func (r *Registry) TriggerClientTask(ctx context.Context, ev ClientTaskEvent) error {
	r.mu.RLock()
	hooks := make([]ClientTaskHook, len(r.clientTask))
	copy(hooks, r.clientTask)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// TriggerApprovalDecision calls all registered approval-decision hooks
func (r *Registry) TriggerApprovalDecision(ctx context.Context, ev ApprovalDecisionEvent) error {
	r.mu.RLock()
	hooks := make([]ApprovalDecisionHook, len(r.approvalDecision))
	copy(hooks, r.approvalDecision)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// TriggerHuntStateChange calls all registered hunt-state-change hooks
func (r *Registry) TriggerHuntStateChange(ctx context.Context, ev HuntStateChangeEvent) error {
	r.mu.RLock()
	hooks := make([]HuntStateChangeHook, len(r.huntStateChange))
	copy(hooks, r.huntStateChange)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
