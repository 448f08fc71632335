package hooks

import (
	"context"
)

// Logger is the logging interface used by the built-in logging hooks.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggingHooks logs every triggered event through the engine logger.
type LoggingHooks struct {
	logger Logger
}

// NewLoggingHooks creates logging hooks with the provided logger
func NewLoggingHooks(logger Logger) *LoggingHooks {
	return &LoggingHooks{logger: logger}
}

// Attach registers all logging handlers on the registry.
func (h *LoggingHooks) Attach(r *Registry) {
	r.OnFlowStart(h.FlowStart)
	r.OnFlowComplete(h.FlowComplete)
	r.OnClientTask(h.ClientTask)
	r.OnApprovalDecision(h.ApprovalDecision)
	r.OnHuntStateChange(h.HuntStateChange)
}

// FlowStart logs flow creation
func (h *LoggingHooks) FlowStart(ctx context.Context, ev FlowStartEvent) error {
	h.logger.Info("flow started",
		"session_id", ev.SessionID,
		"client_id", ev.ClientID,
		"flow", ev.Flow,
		"creator", ev.Creator)
	return nil
}

// FlowComplete logs flow termination
func (h *LoggingHooks) FlowComplete(ctx context.Context, ev FlowCompleteEvent) error {
	if ev.Error != "" {
		h.logger.Warn("flow failed",
			"session_id", ev.SessionID,
			"flow", ev.Flow,
			"state", ev.State,
			"error", ev.Error)
		return nil
	}
	h.logger.Info("flow complete",
		"session_id", ev.SessionID,
		"flow", ev.Flow,
		"state", ev.State)
	return nil
}

// ClientTask logs task scheduling
func (h *LoggingHooks) ClientTask(ctx context.Context, ev ClientTaskEvent) error {
	h.logger.Debug("client tasks scheduled",
		"client_id", ev.ClientID,
		"session_id", ev.SessionID,
		"action", ev.Action,
		"count", ev.TaskCount)
	return nil
}

// ApprovalDecision logs access decisions
func (h *LoggingHooks) ApprovalDecision(ctx context.Context, ev ApprovalDecisionEvent) error {
	switch ev.Outcome {
	case "denied":
		h.logger.Warn("access denied",
			"username", ev.Username,
			"target", ev.Target,
			"mode", ev.Mode,
			"reason", ev.Reason)
	case "breakglass":
		h.logger.Warn("break-glass access",
			"username", ev.Username,
			"target", ev.Target,
			"reason", ev.Reason)
	default:
		h.logger.Debug("access decision",
			"username", ev.Username,
			"target", ev.Target,
			"mode", ev.Mode,
			"outcome", ev.Outcome)
	}
	return nil
}

// HuntStateChange logs hunt transitions
func (h *LoggingHooks) HuntStateChange(ctx context.Context, ev HuntStateChangeEvent) error {
	h.logger.Info("hunt state change",
		"hunt_id", ev.HuntID,
		"old_state", ev.OldState,
		"new_state", ev.NewState,
		"username", ev.Username)
	return nil
}
