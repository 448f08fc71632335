package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Deps bundles the services the flow engine runs on. One Deps value is
// shared by every runner, worker and frontend in the process.
type Deps struct {
	Store  datastore.DataStore
	Queues *queue.Manager

	// ACL authorizes user-started flows. Nil disables authorization;
	// engine-internal starts (children, hunts, the foreman) run with a
	// nil token either way.
	ACL *acl.Manager

	Hooks  *hooks.Registry
	Logger Logger
}

// normalized returns a copy with the optional fields filled in.
func (d *Deps) normalized() *Deps {
	out := *d
	if out.Hooks == nil {
		out.Hooks = hooks.NewRegistry()
	}
	if out.Logger == nil {
		out.Logger = noopLogger{}
	}
	return &out
}

func (d *Deps) validate() error {
	if d.Store == nil {
		return fmt.Errorf("flow deps need a datastore")
	}
	if d.Queues == nil {
		return fmt.Errorf("flow deps need a queue manager")
	}
	return nil
}

// StartArgs describes a flow session to create.
type StartArgs struct {
	// FlowName is the registered flow to run (required).
	FlowName string

	// ClientID is the endpoint the flow targets. Empty for server-only
	// flows.
	ClientID types.ClientID

	// Args is the flow's argument document.
	Args types.Document

	// Creator is recorded on the session. User starts put the username
	// here; engine services put their component name.
	Creator string

	// Token authorizes a user start. Nil means an internal start, which
	// skips authorization.
	Token *acl.Token

	// SessionID overrides the minted session id. CallFlow and the hunt
	// scheduler assign ids before the session exists.
	SessionID types.SessionID

	// Parent wires the child side of CallFlow: replies and the final
	// status answer ParentRequestID on the Parent session.
	Parent          types.SessionID
	ParentRequestID uint64
	NotifyParent    bool

	// QueueName overrides the worker queue, which defaults to the one in
	// the session id.
	QueueName string

	Priority types.Priority

	// Resource budgets for the whole session. Zero means unlimited.
	CPULimit          float64
	NetworkBytesLimit uint64
}

// StartFlow creates a flow session and runs its Start state inline. The
// session exists once this returns: a Start that fails still leaves a
// session in ERROR state for the operator to inspect. The new session
// is always notified so a worker picks it up even if Start queued
// nothing, which lets the drain logic terminate empty flows.
func StartFlow(ctx context.Context, deps *Deps, args StartArgs) (types.SessionID, error) {
	deps = deps.normalized()
	if err := deps.validate(); err != nil {
		return "", err
	}

	def, ok := Lookup(args.FlowName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, args.FlowName)
	}

	if args.Token != nil && deps.ACL != nil {
		if err := deps.ACL.CheckIfCanStartFlow(ctx, args.Token, args.FlowName, def.Category()); err != nil {
			return "", err
		}
		if args.ClientID != "" {
			if err := deps.ACL.CheckClientAccess(ctx, args.Token, args.ClientID, acl.Write); err != nil {
				return "", err
			}
		}
	}

	return startFlow(ctx, deps, args)
}

// startFlow is the unauthorized core shared by StartFlow and the
// runner's deferred child starts.
func startFlow(ctx context.Context, deps *Deps, args StartArgs) (types.SessionID, error) {
	def, ok := Lookup(args.FlowName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, args.FlowName)
	}
	if !args.Args.IsZero() && def.ArgsType() != "" && args.Args.TypeName != def.ArgsType() {
		return "", fmt.Errorf("flow %q takes %s, got %s", args.FlowName, def.ArgsType(), args.Args.TypeName)
	}

	queueName := args.QueueName
	if queueName == "" {
		queueName = types.WorkerQueue
	}
	sessionID := args.SessionID
	if sessionID == "" {
		sessionID = types.NewSessionID(queueName)
	}

	now := deps.Store.Now()
	flowContext := &Context{
		SessionID:            sessionID,
		Name:                 args.FlowName,
		ClientID:             args.ClientID,
		State:                StateRunning,
		Creator:              args.Creator,
		QueueName:            queueName,
		Created:              now,
		NextOutboundID:       1,
		NextProcessedRequest: 1,
		Parent:               args.Parent,
		ParentRequestID:      args.ParentRequestID,
		NotifyParent:         args.NotifyParent,
		CPULimit:             args.CPULimit,
		NetworkBytesLimit:    args.NetworkBytesLimit,
	}

	tx, err := deps.Store.Transaction(ctx, sessionID.Subject())
	if err != nil {
		return "", fmt.Errorf("failed to open session transaction: %w", err)
	}
	if !args.Args.IsZero() {
		argsBuf, err := json.Marshal(args.Args)
		if err != nil {
			return "", fmt.Errorf("failed to marshal flow args: %w", err)
		}
		tx.Set(argsPredicate, argsBuf, 0, true)
	}

	r := NewRunner(deps, def, flowContext, tx, WithArgs(args.Args))
	r.runState(ctx, startStateName, newResponses(nil, nil))

	// The wakeup notification is sent regardless of what Start did, so a
	// worker pass observes the session at least once and can settle it:
	// a Start that queued nothing is terminated by the drain logic.
	r.notify(sessionID, 0)
	if err := r.Flush(ctx); err != nil {
		return sessionID, err
	}

	flowsStarted.WithLabelValues(args.FlowName).Inc()
	deps.Logger.Info("started flow",
		"session_id", sessionID,
		"flow", args.FlowName,
		"client_id", args.ClientID,
		"creator", args.Creator,
		"parent", args.Parent,
	)
	if err := deps.Hooks.TriggerFlowStart(ctx, hooks.FlowStartEvent{
		SessionID: sessionID,
		ClientID:  args.ClientID,
		Flow:      args.FlowName,
		Creator:   args.Creator,
		Parent:    args.Parent,
	}); err != nil {
		deps.Logger.Warn("flow start hook failed",
			"session_id", sessionID,
			"error", err,
		)
	}
	return sessionID, nil
}

// SynthesizeRequest appends an externally completed request to a live
// session: the request row commits under the session transaction, then
// the payload documents and a closing OK status arrive as its
// responses, then the session is woken. The hunt scheduler feeds
// AddClient work to hunt sessions this way. The random request id keeps
// scheduler appends from colliding with the session's own id sequence,
// which only unordered sessions tolerate.
func SynthesizeRequest(ctx context.Context, deps *Deps, sessionID types.SessionID, nextState string, clientID types.ClientID, docs ...types.Document) (uint64, error) {
	deps = deps.normalized()
	if err := deps.validate(); err != nil {
		return 0, err
	}

	requestID := queue.NewTaskID()
	err := datastore.RetryWrapper(ctx, deps.Store, sessionID.Subject(), func(tx datastore.Tx) error {
		flowContext, err := loadContextTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if flowContext.State.Terminal() {
			return fmt.Errorf("%w: %s", ErrFlowTerminated, sessionID)
		}
		flowContext.OutstandingRequests++
		buf, err := json.Marshal(flowContext)
		if err != nil {
			return fmt.Errorf("failed to marshal flow context: %w", err)
		}
		tx.Set(statePredicate, buf, 0, true)
		return deps.Queues.WriteRequest(tx, &types.RequestState{
			ID:        requestID,
			SessionID: sessionID,
			ClientID:  clientID,
			NextState: nextState,
			Created:   deps.Store.Now(),
		})
	})
	if err != nil {
		return 0, err
	}

	responseID := uint64(0)
	for _, doc := range docs {
		responseID++
		if err := deps.Queues.StoreResponse(ctx, &types.Message{
			Source:     string(clientID),
			SessionID:  sessionID,
			RequestID:  requestID,
			ResponseID: responseID,
			Type:       types.MessageTypeMessage,
			Payload:    doc,
		}); err != nil {
			return requestID, err
		}
	}
	status, err := types.NewStatusMessage(sessionID, requestID, responseID+1, &types.Status{Code: types.StatusOK})
	if err != nil {
		return requestID, err
	}
	if err := deps.Queues.StoreResponse(ctx, status); err != nil {
		return requestID, err
	}
	return requestID, deps.Queues.NotifySession(ctx, sessionID, 0)
}
