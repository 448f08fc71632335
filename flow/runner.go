package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/quarryhq/quarry/action"
	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// ResultsSubject is the collection holding a session's replies.
func ResultsSubject(sessionID types.SessionID) string {
	return sessionID.Subject() + "/Results"
}

// LogsSubject is the collection holding a session's log lines.
func LogsSubject(sessionID types.SessionID) string {
	return sessionID.Subject() + "/Logs"
}

// ClientsWithResultsSubject is the hunt-side collection of clients that
// replied at least once. Child flow runners append to it when they
// forward results to their parent hunt.
func ClientsWithResultsSubject(huntID types.SessionID) string {
	return huntID.Subject() + "/ClientsWithResults"
}

// ResultsPerTypeSubject is the hunt collection holding forwarded
// replies of a single payload type.
func ResultsPerTypeSubject(huntID types.SessionID, typeName string) string {
	return huntID.Subject() + "/ResultsPerType/" + typeName
}

// Results reads a session's stored results. Zero limit means no limit.
func Results(ctx context.Context, ds datastore.DataStore, sessionID types.SessionID, offset, limit int64) ([]types.Document, error) {
	return collection.New(ds, ResultsSubject(sessionID)).Items(ctx, offset, limit)
}

// Logs reads a session's stored log lines. Zero limit means no limit.
func Logs(ctx context.Context, ds datastore.DataStore, sessionID types.SessionID, offset, limit int64) ([]types.Document, error) {
	return collection.New(ds, LogsSubject(sessionID)).Items(ctx, offset, limit)
}

// LogLineTypeName is the document type of persisted flow log lines.
const LogLineTypeName = "LogLine"

// LogLine is one persisted flow log entry.
type LogLine struct {
	Message   string          `json:"message"`
	SessionID types.SessionID `json:"session_id,omitempty"`
	ClientID  types.ClientID  `json:"client_id,omitempty"`
	Flow      string          `json:"flow,omitempty"`
	Time      types.Timestamp `json:"time"`
}

// ClientMarkerTypeName is the document type recording a client id in the
// hunt's clients-with-results collection.
const ClientMarkerTypeName = "ClientMarker"

// ClientMarker records one client in a hunt membership collection.
type ClientMarker struct {
	ClientID types.ClientID  `json:"client_id"`
	Time     types.Timestamp `json:"time,omitempty"`
}

func init() {
	types.MustRegisterPayload(LogLineTypeName, LogLine{})
	types.MustRegisterPayload(ClientMarkerTypeName, ClientMarker{})
}

// Errors raised when a flow runs over its resource budget. The text is
// propagated into the flow's error message and backtrace, so operators
// and parent flows can match on it.
var (
	errCPULimit     = errors.New("CPU limit exceeded.")
	errNetworkLimit = errors.New("Network bytes limit exceeded.")
)

// Runner drives one flow session for one processing pass. It buffers
// every side effect and applies them in Flush: the context and request
// rows commit atomically in the session transaction first, and only
// after that commit are client tasks, cross-session messages, child
// flows and notifications released. A crash before the commit leaves
// no trace of the pass; a crash after it loses only deliveries that
// retransmission or the stuck-flow sweep recover.
type Runner struct {
	deps    *Deps
	def     Definition
	states  map[string]StateFn
	context *Context
	args    types.Document
	tx      datastore.Tx
	logger  Logger

	flushed bool

	pendingRequests      []*types.RequestState
	pendingTasks         []*types.Message
	pendingMessages      []*types.Message
	pendingChildren      []StartArgs
	pendingResults       []types.Document
	pendingLogs          []LogLine
	pendingEffects       []func(context.Context) error
	pendingNotifications map[types.SessionID]types.Timestamp

	heartbeat func()
}

// RunnerOption adjusts a Runner.
type RunnerOption func(*Runner)

// WithHeartbeat sets a callback invoked between state invocations so
// long passes can extend their queue claim.
func WithHeartbeat(fn func()) RunnerOption {
	return func(r *Runner) { r.heartbeat = fn }
}

// WithArgs provides the session's start arguments to the runner.
func WithArgs(args types.Document) RunnerOption {
	return func(r *Runner) { r.args = args }
}

// NewRunner wraps a loaded flow context in a runner bound to the open
// session transaction. The transaction must be on the session subject.
func NewRunner(deps *Deps, def Definition, flowContext *Context, tx datastore.Tx, opts ...RunnerOption) *Runner {
	deps = deps.normalized()
	r := &Runner{
		deps:                 deps,
		def:                  def,
		states:               def.States(),
		context:              flowContext,
		tx:                   tx,
		logger:               deps.Logger,
		pendingNotifications: make(map[types.SessionID]types.Timestamp),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Context returns the session's persisted state. Callers may read it;
// flow authors mutate it only through Put.
func (r *Runner) Context() *Context { return r.context }

// SessionID returns the session this runner drives.
func (r *Runner) SessionID() types.SessionID { return r.context.SessionID }

// ClientID returns the client the flow targets, if any.
func (r *Runner) ClientID() types.ClientID { return r.context.ClientID }

// Args returns the document the flow was started with.
func (r *Runner) Args() types.Document { return r.args }

// Store exposes the engine datastore for flows that read client
// attributes or write them from responses.
func (r *Runner) Store() datastore.DataStore { return r.deps.Store }

// Queues exposes the queue manager for flows that inspect their own
// request plumbing. The hunt runner walks its request table with it
// when a stop has to reach running children.
func (r *Runner) Queues() *queue.Manager { return r.deps.Queues }

// Hooks exposes the engine hook registry, never nil.
func (r *Runner) Hooks() *hooks.Registry { return r.deps.Hooks }

// SetAttribute buffers a write on the session subject into the pass
// transaction, so it commits atomically with the flow context. The hunt
// runner persists the hunt object this way.
func (r *Runner) SetAttribute(predicate string, value []byte, replace bool) {
	r.tx.Set(predicate, value, 0, replace)
}

// Defer queues fn to run after the pass transaction commits. A pass
// that conflicts and retries never runs the effects of the discarded
// attempt.
func (r *Runner) Defer(fn func(context.Context) error) {
	r.pendingEffects = append(r.pendingEffects, fn)
}

func (r *Runner) beat() {
	if r.heartbeat != nil {
		r.heartbeat()
	}
}

func (r *Runner) checkLive() error {
	if r.flushed {
		return ErrFlowFlushed
	}
	if r.context.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrFlowTerminated, r.context.SessionID)
	}
	return nil
}

func (r *Runner) checkNextState(name string) error {
	if _, ok := r.states[name]; !ok {
		return fmt.Errorf("flow %s declares no state %q", r.context.Name, name)
	}
	return nil
}

// notify coalesces wakeups per session, keeping the earliest
// eligibility so a delayed notify never postpones an immediate one.
func (r *Runner) notify(sessionID types.SessionID, eligibleAfter types.Timestamp) {
	if current, ok := r.pendingNotifications[sessionID]; !ok || eligibleAfter < current {
		r.pendingNotifications[sessionID] = eligibleAfter
	}
}

func (r *Runner) nextRequestID() uint64 {
	id := r.context.NextOutboundID
	r.context.NextOutboundID++
	r.context.OutstandingRequests++
	return id
}

// CallOption adjusts a single Call* invocation.
type CallOption func(*callOptions)

type callOptions struct {
	startTime    types.Timestamp
	data         map[string]types.Document
	clientID     types.ClientID
	cpuLimit     float64
	networkLimit uint64
}

// WithStartTime delays processing of the queued request until ts. Only
// CallState honors it; hunt pacing is built on this.
func WithStartTime(ts types.Timestamp) CallOption {
	return func(o *callOptions) { o.startTime = ts }
}

// WithClient aims a child flow at a specific client instead of the
// session's own. Hunts run without a client and use this to fan one
// flow out across the fleet.
func WithClient(clientID types.ClientID) CallOption {
	return func(o *callOptions) { o.clientID = clientID }
}

// WithLimits caps a child flow's resource budgets. The child gets the
// smaller of the given cap and whatever remains of this session's own
// budget; zero leaves a dimension uncapped.
func WithLimits(cpuSeconds float64, networkBytes uint64) CallOption {
	return func(o *callOptions) {
		o.cpuLimit = cpuSeconds
		o.networkLimit = networkBytes
	}
}

// WithRequestData attaches a value to the request row. The next state
// reads it back from responses.Request().Data, which is how a state
// passes context to its successor without touching the flow's Data.
func WithRequestData(key string, doc types.Document) CallOption {
	return func(o *callOptions) {
		if o.data == nil {
			o.data = make(map[string]types.Document)
		}
		o.data[key] = doc
	}
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CallClient queues a client action and routes its responses to
// nextState. The request and its outbound task become durable at Flush.
// Exceeding a resource budget fails immediately so the state that
// called it can surface the error.
func (r *Runner) CallClient(ctx context.Context, actionName string, args any, nextState string, opts ...CallOption) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	if r.context.ClientID == "" {
		return fmt.Errorf("flow %s runs without a client, cannot call %q", r.context.SessionID, actionName)
	}
	def, ok := action.Lookup(actionName)
	if !ok {
		return fmt.Errorf("unknown client action %q", actionName)
	}
	if err := r.checkNextState(nextState); err != nil {
		return err
	}

	var cpuLimit float64
	if r.context.CPULimit > 0 {
		cpuLimit = r.context.CPULimit - r.context.CPUUsed
		if cpuLimit <= 0 {
			return errCPULimit
		}
	}
	var networkLimit uint64
	if r.context.NetworkBytesLimit > 0 {
		remaining := int64(r.context.NetworkBytesLimit) - int64(r.context.NetworkBytesUsed)
		if remaining <= 0 {
			return errNetworkLimit
		}
		networkLimit = uint64(remaining)
	}

	payload, err := actionPayload(def, args)
	if err != nil {
		return err
	}

	o := applyCallOptions(opts)
	requestID := r.nextRequestID()

	msg := &types.Message{
		SessionID:         r.context.SessionID,
		RequestID:         requestID,
		Name:              actionName,
		Payload:           payload,
		Type:              types.MessageTypeMessage,
		Priority:          types.PriorityMedium,
		TaskID:            queue.NewTaskID(),
		RequireFastPoll:   true,
		CPULimit:          cpuLimit,
		NetworkBytesLimit: networkLimit,
	}

	r.pendingRequests = append(r.pendingRequests, &types.RequestState{
		ID:                requestID,
		SessionID:         r.context.SessionID,
		ClientID:          r.context.ClientID,
		NextState:         nextState,
		Data:              o.data,
		TransmissionCount: 1,
		Request:           msg,
		Created:           r.deps.Store.Now(),
	})
	r.pendingTasks = append(r.pendingTasks, msg)
	requestsIssued.WithLabelValues("client").Inc()
	return nil
}

// actionPayload builds and type-checks the argument document for a
// client action. A mismatched document fails here, at flow-author time.
func actionPayload(def *action.Definition, args any) (types.Document, error) {
	if args == nil {
		if def.ArgsType != "" {
			return types.Document{}, fmt.Errorf("action %q requires %s arguments", def.Name, def.ArgsType)
		}
		return types.Document{}, nil
	}
	if doc, ok := args.(types.Document); ok {
		if def.ArgsType != "" && doc.TypeName != def.ArgsType {
			return types.Document{}, fmt.Errorf("action %q takes %s, got %s", def.Name, def.ArgsType, doc.TypeName)
		}
		return doc, nil
	}
	if def.ArgsType == "" {
		return types.Document{}, fmt.Errorf("action %q takes no arguments", def.Name)
	}
	return types.NewDocument(def.ArgsType, args)
}

// CallFlow starts a child flow whose replies and final status complete
// a request on this session, resuming nextState. The child is created
// at Flush, after this session's request row is durable; the returned
// session id is assigned now so the caller can persist it.
func (r *Runner) CallFlow(ctx context.Context, flowName string, args any, nextState string, opts ...CallOption) (types.SessionID, error) {
	if err := r.checkLive(); err != nil {
		return "", err
	}
	childDef, ok := Lookup(flowName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, flowName)
	}
	if err := r.checkNextState(nextState); err != nil {
		return "", err
	}
	argsDoc, err := flowPayload(childDef, args)
	if err != nil {
		return "", err
	}

	// The child's budget is the smaller of the caller's cap and what is
	// left of this session's own budget.
	o := applyCallOptions(opts)
	cpuLimit := o.cpuLimit
	if r.context.CPULimit > 0 {
		remaining := r.context.CPULimit - r.context.CPUUsed
		if remaining <= 0 {
			return "", errCPULimit
		}
		if cpuLimit == 0 || remaining < cpuLimit {
			cpuLimit = remaining
		}
	}
	networkLimit := o.networkLimit
	if r.context.NetworkBytesLimit > 0 {
		remaining := int64(r.context.NetworkBytesLimit) - int64(r.context.NetworkBytesUsed)
		if remaining <= 0 {
			return "", errNetworkLimit
		}
		if networkLimit == 0 || uint64(remaining) < networkLimit {
			networkLimit = uint64(remaining)
		}
	}

	clientID := r.context.ClientID
	if o.clientID != "" {
		clientID = o.clientID
	}
	requestID := r.nextRequestID()
	childID := types.NewSessionID(types.WorkerQueue)

	r.pendingRequests = append(r.pendingRequests, &types.RequestState{
		ID:             requestID,
		SessionID:      r.context.SessionID,
		ClientID:       clientID,
		NextState:      nextState,
		Data:           o.data,
		ChildSessionID: childID,
		Created:        r.deps.Store.Now(),
	})
	r.pendingChildren = append(r.pendingChildren, StartArgs{
		FlowName:          flowName,
		SessionID:         childID,
		ClientID:          clientID,
		Args:              argsDoc,
		Creator:           r.context.Creator,
		Parent:            r.context.SessionID,
		ParentRequestID:   requestID,
		NotifyParent:      true,
		CPULimit:          cpuLimit,
		NetworkBytesLimit: networkLimit,
	})
	requestsIssued.WithLabelValues("flow").Inc()
	return childID, nil
}

// flowPayload builds and type-checks the argument document for a child
// flow.
func flowPayload(def Definition, args any) (types.Document, error) {
	argsType := def.ArgsType()
	if args == nil {
		return types.Document{}, nil
	}
	if doc, ok := args.(types.Document); ok {
		if argsType != "" && !doc.IsZero() && doc.TypeName != argsType {
			return types.Document{}, fmt.Errorf("flow %q takes %s, got %s", def.Name(), argsType, doc.TypeName)
		}
		return doc, nil
	}
	if argsType == "" {
		return types.Document{}, fmt.Errorf("flow %q takes no arguments", def.Name())
	}
	return types.NewDocument(argsType, args)
}

// CallState schedules a state of this same flow. The request is
// completed synthetically at Flush, so the next worker pass runs
// nextState with the given documents as its responses. WithStartTime
// defers that pass.
func (r *Runner) CallState(ctx context.Context, docs []types.Document, nextState string, opts ...CallOption) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	if err := r.checkNextState(nextState); err != nil {
		return err
	}

	o := applyCallOptions(opts)
	requestID := r.nextRequestID()

	r.pendingRequests = append(r.pendingRequests, &types.RequestState{
		ID:        requestID,
		SessionID: r.context.SessionID,
		NextState: nextState,
		Data:      o.data,
		StartTime: o.startTime,
		Created:   r.deps.Store.Now(),
	})

	responseID := uint64(0)
	for _, doc := range docs {
		responseID++
		r.pendingMessages = append(r.pendingMessages, &types.Message{
			Source:     string(r.context.SessionID),
			SessionID:  r.context.SessionID,
			RequestID:  requestID,
			ResponseID: responseID,
			Type:       types.MessageTypeMessage,
			Payload:    doc,
		})
	}
	status, err := types.NewStatusMessage(r.context.SessionID, requestID, responseID+1, &types.Status{Code: types.StatusOK})
	if err != nil {
		return err
	}
	r.pendingMessages = append(r.pendingMessages, status)
	r.notify(r.context.SessionID, o.startTime)
	requestsIssued.WithLabelValues("state").Inc()
	return nil
}

// SendReply appends a result to the session's results collection and,
// for child flows, forwards it to the parent request.
func (r *Runner) SendReply(ctx context.Context, doc types.Document) error {
	if err := r.checkLive(); err != nil {
		return err
	}
	r.pendingResults = append(r.pendingResults, doc)

	if r.context.Parent != "" && r.context.NotifyParent {
		r.context.ParentResponseCount++
		r.pendingMessages = append(r.pendingMessages, &types.Message{
			Source:     string(r.context.SessionID),
			SessionID:  r.context.Parent,
			RequestID:  r.context.ParentRequestID,
			ResponseID: r.context.ParentResponseCount,
			Name:       r.context.Name,
			Type:       types.MessageTypeMessage,
			Payload:    doc,
		})
	}
	repliesSent.Inc()
	return nil
}

// Log records a line on the session's log collection and mirrors it to
// the engine logger. Hunt children log to the hunt as well.
func (r *Runner) Log(ctx context.Context, format string, args ...any) {
	line := LogLine{
		Message:   fmt.Sprintf(format, args...),
		SessionID: r.context.SessionID,
		ClientID:  r.context.ClientID,
		Flow:      r.context.Name,
		Time:      r.deps.Store.Now(),
	}
	r.pendingLogs = append(r.pendingLogs, line)
	r.logger.Info("flow log",
		"session_id", r.context.SessionID,
		"flow", r.context.Name,
		"message", line.Message,
	)
}

// Terminate finishes the flow normally: outstanding requests are
// dropped, the parent (if any) receives an OK status carrying this
// session's resource usage, and the state becomes TERMINATED.
func (r *Runner) Terminate(ctx context.Context) error {
	return r.finish(ctx, &types.Status{Code: types.StatusOK}, StateTerminated)
}

// Error fails the flow. The parent receives a GENERIC_ERROR status and
// the state becomes ERROR. A nil flowErr keeps any message already set.
func (r *Runner) Error(ctx context.Context, flowErr error) error {
	message := r.context.ErrorMessage
	if flowErr != nil {
		message = flowErr.Error()
	}
	return r.fail(ctx, message, "")
}

func (r *Runner) fail(ctx context.Context, message, backtrace string) error {
	if backtrace == "" {
		// Budget and author errors carry no stack; the message doubles as
		// the backtrace so failure surfaces match on either field.
		backtrace = message
	}
	r.context.ErrorMessage = message
	r.context.Backtrace = backtrace
	status := &types.Status{
		Code:         types.StatusGenericError,
		ErrorMessage: message,
		Backtrace:    backtrace,
	}
	flowErrors.Inc()
	return r.finish(ctx, status, StateError)
}

// finish moves the flow to a terminal state exactly once. Later calls
// are no-ops so a failure inside End cannot terminate twice.
func (r *Runner) finish(ctx context.Context, status *types.Status, final State) error {
	if r.context.State.Terminal() {
		return nil
	}
	if r.flushed {
		return ErrFlowFlushed
	}

	// The request table is dead weight once the flow is final. Dropping
	// it outside the transaction is safe: plain deletes do not contend
	// with the session lock, and a crash here is caught by the sweep.
	if err := r.deps.Queues.DeleteAllRequests(ctx, r.context.SessionID); err != nil {
		r.logger.Warn("failed to drop request table",
			"session_id", r.context.SessionID,
			"error", err,
		)
	}
	r.context.OutstandingRequests = 0

	if r.context.Parent != "" && r.context.NotifyParent {
		status.ChildSessionID = r.context.SessionID
		status.CPUSeconds = r.context.CPUUsed
		status.NetworkBytes = r.context.NetworkBytesUsed
		msg, err := types.NewStatusMessage(r.context.Parent, r.context.ParentRequestID, r.context.ParentResponseCount+1, status)
		if err != nil {
			return err
		}
		msg.Source = string(r.context.SessionID)
		r.pendingMessages = append(r.pendingMessages, msg)
		r.notify(r.context.Parent, 0)
	}

	r.context.State = final
	completions.WithLabelValues(string(final)).Inc()
	r.logger.Info("flow finished",
		"session_id", r.context.SessionID,
		"flow", r.context.Name,
		"state", final,
		"error", r.context.ErrorMessage,
	)

	if err := r.deps.Hooks.TriggerFlowComplete(ctx, hooks.FlowCompleteEvent{
		SessionID: r.context.SessionID,
		ClientID:  r.context.ClientID,
		Flow:      r.context.Name,
		State:     string(final),
		Error:     r.context.ErrorMessage,
	}); err != nil {
		r.logger.Warn("flow complete hook failed",
			"session_id", r.context.SessionID,
			"error", err,
		)
	}
	return nil
}

// runState invokes one state method, converting a returned error or a
// panic into flow failure. The flow survives in ERROR state either way;
// the worker pass itself never dies to a misbehaving flow.
func (r *Runner) runState(ctx context.Context, name string, responses *Responses) {
	defer r.beat()
	defer func() {
		if rec := recover(); rec != nil {
			statesFailed.Inc()
			if err := r.fail(ctx, fmt.Sprintf("state %s panicked: %v", name, rec), string(debug.Stack())); err != nil {
				r.logger.Error("failed to record flow panic",
					"session_id", r.context.SessionID,
					"error", err,
				)
			}
		}
	}()

	statesRun.Inc()
	var err error
	if name == startStateName {
		err = r.def.Start(ctx, r)
	} else {
		handler, ok := r.states[name]
		if !ok {
			err = fmt.Errorf("flow %s declares no state %q", r.context.Name, name)
		} else {
			err = handler(ctx, r, responses)
		}
	}
	if err != nil {
		statesFailed.Inc()
		if ferr := r.fail(ctx, err.Error(), ""); ferr != nil {
			r.logger.Error("failed to record flow error",
				"session_id", r.context.SessionID,
				"error", ferr,
			)
		}
	}
}

// accountStatus accumulates client resource usage and enforces the
// session budgets.
func (r *Runner) accountStatus(status *types.Status) error {
	r.context.CPUUsed += status.CPUSeconds
	r.context.NetworkBytesUsed += status.NetworkBytes

	if r.context.CPULimit > 0 && r.context.CPUUsed > r.context.CPULimit {
		return errCPULimit
	}
	if r.context.NetworkBytesLimit > 0 && r.context.NetworkBytesUsed > r.context.NetworkBytesLimit {
		return errNetworkLimit
	}
	return nil
}

// Flush persists the pass. Order matters: the context, summary and new
// request rows commit atomically in the session transaction; client
// tasks, cross-session messages, child flows and notifications are
// released only after that commit so no observer acts on state that
// could still roll back.
func (r *Runner) Flush(ctx context.Context) error {
	if r.flushed {
		return ErrFlowFlushed
	}
	r.flushed = true

	if !r.context.State.Terminal() {
		if r.context.OutstandingRequests > 0 {
			r.context.State = StatePending
		} else {
			r.context.State = StateRunning
		}
	}

	now := r.deps.Store.Now()
	stateBuf, err := json.Marshal(r.context)
	if err != nil {
		return fmt.Errorf("failed to marshal flow context: %w", err)
	}
	summaryBuf, err := json.Marshal(r.context.summary(now))
	if err != nil {
		return fmt.Errorf("failed to marshal flow summary: %w", err)
	}
	r.tx.Set(statePredicate, stateBuf, 0, true)
	r.tx.Set(summaryPredicate, summaryBuf, 0, true)

	for _, req := range r.pendingRequests {
		if err := r.deps.Queues.WriteRequest(r.tx, req); err != nil {
			return err
		}
	}
	if err := r.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", r.context.SessionID, err)
	}

	return r.releaseEffects(ctx)
}

// releaseEffects applies everything that must wait for the commit.
// Failures here are returned so the worker keeps the claim and the
// session is retried, but the committed state is not rolled back.
func (r *Runner) releaseEffects(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(r.pendingTasks) > 0 {
		err := r.deps.Queues.ScheduleTasks(ctx, r.context.ClientID, r.pendingTasks)
		keep(err)
		if err == nil {
			keep(r.deps.Hooks.TriggerClientTask(ctx, hooks.ClientTaskEvent{
				ClientID:  r.context.ClientID,
				SessionID: r.context.SessionID,
				Action:    r.pendingTasks[0].Name,
				TaskCount: len(r.pendingTasks),
			}))
		}
	}

	for _, msg := range r.pendingMessages {
		keep(r.deps.Queues.StoreResponse(ctx, msg))
	}

	for _, child := range r.pendingChildren {
		if _, err := startFlow(ctx, r.deps, child); err != nil {
			r.logger.Error("failed to start child flow",
				"session_id", r.context.SessionID,
				"flow", child.FlowName,
				"error", err,
			)
			keep(r.failChildRequest(ctx, child, err))
		}
	}

	for _, fn := range r.pendingEffects {
		keep(fn(ctx))
	}

	keep(r.flushResults(ctx))
	keep(r.flushLogs(ctx))

	for sessionID, eligibleAfter := range r.pendingNotifications {
		keep(r.deps.Queues.NotifySession(ctx, sessionID, eligibleAfter))
	}
	return firstErr
}

// failChildRequest closes the request a child flow should have answered
// when the child could not be created, so the parent fails fast instead
// of waiting for the stuck-flow sweep.
func (r *Runner) failChildRequest(ctx context.Context, child StartArgs, cause error) error {
	status := &types.Status{
		Code:         types.StatusGenericError,
		ErrorMessage: fmt.Sprintf("child flow %s failed to start: %v", child.FlowName, cause),
	}
	msg, err := types.NewStatusMessage(r.context.SessionID, child.ParentRequestID, 1, status)
	if err != nil {
		return err
	}
	if err := r.deps.Queues.StoreResponse(ctx, msg); err != nil {
		return err
	}
	return r.deps.Queues.NotifySession(ctx, r.context.SessionID, 0)
}

func (r *Runner) flushResults(ctx context.Context) error {
	if len(r.pendingResults) == 0 {
		return nil
	}
	own := collection.New(r.deps.Store, ResultsSubject(r.context.SessionID))
	if err := own.Add(ctx, r.pendingResults...); err != nil {
		return fmt.Errorf("failed to store results: %w", err)
	}

	if !r.context.Parent.IsHunt() {
		return nil
	}
	// Hunt results fan into the hunt's collections and wake the output
	// processor through the shared results queue.
	huntResults := collection.New(r.deps.Store, ResultsSubject(r.context.Parent))
	if err := huntResults.Add(ctx, r.pendingResults...); err != nil {
		return fmt.Errorf("failed to store hunt results: %w", err)
	}
	byType := make(map[string][]types.Document)
	for _, doc := range r.pendingResults {
		byType[doc.TypeName] = append(byType[doc.TypeName], doc)
	}
	for typeName, docs := range byType {
		perType := collection.New(r.deps.Store, ResultsPerTypeSubject(r.context.Parent, typeName))
		if err := perType.Add(ctx, docs...); err != nil {
			return fmt.Errorf("failed to store hunt results for type %s: %w", typeName, err)
		}
	}
	huntResultsAdded.Add(float64(len(r.pendingResults)))
	marker := types.MustDocument(ClientMarkerTypeName, ClientMarker{
		ClientID: r.context.ClientID,
		Time:     r.deps.Store.Now(),
	})
	withResults := collection.New(r.deps.Store, ClientsWithResultsSubject(r.context.Parent))
	if err := withResults.Add(ctx, marker); err != nil {
		return fmt.Errorf("failed to record hunt client: %w", err)
	}
	return r.deps.Queues.NotifyOnSubject(ctx, types.HuntResultsQueueSubject, r.context.Parent, 0)
}

func (r *Runner) flushLogs(ctx context.Context) error {
	if len(r.pendingLogs) == 0 {
		return nil
	}
	docs := make([]types.Document, 0, len(r.pendingLogs))
	for _, line := range r.pendingLogs {
		doc, err := types.NewDocument(LogLineTypeName, line)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	logs := collection.New(r.deps.Store, LogsSubject(r.context.SessionID))
	if err := logs.Add(ctx, docs...); err != nil {
		return fmt.Errorf("failed to store flow logs: %w", err)
	}
	if r.context.Parent.IsHunt() {
		huntLogs := collection.New(r.deps.Store, LogsSubject(r.context.Parent))
		if err := huntLogs.Add(ctx, docs...); err != nil {
			return fmt.Errorf("failed to store hunt logs: %w", err)
		}
	}
	return nil
}
