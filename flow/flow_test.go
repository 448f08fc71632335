package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quarryhq/quarry/action"
	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

func newTestDeps(t *testing.T) (*Deps, *memdb.Store) {
	t.Helper()
	store := memdb.New()
	return &Deps{Store: store, Queues: queue.NewManager(store, nil)}, store
}

func registerTestFlows(t *testing.T, defs ...Definition) {
	t.Helper()
	ClearRegistry()
	for _, def := range defs {
		MustRegister(def)
	}
	t.Cleanup(ClearRegistry)
}

// respond plays the client side: store the regular responses, close the
// request with a status, and return. Tests drive worker passes through
// ProcessSession directly, so no notification is needed.
func respond(ctx context.Context, t *testing.T, qm *queue.Manager, sid types.SessionID, requestID uint64, status *types.Status, payloads ...types.Document) {
	t.Helper()
	responseID := uint64(0)
	for _, payload := range payloads {
		responseID++
		err := qm.StoreResponse(ctx, &types.Message{
			SessionID:  sid,
			RequestID:  requestID,
			ResponseID: responseID,
			Type:       types.MessageTypeMessage,
			Payload:    payload,
		})
		if err != nil {
			t.Fatalf("StoreResponse() error = %v", err)
		}
	}
	msg, err := types.NewStatusMessage(sid, requestID, responseID+1, status)
	if err != nil {
		t.Fatalf("NewStatusMessage() error = %v", err)
	}
	if err := qm.StoreResponse(ctx, msg); err != nil {
		t.Fatalf("StoreResponse(status) error = %v", err)
	}
}

func okStatus() *types.Status {
	return &types.Status{Code: types.StatusOK}
}

// echoFlow round-trips one Echo action and replies with its results.
type echoFlow struct {
	Base
	calls *[]string
}

func (f *echoFlow) Name() string     { return "TestEcho" }
func (f *echoFlow) ArgsType() string { return "EchoArgs" }

func (f *echoFlow) Start(ctx context.Context, r *Runner) error {
	return r.CallClient(ctx, "Echo", r.Args(), "Reply")
}

func (f *echoFlow) States() map[string]StateFn {
	return map[string]StateFn{
		"Reply": func(ctx context.Context, r *Runner, responses *Responses) error {
			if f.calls != nil {
				*f.calls = append(*f.calls, "Reply")
			}
			if !responses.Success() {
				return fmt.Errorf("echo failed: %s", responses.Status().ErrorMessage)
			}
			for _, msg := range responses.Messages() {
				if err := r.SendReply(ctx, msg.Payload); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// twoCallFlow issues two client requests from Start and records the
// order their states run in.
type twoCallFlow struct {
	Base
	calls *[]string
}

func (f *twoCallFlow) Name() string { return "TestTwoCalls" }

func (f *twoCallFlow) Start(ctx context.Context, r *Runner) error {
	if err := r.CallClient(ctx, "Echo", action.EchoArgs{Data: "one"}, "First"); err != nil {
		return err
	}
	return r.CallClient(ctx, "Echo", action.EchoArgs{Data: "two"}, "Second")
}

func (f *twoCallFlow) States() map[string]StateFn {
	record := func(name string) StateFn {
		return func(ctx context.Context, r *Runner, responses *Responses) error {
			*f.calls = append(*f.calls, name)
			return nil
		}
	}
	return map[string]StateFn{
		"First":  record("First"),
		"Second": record("Second"),
	}
}

// budgetFlow keeps calling Echo until its budget runs out.
type budgetFlow struct {
	Base
	calls *[]string
}

func (f *budgetFlow) Name() string { return "TestBudget" }

func (f *budgetFlow) Start(ctx context.Context, r *Runner) error {
	return r.CallClient(ctx, "Echo", action.EchoArgs{Data: "x"}, "Step")
}

func (f *budgetFlow) States() map[string]StateFn {
	return map[string]StateFn{
		"Step": func(ctx context.Context, r *Runner, responses *Responses) error {
			*f.calls = append(*f.calls, "Step")
			if !responses.Success() {
				return fmt.Errorf("echo failed: %s", responses.Status().ErrorMessage)
			}
			return r.CallClient(ctx, "Echo", action.EchoArgs{Data: "x"}, "Step")
		},
	}
}

// replyChildFlow replies once and finishes without client work.
type replyChildFlow struct{ Base }

func (replyChildFlow) Name() string { return "TestChild" }

func (replyChildFlow) Start(ctx context.Context, r *Runner) error {
	return r.SendReply(ctx, types.MustDocument("EchoResult", action.EchoResult{Data: "from-child"}))
}

// parentFlow starts a child flow and records what comes back.
type parentFlow struct {
	Base
	childID *types.SessionID
	got     *[]types.Document
	status  **types.Status
}

func (f *parentFlow) Name() string { return "TestParent" }

func (f *parentFlow) Start(ctx context.Context, r *Runner) error {
	id, err := r.CallFlow(ctx, "TestChild", nil, "Done")
	if err != nil {
		return err
	}
	*f.childID = id
	return nil
}

func (f *parentFlow) States() map[string]StateFn {
	return map[string]StateFn{
		"Done": func(ctx context.Context, r *Runner, responses *Responses) error {
			*f.got = append(*f.got, responses.Documents()...)
			*f.status = responses.Status()
			return nil
		},
	}
}

// callStateFlow defers work to a later pass of itself.
type callStateFlow struct {
	Base
	calls *[]string
}

func (f *callStateFlow) Name() string { return "TestCallState" }

func (f *callStateFlow) Start(ctx context.Context, r *Runner) error {
	docs := []types.Document{
		types.MustDocument("EchoResult", action.EchoResult{Data: "deferred"}),
	}
	return r.CallState(ctx, docs, "Process")
}

func (f *callStateFlow) States() map[string]StateFn {
	return map[string]StateFn{
		"Process": func(ctx context.Context, r *Runner, responses *Responses) error {
			*f.calls = append(*f.calls, "Process")
			for _, doc := range responses.Documents() {
				if err := r.SendReply(ctx, doc); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// logFlow logs one line and finishes immediately.
type logFlow struct{ Base }

func (logFlow) Name() string { return "TestLog" }

func (logFlow) Start(ctx context.Context, r *Runner) error {
	r.Log(ctx, "hello from %s", "start")
	return nil
}

func TestStartFlowQueuesClientTask(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	registerTestFlows(t, &echoFlow{})

	clientID := types.ClientID("C.1111222233334444")
	args := types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"})
	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestEcho",
		ClientID: clientID,
		Args:     args,
		Creator:  "alice",
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	fctx, err := LoadContext(ctx, store, sid)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if fctx.State != StatePending {
		t.Errorf("state = %s, want PENDING while the request is out", fctx.State)
	}
	if fctx.NextOutboundID != 2 || fctx.NextProcessedRequest != 1 {
		t.Errorf("ids = (%d, %d), want next outbound 2 and next processed 1",
			fctx.NextOutboundID, fctx.NextProcessedRequest)
	}
	if fctx.OutstandingRequests != 1 {
		t.Errorf("outstanding = %d, want 1", fctx.OutstandingRequests)
	}

	tasks, err := deps.Queues.QueryAndOwn(ctx, clientID, time.Minute, 0)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].SessionID != sid || tasks[0].RequestID != 1 || tasks[0].Name != "Echo" {
		t.Errorf("task = %+v, want Echo request 1 for %s", tasks[0], sid)
	}

	notifications, err := deps.Queues.ListNotifications(ctx, types.QueueSubject(types.WorkerQueue))
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(notifications) != 1 || notifications[0].SessionID != sid {
		t.Errorf("notifications = %+v, want one for %s", notifications, sid)
	}
}

func TestRequestsProcessedInOrder(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &twoCallFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestTwoCalls",
		ClientID: types.ClientID("C.1111222233334444"),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	// The second request completes first; it must wait for the first.
	respond(ctx, t, deps.Queues, sid, 2, okStatus())
	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("calls = %v, want none while request 1 is incomplete", calls)
	}
	if fctx.NextProcessedRequest != 1 {
		t.Errorf("next processed = %d, want still 1", fctx.NextProcessedRequest)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus())
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if want := []string{"First", "Second"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	final, err := LoadContext(ctx, store, sid)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if final.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED after draining", final.State)
	}
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &twoCallFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestTwoCalls",
		ClientID: types.ClientID("C.1111222233334444"),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, okStatus())
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	// The client re-delivers the same responses. The request row is gone,
	// so the duplicate must not reach the state machine.
	respond(ctx, t, deps.Queues, sid, 1, okStatus())
	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if want := []string{"First"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if fctx.NextProcessedRequest != 2 {
		t.Errorf("next processed = %d, want 2", fctx.NextProcessedRequest)
	}

	respond(ctx, t, deps.Queues, sid, 2, okStatus())
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if want := []string{"First", "Second"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestStaleRequestRowDropped(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &twoCallFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestTwoCalls",
		ClientID: types.ClientID("C.1111222233334444"),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	respond(ctx, t, deps.Queues, sid, 1, okStatus())
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	// Recreate a completed row for the already processed request id.
	tx, err := store.Transaction(ctx, sid.Subject())
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if err := deps.Queues.WriteRequest(tx, &types.RequestState{
		ID:        1,
		SessionID: sid,
		NextState: "First",
	}); err != nil {
		t.Fatalf("WriteRequest() error = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	respond(ctx, t, deps.Queues, sid, 1, okStatus())

	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if want := []string{"First"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want the stale row dropped without a state run", calls)
	}

	table, err := deps.Queues.Requests(ctx, sid)
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	for _, tr := range table {
		if tr.ID == 1 {
			t.Errorf("request row 1 survived, want it deleted as stale")
		}
	}
}

func TestCPUBudgetFailsFlow(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &budgetFlow{calls: &calls})

	clientID := types.ClientID("C.1111222233334444")
	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestBudget",
		ClientID: clientID,
		CPULimit: 7,
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	tasks, err := deps.Queues.QueryAndOwn(ctx, clientID, time.Minute, 0)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].CPULimit != 7 {
		t.Fatalf("first task = %+v, want CPU limit 7", tasks)
	}

	respond(ctx, t, deps.Queues, sid, 1, &types.Status{Code: types.StatusOK, CPUSeconds: 4})
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	// The follow-up request carries the remaining budget.
	tasks, err = deps.Queues.QueryAndOwn(ctx, clientID, time.Minute, 0)
	if err != nil {
		t.Fatalf("QueryAndOwn() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].CPULimit != 3 {
		t.Fatalf("second task = %+v, want CPU limit 3", tasks)
	}

	respond(ctx, t, deps.Queues, sid, 2, &types.Status{Code: types.StatusOK, CPUSeconds: 4})
	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	if fctx.State != StateError {
		t.Fatalf("state = %s, want ERROR after blowing the budget", fctx.State)
	}
	if fctx.ErrorMessage != "CPU limit exceeded." {
		t.Errorf("error message = %q, want %q", fctx.ErrorMessage, "CPU limit exceeded.")
	}
	if !strings.Contains(fctx.Backtrace, "CPU limit exceeded") {
		t.Errorf("backtrace = %q, want it to name the exceeded limit", fctx.Backtrace)
	}
	if want := []string{"Step"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want the state skipped once over budget", calls)
	}

	table, err := deps.Queues.Requests(ctx, sid)
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(table) != 0 {
		t.Errorf("request table has %d rows after failure, want none", len(table))
	}

	persisted, err := LoadContext(ctx, store, sid)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if persisted.State != StateError {
		t.Errorf("persisted state = %s, want ERROR", persisted.State)
	}
}

func TestBudgetPreflightBlocksCall(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &budgetFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestBudget",
		ClientID: types.ClientID("C.1111222233334444"),
		CPULimit: 8,
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	respond(ctx, t, deps.Queues, sid, 1, &types.Status{Code: types.StatusOK, CPUSeconds: 4})
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	// Usage reaches the limit exactly: accounting passes, but the next
	// CallClient finds nothing left to spend.
	respond(ctx, t, deps.Queues, sid, 2, &types.Status{Code: types.StatusOK, CPUSeconds: 4})
	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != StateError {
		t.Fatalf("state = %s, want ERROR", fctx.State)
	}
	if fctx.ErrorMessage != "CPU limit exceeded." {
		t.Errorf("error message = %q, want %q", fctx.ErrorMessage, "CPU limit exceeded.")
	}
	if want := []string{"Step", "Step"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want both statuses processed", calls)
	}
}

func TestChildFlowReportsToParent(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	var (
		childID types.SessionID
		got     []types.Document
		status  *types.Status
	)
	registerTestFlows(t,
		&parentFlow{childID: &childID, got: &got, status: &status},
		replyChildFlow{},
	)

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestParent",
		ClientID: types.ClientID("C.1111222233334444"),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if childID == "" {
		t.Fatal("CallFlow returned no child session id")
	}

	childCtx, err := ProcessSession(ctx, deps, childID)
	if err != nil {
		t.Fatalf("ProcessSession(child) error = %v", err)
	}
	if childCtx.State != StateTerminated {
		t.Fatalf("child state = %s, want TERMINATED", childCtx.State)
	}

	parentCtx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession(parent) error = %v", err)
	}
	if parentCtx.State != StateTerminated {
		t.Errorf("parent state = %s, want TERMINATED", parentCtx.State)
	}
	if len(got) != 1 {
		t.Fatalf("parent received %d documents, want 1", len(got))
	}
	var reply action.EchoResult
	if err := got[0].DecodeAs("EchoResult", &reply); err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if reply.Data != "from-child" {
		t.Errorf("reply = %q, want %q", reply.Data, "from-child")
	}
	if status == nil || status.ChildSessionID != childID {
		t.Errorf("status = %+v, want child session id %s", status, childID)
	}

	results, err := Results(ctx, store, childID, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("child results = %d, want 1", len(results))
	}
}

func TestCallStateRunsNextPass(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &callStateFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{FlowName: "TestCallState"})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("calls = %v, want the deferred state unrun at start", calls)
	}

	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if want := []string{"Process"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if fctx.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", fctx.State)
	}

	results, err := Results(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want the deferred document replied", len(results))
	}
}

func TestRetransmissionGivesUp(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &echoFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestEcho",
		ClientID: types.ClientID("C.1111222233334444"),
		Args:     types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	// A response arrives but the closing status never does.
	err = deps.Queues.StoreResponse(ctx, &types.Message{
		SessionID:  sid,
		RequestID:  1,
		ResponseID: 1,
		Type:       types.MessageTypeMessage,
		Payload:    types.MustDocument("EchoResult", action.EchoResult{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StoreResponse() error = %v", err)
	}

	// Each fruitless pass re-sends the blocking request until the
	// transmission budget is gone.
	for pass := 0; pass < 4; pass++ {
		if _, err := ProcessSession(ctx, deps, sid); err != nil {
			t.Fatalf("ProcessSession() pass %d error = %v", pass, err)
		}
	}

	table, err := deps.Queues.Requests(ctx, sid)
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(table) != 1 || table[0].TransmissionCount != queue.MaxTransmissionCount {
		t.Fatalf("table = %+v, want request 1 at the transmission limit", table)
	}
	if !table[0].Complete {
		t.Fatalf("request 1 incomplete, want it closed by the synthesized error status")
	}

	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != StateError {
		t.Errorf("state = %s, want ERROR once the request gave up", fctx.State)
	}
	if !strings.Contains(fctx.ErrorMessage, "gave up after") {
		t.Errorf("error message = %q, want the give-up reason", fctx.ErrorMessage)
	}
	if want := []string{"Reply"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want the error status processed once", calls)
	}
}

func TestMarkForTermination(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &echoFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestEcho",
		ClientID: types.ClientID("C.1111222233334444"),
		Args:     types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if err := MarkForTermination(ctx, store, sid, "Parent hunt stopped."); err != nil {
		t.Fatalf("MarkForTermination() error = %v", err)
	}
	// Even a completed request must not be processed once the mark is set.
	respond(ctx, t, deps.Queues, sid, 1, okStatus())

	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != StateError {
		t.Errorf("state = %s, want ERROR", fctx.State)
	}
	if fctx.ErrorMessage != "Parent hunt stopped." {
		t.Errorf("error message = %q, want the termination reason", fctx.ErrorMessage)
	}
	if len(calls) != 0 {
		t.Errorf("calls = %v, want none after a pending termination", calls)
	}

	if _, err := store.Resolve(ctx, sid.Subject(), pendingTerminationPredicate); err == nil {
		t.Errorf("pending termination mark survived, want it consumed")
	}
}

func TestEmptyFlowTerminatesAndLogs(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	registerTestFlows(t, logFlow{})

	sid, err := StartFlow(ctx, deps, StartArgs{FlowName: "TestLog"})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED for a flow with no work", fctx.State)
	}

	logs, err := Logs(ctx, store, sid, 0, 0)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	var line LogLine
	if err := logs[0].DecodeAs(LogLineTypeName, &line); err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if line.Message != "hello from start" {
		t.Errorf("log line = %q, want %q", line.Message, "hello from start")
	}
}

func TestLateNotificationIgnored(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	var calls []string
	registerTestFlows(t, &echoFlow{calls: &calls})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestEcho",
		ClientID: types.ClientID("C.1111222233334444"),
		Args:     types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	respond(ctx, t, deps.Queues, sid, 1, okStatus(),
		types.MustDocument("EchoResult", action.EchoResult{Data: "ping"}))
	if _, err := ProcessSession(ctx, deps, sid); err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}

	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() after termination error = %v", err)
	}
	if fctx.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED unchanged", fctx.State)
	}
	if want := []string{"Reply"}; !equalStrings(calls, want) {
		t.Errorf("calls = %v, want no extra state runs", calls)
	}
}

func TestProcessSessionUnknownSession(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	registerTestFlows(t)

	_, err := ProcessSession(ctx, deps, types.SessionID("W:deadbeef0000"))
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("ProcessSession() error = %v, want ErrUnknownSession", err)
	}
}

func TestUnregisteredFlowFails(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	registerTestFlows(t, &echoFlow{})

	sid, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestEcho",
		ClientID: types.ClientID("C.1111222233334444"),
		Args:     types.MustDocument("EchoArgs", action.EchoArgs{Data: "ping"}),
	})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	ClearRegistry()
	fctx, err := ProcessSession(ctx, deps, sid)
	if err != nil {
		t.Fatalf("ProcessSession() error = %v", err)
	}
	if fctx.State != StateError {
		t.Errorf("state = %s, want ERROR for a vanished definition", fctx.State)
	}
	if !strings.Contains(fctx.ErrorMessage, "not registered") {
		t.Errorf("error message = %q, want it to say the flow is unregistered", fctx.ErrorMessage)
	}
}

func TestStartFlowValidation(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	registerTestFlows(t, &echoFlow{})

	if _, err := StartFlow(ctx, deps, StartArgs{FlowName: "NoSuchFlow"}); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("StartFlow(unknown) error = %v, want ErrUnknownFlow", err)
	}

	_, err := StartFlow(ctx, deps, StartArgs{
		FlowName: "TestEcho",
		ClientID: types.ClientID("C.1111222233334444"),
		Args:     types.MustDocument("WrongType", struct{}{}),
	})
	if err == nil || !strings.Contains(err.Error(), "takes EchoArgs") {
		t.Errorf("StartFlow(bad args) error = %v, want a type mismatch", err)
	}
}

func TestListFlows(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	registerTestFlows(t, logFlow{})

	clientA := types.ClientID("C.aaaaaaaaaaaaaaaa")
	clientB := types.ClientID("C.bbbbbbbbbbbbbbbb")
	if _, err := StartFlow(ctx, deps, StartArgs{FlowName: "TestLog", ClientID: clientA}); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if _, err := StartFlow(ctx, deps, StartArgs{FlowName: "TestLog", ClientID: clientA}); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if _, err := StartFlow(ctx, deps, StartArgs{FlowName: "TestLog", ClientID: clientB}); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	all, err := ListFlows(ctx, store, "", 0)
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	forA, err := ListFlows(ctx, store, clientA, 0)
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(forA) != 2 {
		t.Errorf("len(forA) = %d, want 2", len(forA))
	}
	for _, s := range forA {
		if s.ClientID != clientA {
			t.Errorf("summary %s has client %s, want %s", s.SessionID, s.ClientID, clientA)
		}
	}
}

// fakeWellKnown records the unsolicited messages routed to it.
type fakeWellKnown struct {
	Base
	got *[]*types.Message
}

func (fakeWellKnown) Name() string { return "TestWellKnown" }

func (fakeWellKnown) Start(ctx context.Context, r *Runner) error { return nil }

func (fakeWellKnown) WellKnownSessionID() types.SessionID {
	return types.WellKnownSessionID(types.EnrolmentQueue, "TestWK")
}

func (f fakeWellKnown) ProcessMessage(ctx context.Context, deps *Deps, msg *types.Message) error {
	*f.got = append(*f.got, msg)
	return nil
}

func TestDeliverWellKnown(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	var got []*types.Message
	registerTestFlows(t, fakeWellKnown{got: &got})

	msg := &types.Message{
		SessionID: types.WellKnownSessionID(types.EnrolmentQueue, "TestWK"),
		Type:      types.MessageTypeMessage,
	}
	if err := DeliverWellKnown(ctx, deps, msg); err != nil {
		t.Fatalf("DeliverWellKnown() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(got))
	}

	stray := &types.Message{SessionID: types.SessionID("E:NoSuchFlow")}
	if err := DeliverWellKnown(ctx, deps, stray); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("DeliverWellKnown(stray) error = %v, want ErrUnknownSession", err)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
