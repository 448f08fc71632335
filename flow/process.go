package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// endStateName is the optional state run once a flow has no requests
// left. Flows declare it in States() to do final aggregation; it may
// issue new requests, in which case the flow keeps running and End runs
// again on the next drain.
const endStateName = "End"

// ProcessSession runs one worker pass over a claimed session: open the
// session transaction, load the context, and consume completed
// requests. The returned context reflects the state after the pass and
// is valid even when the pass failed partway.
func ProcessSession(ctx context.Context, deps *Deps, sessionID types.SessionID, opts ...RunnerOption) (*Context, error) {
	deps = deps.normalized()
	if err := deps.validate(); err != nil {
		return nil, err
	}

	args, err := LoadArgs(ctx, deps.Store, sessionID)
	if err != nil {
		return nil, err
	}

	tx, err := deps.Store.Transaction(ctx, sessionID.Subject())
	if err != nil {
		return nil, fmt.Errorf("failed to open session transaction: %w", err)
	}

	flowContext, err := loadContextTx(ctx, tx, sessionID)
	if err != nil {
		if aerr := tx.Abort(ctx); aerr != nil {
			deps.Logger.Warn("failed to abort session transaction",
				"session_id", sessionID,
				"error", aerr,
			)
		}
		return nil, err
	}

	def, ok := Lookup(flowContext.Name)
	if !ok {
		// The definition disappeared from the registry, typically after a
		// deploy that dropped a flow while sessions were in flight. Fail
		// the session rather than wedging its notifications forever.
		r := NewRunner(deps, unregisteredFlow{name: flowContext.Name}, flowContext, tx, opts...)
		if err := r.fail(ctx, fmt.Sprintf("flow %q is not registered", flowContext.Name), ""); err != nil {
			return flowContext, err
		}
		return flowContext, r.Flush(ctx)
	}

	r := NewRunner(deps, def, flowContext, tx, append(opts, WithArgs(args))...)
	return flowContext, r.ProcessCompletedRequests(ctx)
}

// unregisteredFlow stands in for a definition that is gone from the
// registry, so failure paths still have a Definition to hang on.
type unregisteredFlow struct {
	Base
	name string
}

func (u unregisteredFlow) Name() string { return u.name }

func (u unregisteredFlow) Start(ctx context.Context, r *Runner) error {
	return fmt.Errorf("flow %q is not registered", u.name)
}

// Responses is the completed response set handed to a state method:
// the regular responses in response-id order, the closing status, and
// the request row that carried them.
type Responses struct {
	request  *types.RequestState
	messages []*types.Message
	iterator *types.Message
	status   *types.Status
}

func newResponses(request *types.RequestState, msgs []*types.Message) *Responses {
	r := &Responses{request: request}
	for _, msg := range msgs {
		switch {
		case msg.IsStatus():
			if status, err := msg.ExtractStatus(); err == nil {
				r.status = status
			}
		case msg.Type == types.MessageTypeIterator:
			r.iterator = msg
		default:
			r.messages = append(r.messages, msg)
		}
	}
	return r
}

// Success reports whether the request closed with an OK status.
func (r *Responses) Success() bool {
	return r.status != nil && r.status.OK()
}

// Status returns the closing status, nil for synthesized drains.
func (r *Responses) Status() *types.Status { return r.status }

// Messages returns the regular responses in response-id order.
func (r *Responses) Messages() []*types.Message { return r.messages }

// Iterator returns the client's iterator message, if the action
// paginates.
func (r *Responses) Iterator() *types.Message { return r.iterator }

// Len is the number of regular responses.
func (r *Responses) Len() int { return len(r.messages) }

// Request returns the request row these responses completed. It is nil
// when a state runs without a request, as End does.
func (r *Responses) Request() *types.RequestState { return r.request }

// RequestData reads a value the issuing state attached with
// WithRequestData.
func (r *Responses) RequestData(key string) (types.Document, bool) {
	if r.request == nil {
		return types.Document{}, false
	}
	doc, ok := r.request.Data[key]
	return doc, ok
}

// Documents returns the payloads of the regular responses.
func (r *Responses) Documents() []types.Document {
	docs := make([]types.Document, 0, len(r.messages))
	for _, msg := range r.messages {
		docs = append(docs, msg.Payload)
	}
	return docs
}

// ProcessCompletedRequests runs one worker pass over the session:
// consume completed requests strictly in id order, invoke their next
// states, and flush. Each request is processed at most once; the
// deletes that retire it commit atomically with the context that
// advanced past it.
//
// The pass ends the flow when nothing is outstanding, re-sends the
// blocking request when ordering has stalled, and honors a pending
// termination mark before touching any responses. Completed requests
// whose StartTime has not arrived are left in place and the session is
// re-notified for the earliest of them.
//
// Definitions implementing UnorderedDefinition consume every completed
// request regardless of id, never retransmit, and are not drained when
// idle; their sessions end only through an explicit terminal call.
func (r *Runner) ProcessCompletedRequests(ctx context.Context) error {
	if r.flushed {
		return ErrFlowFlushed
	}

	rec, err := r.tx.Resolve(ctx, pendingTerminationPredicate)
	if err == nil {
		reason := string(rec.Value)
		r.tx.DeleteAttributes(pendingTerminationPredicate)
		if err := r.fail(ctx, reason, ""); err != nil {
			return err
		}
		return r.Flush(ctx)
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		return fmt.Errorf("failed to check pending termination: %w", err)
	}

	if r.context.State.Terminal() {
		// Late notification for a finished session; nothing to do.
		r.flushed = true
		return r.tx.Abort(ctx)
	}
	r.context.State = StateRunning
	unordered := unorderedRequests(r.def)

	completed, err := r.deps.Queues.CompletedRequests(ctx, r.context.SessionID, 0)
	if err != nil {
		return err
	}

	now := r.deps.Store.Now()
	processed := 0
	var wakeAt types.Timestamp
	for _, req := range completed {
		if r.context.State.Terminal() {
			break
		}
		if req.ID == 0 {
			// Well-known traffic is handled inline by the frontend.
			continue
		}
		if !unordered {
			if req.ID < r.context.NextProcessedRequest {
				// A re-delivered duplicate of an already processed request.
				if err := r.deps.Queues.DeleteRequest(ctx, r.tx, req.ID); err != nil {
					return err
				}
				continue
			}
			if req.ID > r.context.NextProcessedRequest {
				// Hole in the sequence: the blocking request is incomplete.
				break
			}
		}
		if req.StartTime > now {
			// Complete but not due. Remember the earliest so the session
			// wakes when it is.
			if wakeAt == 0 || req.StartTime < wakeAt {
				wakeAt = req.StartTime
			}
			if unordered {
				continue
			}
			break
		}

		msgs, err := r.deps.Queues.FetchResponses(ctx, r.context.SessionID, req.ID)
		if err != nil {
			return err
		}
		responses := newResponses(req, msgs)

		if status := responses.Status(); status != nil {
			if err := r.accountStatus(status); err != nil {
				if ferr := r.fail(ctx, err.Error(), ""); ferr != nil {
					return ferr
				}
				break
			}
		}

		r.runState(ctx, req.NextState, responses)
		if r.context.State.Terminal() {
			break
		}

		if err := r.deps.Queues.DeleteRequest(ctx, r.tx, req.ID); err != nil {
			return err
		}
		if !unordered {
			r.context.NextProcessedRequest++
		}
		r.context.OutstandingRequests--
		processed++
	}
	if processed > 0 {
		requestsProcessed.Add(float64(processed))
	}

	if !r.context.State.Terminal() && !unordered {
		if processed == 0 && wakeAt == 0 && r.context.OutstandingRequests > 0 {
			if err := r.retransmitBlocking(ctx); err != nil {
				r.logger.Warn("failed to retransmit blocking request",
					"session_id", r.context.SessionID,
					"error", err,
				)
			}
		}
		if r.context.OutstandingRequests <= 0 {
			r.runEnd(ctx)
		}
	}
	if wakeAt > 0 && !r.context.State.Terminal() {
		r.notify(r.context.SessionID, wakeAt)
	}

	return r.Flush(ctx)
}

// runEnd gives the flow its final state, then terminates unless End
// issued new work.
func (r *Runner) runEnd(ctx context.Context) {
	if _, ok := r.states[endStateName]; ok {
		r.runState(ctx, endStateName, newResponses(nil, nil))
		if r.context.State.Terminal() || r.context.OutstandingRequests > 0 {
			return
		}
	}
	if err := r.Terminate(ctx); err != nil {
		r.logger.Error("failed to terminate drained flow",
			"session_id", r.context.SessionID,
			"error", err,
		)
	}
}

// retransmitBlocking re-sends the client request the session is waiting
// on. Called when a wakeup found nothing processable, which happens
// when responses were lost in transit or arrived out of order. The
// queue manager gives up after its transmission budget and closes the
// request with an error status instead.
func (r *Runner) retransmitBlocking(ctx context.Context) error {
	table, err := r.deps.Queues.Requests(ctx, r.context.SessionID)
	if err != nil {
		return err
	}
	for i := range table {
		tr := table[i]
		if tr.ID != r.context.NextProcessedRequest {
			continue
		}
		if tr.Complete {
			// The missing responses landed while this pass was reading;
			// the next notification will process them.
			return nil
		}
		if tr.Request == nil || tr.ClientID == "" {
			// Waiting on a child flow or synthesized request; nothing to
			// re-send.
			return nil
		}
		requeued, err := r.deps.Queues.ResendRequest(ctx, tr.RequestState)
		if err != nil {
			return err
		}
		if !requeued {
			// The transmission budget ran out and an error status closed
			// the request. Wake the session so it gets processed.
			r.notify(r.context.SessionID, 0)
		}
		return nil
	}
	return nil
}
