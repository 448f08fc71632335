package frontend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/flow/general"
	"github.com/quarryhq/quarry/hunt"
	"github.com/quarryhq/quarry/notifier"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Per-client traffic counters kept next to the metadata predicates.
const (
	receivedCountPredicate = "metadata:received_count"
	sentCountPredicate     = "metadata:sent_count"
)

// authenticate resolves the client's communication key and checks the
// envelope against it. The key is returned so the reply can be signed
// with it; a nil key means the client has not enrolled yet.
func (f *Frontend) authenticate(ctx context.Context, env *SignedEnvelope) (types.AuthState, []byte) {
	rec, err := f.deps.Store.Resolve(ctx, env.ClientID.Subject(), types.ClientCommsKeyPredicate)
	if err != nil {
		if !errors.Is(err, datastore.ErrNotFound) {
			f.logger.Warn("failed to resolve comms key",
				"client_id", env.ClientID.String(),
				"error", err,
			)
		}
		return types.AuthStateUnauthenticated, nil
	}
	key := rec.Value

	if !env.VerifySignature(key) {
		return types.AuthStateUnauthenticated, key
	}

	now := f.deps.Store.Now()
	skew := f.config.ClockSkew
	if env.Timestamp < now.Add(-skew) || env.Timestamp > now.Add(skew) {
		return types.AuthStateDesynchronized, key
	}
	return types.AuthStateAuthenticated, key
}

// ReceiveMessages routes one poll's worth of inbound messages. Responses
// are stored through the router and their sessions notified; messages to
// well-known flows (request id 0) are delivered inline so enrolment and
// other unsolicited traffic never waits for a worker. Messages that fail
// authentication are dropped unless they address the enrolment flow.
func (f *Frontend) ReceiveMessages(ctx context.Context, clientID types.ClientID, msgs []*types.Message, auth types.AuthState) (int, error) {
	notify := make(map[types.SessionID]struct{})
	accepted := 0

	for _, msg := range msgs {
		msg.Source = clientID.String()
		msg.AuthState = auth

		if auth != types.AuthStateAuthenticated && msg.SessionID != general.EnrolmentSessionID {
			messagesDropped.Inc()
			f.logger.Debug("dropped unauthenticated message",
				"client_id", clientID.String(),
				"session_id", msg.SessionID,
				"auth_state", auth.String(),
			)
			continue
		}
		messagesReceived.WithLabelValues(auth.String()).Inc()

		if msg.RequestID == 0 {
			// Unsolicited traffic to a well-known flow. Response ids are
			// randomized so repeated deliveries collapse to distinct rows.
			if msg.ResponseID == 0 {
				msg.ResponseID = rand.Uint64()
			}
			if err := f.deliverWellKnown(ctx, msg); err != nil {
				f.logError(fmt.Errorf("failed to deliver well-known message for %s: %w", msg.SessionID, err))
				continue
			}
			accepted++
			continue
		}

		if err := f.queues.StoreResponse(ctx, msg); err != nil {
			f.logError(fmt.Errorf("failed to store response for %s: %w", msg.SessionID, err))
			continue
		}
		accepted++
		notify[msg.SessionID] = struct{}{}

		if msg.IsStatus() {
			f.handleStatus(ctx, clientID, msg)
		}
	}

	for sessionID := range notify {
		if err := f.queues.NotifySession(ctx, sessionID, 0); err != nil {
			f.logError(fmt.Errorf("failed to notify session %s: %w", sessionID, err))
			continue
		}
		if f.notif != nil && f.notif.IsRunning() {
			if err := f.notif.Notify(ctx, notifier.EventQueueNotify, sessionID.Queue()); err != nil {
				f.logger.Debug("failed to publish queue wakeup", "error", err)
			}
		}
	}

	if accepted > 0 {
		f.bumpCounter(ctx, clientID, receivedCountPredicate, int64(accepted))
	}
	return accepted, nil
}

// handleStatus acknowledges the task the status closes and records
// client crashes against the parent hunt.
func (f *Frontend) handleStatus(ctx context.Context, clientID types.ClientID, msg *types.Message) {
	if msg.TaskID != 0 {
		if err := f.queues.DeleteTasks(ctx, clientID, []uint64{msg.TaskID}); err != nil {
			f.logError(fmt.Errorf("failed to acknowledge task %d: %w", msg.TaskID, err))
		}
	}

	status, err := msg.ExtractStatus()
	if err != nil || status.Code != types.StatusClientKilled {
		return
	}

	clientCrashes.Inc()
	f.logger.Warn("client crashed during request",
		"client_id", clientID.String(),
		"session_id", msg.SessionID,
		"error", status.ErrorMessage,
	)

	fctx, err := flow.LoadContext(ctx, f.deps.Store, msg.SessionID)
	if err != nil || fctx.Parent == "" || !fctx.Parent.IsHunt() {
		return
	}
	rec := hunt.CrashRecord{
		ClientID:  clientID,
		SessionID: msg.SessionID,
		Message:   status.ErrorMessage,
		Time:      f.deps.Store.Now(),
	}
	if err := hunt.RecordCrash(ctx, f.deps.Store, fctx.Parent, rec); err != nil {
		f.logError(fmt.Errorf("failed to record crash for hunt %s: %w", fctx.Parent, err))
	}
}

// deliverWellKnown hands an unsolicited message to its well-known flow.
func (f *Frontend) deliverWellKnown(ctx context.Context, msg *types.Message) error {
	return flow.DeliverWellKnown(ctx, f.deps, msg)
}

// DrainTaskQueue leases up to limit outbound tasks for the client. Tasks
// whose request already has a stored status were answered on an earlier
// lease; those are dequeued instead of resent. New foreman rules are
// applied first so freshly targeted hunts reach the client in the same
// poll.
func (f *Frontend) DrainTaskQueue(ctx context.Context, clientID types.ClientID, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = f.config.MaxTasksPerPoll
	}
	if limit > f.config.MaxTasksPerPoll {
		limit = f.config.MaxTasksPerPoll
	}

	if f.fm != nil {
		if _, err := f.fm.AssignTasksToClient(ctx, clientID); err != nil {
			f.logError(fmt.Errorf("failed to run foreman rules for %s: %w", clientID, err))
		}
	}

	leased, err := f.queues.QueryAndOwn(ctx, clientID, f.config.TaskLease, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease tasks for %s: %w", clientID, err)
	}

	tasks := leased[:0]
	var stale []uint64
	for _, task := range leased {
		if f.requestAnswered(ctx, task) {
			stale = append(stale, task.TaskID)
			continue
		}
		tasks = append(tasks, task)
	}
	if len(stale) > 0 {
		if err := f.queues.DeleteTasks(ctx, clientID, stale); err != nil {
			f.logError(fmt.Errorf("failed to drop answered tasks for %s: %w", clientID, err))
		}
	}

	if len(tasks) > 0 {
		tasksSent.Add(float64(len(tasks)))
		f.bumpCounter(ctx, clientID, sentCountPredicate, int64(len(tasks)))
	}
	return tasks, nil
}

// requestAnswered reports whether a status row already exists for the
// task's request, meaning the client answered it on a previous lease.
func (f *Frontend) requestAnswered(ctx context.Context, task *types.Message) bool {
	_, err := f.deps.Store.Resolve(ctx, task.SessionID.Subject(), queue.StatusPredicate(task.RequestID))
	return err == nil
}

// recordPing stamps the client's last poll time.
func (f *Frontend) recordPing(ctx context.Context, clientID types.ClientID) {
	now := f.deps.Store.Now()
	err := f.deps.Store.Set(ctx, clientID.Subject(), types.ClientPingPredicate,
		datastore.EncodeInt(int64(now)), 0, true)
	if err != nil {
		f.logger.Warn("failed to record client ping",
			"client_id", clientID.String(),
			"error", err,
		)
	}
}

// bumpCounter adds delta to an integer predicate on the client subject.
func (f *Frontend) bumpCounter(ctx context.Context, clientID types.ClientID, predicate string, delta int64) {
	err := datastore.RetryWrapper(ctx, f.deps.Store, clientID.Subject(), func(tx datastore.Tx) error {
		var current int64
		rec, err := tx.Resolve(ctx, predicate)
		if err == nil {
			if v, derr := datastore.DecodeInt(rec.Value); derr == nil {
				current = v
			}
		} else if !errors.Is(err, datastore.ErrNotFound) {
			return err
		}
		tx.Set(predicate, datastore.EncodeInt(current+delta), 0, true)
		return nil
	})
	if err != nil {
		f.logger.Debug("failed to bump client counter",
			"client_id", clientID.String(),
			"predicate", predicate,
			"error", err,
		)
	}
}
