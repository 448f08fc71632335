package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

const (
	taskPredicatePrefix = "task:"

	// DefaultTaskTTL is how many times a task may be leased to a client
	// before it is dropped as undeliverable.
	DefaultTaskTTL = 5
)

// taskEnvelope is the stored form of an outbound task. The message's
// own TTL field counts remaining deliveries.
type taskEnvelope struct {
	Message     *types.Message  `json:"message"`
	LeasedUntil types.Timestamp `json:"leased_until,omitempty"`
}

// NewTaskID mints a task identifier. Task ids are assigned when the
// outbound message is built so the request state can reference its task
// before the task is scheduled.
func NewTaskID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// taskPredicate orders tasks by schedule time, with the task id as a
// tiebreaker.
func taskPredicate(ts types.Timestamp, taskID uint64) string {
	return fmt.Sprintf("%s%020d:%016x", taskPredicatePrefix, int64(ts), taskID)
}

// ScheduleTasks appends outbound messages to the client's task queue.
// Messages without a task id or TTL get defaults.
func (m *Manager) ScheduleTasks(ctx context.Context, clientID types.ClientID, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	now := m.ds.Now()
	values := make(map[string][]datastore.VersionedValue, len(msgs))
	for i, msg := range msgs {
		if msg.TaskID == 0 {
			msg.TaskID = NewTaskID()
		}
		if msg.TTL == 0 {
			msg.TTL = DefaultTaskTTL
		}
		buf, err := json.Marshal(taskEnvelope{Message: msg})
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		// Spread identical wall-clock schedules so predicates stay unique.
		ts := now.Add(time.Duration(i) * time.Microsecond)
		values[taskPredicate(ts, msg.TaskID)] = []datastore.VersionedValue{{Value: buf, TS: ts}}
	}

	if err := m.ds.MultiSet(ctx, clientID.TaskQueueSubject(), values, nil, true); err != nil {
		return fmt.Errorf("failed to schedule tasks: %w", err)
	}
	tasksScheduled.Add(float64(len(msgs)))
	m.logger.Debug("scheduled tasks", "client_id", clientID, "count", len(msgs))
	return nil
}

// QueryAndOwn leases up to limit deliverable tasks from the client's
// queue. Each lease decrements the task's TTL; exhausted tasks are
// dropped. Tasks still under a previous lease are skipped, which is
// what de-duplicates deliveries to a client that polls twice.
func (m *Manager) QueryAndOwn(ctx context.Context, clientID types.ClientID, lease time.Duration, limit int) ([]*types.Message, error) {
	var out []*types.Message

	err := datastore.RetryWrapper(ctx, m.ds, clientID.TaskQueueSubject(), func(tx datastore.Tx) error {
		out = out[:0]

		recs, err := tx.ResolvePrefix(ctx, taskPredicatePrefix, datastore.Newest())
		if err != nil {
			return fmt.Errorf("failed to read tasks: %w", err)
		}

		now := m.ds.Now()
		until := now.Add(lease)
		for _, rec := range recs {
			if limit > 0 && len(out) >= limit {
				break
			}

			var env taskEnvelope
			if err := json.Unmarshal(rec.Value, &env); err != nil || env.Message == nil {
				m.logger.Warn("dropping undecodable task",
					"client_id", clientID,
					"predicate", rec.Predicate,
					"error", err,
				)
				tx.DeleteAttributes(rec.Predicate)
				continue
			}
			if env.LeasedUntil > now {
				continue
			}

			env.Message.TTL--
			if env.Message.TTL <= 0 {
				m.logger.Info("dropping task after ttl exhaustion",
					"client_id", clientID,
					"task_id", env.Message.TaskID,
					"session_id", env.Message.SessionID,
				)
				tasksExpired.Inc()
				tx.DeleteAttributes(rec.Predicate)
				continue
			}

			env.LeasedUntil = until
			buf, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("failed to marshal task: %w", err)
			}
			tx.Set(rec.Predicate, buf, rec.TS, true)
			out = append(out, env.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Deliver high-priority work first; schedule order breaks ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	if len(out) > 0 {
		tasksLeased.Add(float64(len(out)))
	}
	return out, nil
}

// DeleteTasks removes tasks by id, typically after the request they
// carried was answered.
func (m *Manager) DeleteTasks(ctx context.Context, clientID types.ClientID, taskIDs []uint64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	wanted := make(map[uint64]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}

	return datastore.RetryWrapper(ctx, m.ds, clientID.TaskQueueSubject(), func(tx datastore.Tx) error {
		recs, err := tx.ResolvePrefix(ctx, taskPredicatePrefix, datastore.Newest())
		if err != nil {
			return fmt.Errorf("failed to read tasks: %w", err)
		}
		for _, rec := range recs {
			var env taskEnvelope
			if err := json.Unmarshal(rec.Value, &env); err != nil || env.Message == nil {
				continue
			}
			if wanted[env.Message.TaskID] {
				tx.DeleteAttributes(rec.Predicate)
			}
		}
		return nil
	})
}

// TaskQueueLength returns how many tasks wait on the client's queue,
// leased or not.
func (m *Manager) TaskQueueLength(ctx context.Context, clientID types.ClientID) (int, error) {
	recs, err := m.ds.ResolvePrefix(ctx, clientID.TaskQueueSubject(), taskPredicatePrefix, datastore.Newest())
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read tasks: %w", err)
	}
	return len(recs), nil
}
