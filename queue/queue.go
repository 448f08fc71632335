// Package queue implements the three persistent queues the execution
// engine runs on:
//
//   - session notifications ("this session has work"), one subject per
//     queue name, claimed under lease by workers;
//   - client task queues, the outbound messages a client picks up at
//     poll time, leased with a delivery TTL;
//   - the per-session request/response tables the message router keeps.
//
// Everything is stored through the datastore contract, so queue state
// survives process crashes and claims expire by timestamp comparison
// rather than by any in-memory state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for queue logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Sentinel errors returned by the queue manager.
var (
	// ErrClaimLost is returned by RefreshClaim when the notification was
	// re-queued or claimed by someone else since the claim was taken.
	ErrClaimLost = errors.New("notification claim lost")
)

const notificationPredicatePrefix = "notify:"

// Notification marks a session as having work on a queue. One pending
// notification exists per session; re-notifying overwrites it, which
// deliberately clears any active claim so the new work item is
// claimable immediately. Session-level mutual exclusion is the flow
// lock's job, not the notification's.
type Notification struct {
	// SessionID is the session to wake.
	SessionID types.SessionID `json:"session_id"`

	// EligibleAfter delays delivery; zero means immediately eligible.
	// Hunt client-rate limiting schedules future work through this.
	EligibleAfter types.Timestamp `json:"eligible_after,omitempty"`

	// ClaimedUntil is the lease deadline stamped by the current claim.
	// Zero or past means unclaimed.
	ClaimedUntil types.Timestamp `json:"claimed_until,omitempty"`

	// QueuedAt is the storage timestamp of the notification record. It
	// is not serialized; reads fill it from the record.
	QueuedAt types.Timestamp `json:"-"`
}

// ClaimedNotification is a Notification successfully leased by
// ClaimNotifications, carrying the token RefreshClaim needs.
type ClaimedNotification struct {
	Notification

	// Token is the ClaimedUntil value this claim wrote. A refresh that
	// finds a different value lost the claim.
	Token types.Timestamp
}

// Manager coordinates queue state in the datastore. Time comes from the
// store so frozen-clock tests control lease expiry.
type Manager struct {
	ds     datastore.DataStore
	logger Logger
}

// NewManager creates a queue manager. A nil logger disables logging.
func NewManager(ds datastore.DataStore, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{ds: ds, logger: logger}
}

func notificationPredicate(sessionID types.SessionID) string {
	return notificationPredicatePrefix + string(sessionID)
}

// NotifySession queues a wakeup for the session on its home queue
// (derived from the session id prefix). Idempotent: a second notify
// replaces the first.
func (m *Manager) NotifySession(ctx context.Context, sessionID types.SessionID, eligibleAfter types.Timestamp) error {
	n := Notification{SessionID: sessionID, EligibleAfter: eligibleAfter}
	buf, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := types.QueueSubject(sessionID.Queue())
	if err := m.ds.Set(ctx, subject, notificationPredicate(sessionID), buf, 0, true); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	notificationsQueued.WithLabelValues(subject).Inc()
	m.logger.Debug("queued notification",
		"session_id", sessionID,
		"queue", sessionID.Queue(),
		"eligible_after", int64(eligibleAfter),
	)
	return nil
}

// NotifyOnSubject is NotifySession for queues that are not derived from
// a session id, such as the hunt results queue.
func (m *Manager) NotifyOnSubject(ctx context.Context, queueSubject string, sessionID types.SessionID, eligibleAfter types.Timestamp) error {
	n := Notification{SessionID: sessionID, EligibleAfter: eligibleAfter}
	buf, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := m.ds.Set(ctx, queueSubject, notificationPredicate(sessionID), buf, 0, true); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	notificationsQueued.WithLabelValues(queueSubject).Inc()
	return nil
}

// ClaimFilter lets a claimer skip notifications it cannot process in
// this batch. Returning false leaves the notification unclaimed.
type ClaimFilter func(Notification) bool

// ClaimNotifications leases up to limit eligible notifications from the
// queue subject. A leased notification is skipped by other claimers
// until its lease expires or it is re-queued. Zero limit means no
// limit.
func (m *Manager) ClaimNotifications(ctx context.Context, queueSubject string, lease time.Duration, limit int, filter ClaimFilter) ([]ClaimedNotification, error) {
	var claimed []ClaimedNotification

	err := datastore.RetryWrapper(ctx, m.ds, queueSubject, func(tx datastore.Tx) error {
		claimed = claimed[:0]

		recs, err := tx.ResolvePrefix(ctx, notificationPredicatePrefix, datastore.Newest())
		if err != nil {
			return fmt.Errorf("failed to read notifications: %w", err)
		}

		now := m.ds.Now()
		until := now.Add(lease)
		for _, rec := range recs {
			var n Notification
			if err := json.Unmarshal(rec.Value, &n); err != nil {
				m.logger.Warn("dropping undecodable notification",
					"queue_subject", queueSubject,
					"predicate", rec.Predicate,
					"error", err,
				)
				tx.DeleteAttributes(rec.Predicate)
				continue
			}
			n.QueuedAt = rec.TS

			if n.EligibleAfter > now {
				continue
			}
			if n.ClaimedUntil > now {
				continue
			}
			if filter != nil && !filter(n) {
				continue
			}

			n.ClaimedUntil = until
			buf, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("failed to marshal notification: %w", err)
			}
			// Keep the record timestamp so DeleteNotification still sees
			// when the work was queued.
			tx.Set(rec.Predicate, buf, rec.TS, true)

			claimed = append(claimed, ClaimedNotification{Notification: n, Token: until})
			if limit > 0 && len(claimed) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		notificationsClaimed.WithLabelValues(queueSubject).Add(float64(len(claimed)))
	}
	return claimed, nil
}

// RefreshClaim extends an active claim and returns the new token. It
// fails with ErrClaimLost when the notification disappeared, was
// re-queued, or was claimed by someone else.
func (m *Manager) RefreshClaim(ctx context.Context, queueSubject string, sessionID types.SessionID, token types.Timestamp, lease time.Duration) (types.Timestamp, error) {
	var newToken types.Timestamp

	err := datastore.RetryWrapper(ctx, m.ds, queueSubject, func(tx datastore.Tx) error {
		rec, err := tx.Resolve(ctx, notificationPredicate(sessionID))
		if errors.Is(err, datastore.ErrNotFound) {
			return ErrClaimLost
		}
		if err != nil {
			return fmt.Errorf("failed to read notification: %w", err)
		}

		var n Notification
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			return fmt.Errorf("failed to decode notification: %w", err)
		}
		if n.ClaimedUntil != token {
			return ErrClaimLost
		}

		n.ClaimedUntil = m.ds.Now().Add(lease)
		buf, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		tx.Set(rec.Predicate, buf, rec.TS, true)
		newToken = n.ClaimedUntil
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newToken, nil
}

// DeleteNotification removes the session's notification if it was
// queued at or before upTo. A notification re-queued during processing
// has a newer timestamp and survives, so the new work is not lost.
func (m *Manager) DeleteNotification(ctx context.Context, queueSubject string, sessionID types.SessionID, upTo types.Timestamp) error {
	return datastore.RetryWrapper(ctx, m.ds, queueSubject, func(tx datastore.Tx) error {
		rec, err := tx.Resolve(ctx, notificationPredicate(sessionID))
		if errors.Is(err, datastore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read notification: %w", err)
		}
		if rec.TS > upTo {
			return nil
		}
		tx.DeleteAttributes(rec.Predicate)
		return nil
	})
}

// ListNotifications returns the queue's notifications without claiming
// them. Used by inspection tooling.
func (m *Manager) ListNotifications(ctx context.Context, queueSubject string) ([]Notification, error) {
	recs, err := m.ds.ResolvePrefix(ctx, queueSubject, notificationPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	out := make([]Notification, 0, len(recs))
	for _, rec := range recs {
		var n Notification
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			continue
		}
		n.QueuedAt = rec.TS
		out = append(out, n)
	}
	return out, nil
}
