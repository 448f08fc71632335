// Package leadership elects one engine instance per role to run the
// singleton services: the foreman rule-expiry sweep, the stuck-flow
// sweep, the hunt output processor and datastore cleanup.
//
// Election uses a TTL lease on the datastore subject for the role. The
// leader must renew its lease before it expires, or another instance
// takes over. The datastore's per-subject transaction makes competing
// grabs safe: at most one commits, the rest see a conflict and stay
// followers.
package leadership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// Default configuration values
const (
	DefaultLeaderTTL       = 30 * time.Second
	DefaultElectionPeriod  = 10 * time.Second
	DefaultReelectionDelay = 5 * time.Second
)

// DefaultRole is the role the engine's singleton services elect under.
const DefaultRole = "engine"

// leasePredicate holds the serialized lease on the role subject.
const leasePredicate = "lease:holder"

// RoleSubject is the datastore subject carrying a role's lease.
func RoleSubject(role string) string {
	return "leadership/" + role
}

// lease is the persisted lease record.
type lease struct {
	Holder  string          `json:"holder"`
	Expires types.Timestamp `json:"expires"`
}

// Config holds configuration for the leader election system.
type Config struct {
	// Role names the lease being contested. Default: DefaultRole.
	Role string

	// LeaderTTL is how long a leader's lease is valid.
	// Default: 30 seconds
	LeaderTTL time.Duration

	// ElectionPeriod is how often to attempt becoming leader when not
	// leader. Default: 10 seconds
	ElectionPeriod time.Duration

	// ReelectionDelay is how long to wait between lease renewals while
	// leader. Should be less than LeaderTTL. Default: 5 seconds
	ReelectionDelay time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Role:            DefaultRole,
		LeaderTTL:       DefaultLeaderTTL,
		ElectionPeriod:  DefaultElectionPeriod,
		ReelectionDelay: DefaultReelectionDelay,
	}
}

// Callbacks are called when leadership status changes.
type Callbacks struct {
	// OnBecameLeader is called when this instance becomes the leader.
	// It is called with the context that was passed to Start().
	OnBecameLeader func(ctx context.Context)

	// OnLostLeadership is called when this instance loses leadership,
	// whether by a failed renewal, explicit resignation, or Stop().
	OnLostLeadership func(ctx context.Context)
}

// Elector manages leader election for one engine instance.
type Elector struct {
	ds         datastore.DataStore
	instanceID string
	config     *Config
	callbacks  Callbacks

	// mu protects isLeader
	mu       sync.RWMutex
	isLeader bool

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewElector creates a new leader elector.
func NewElector(ds datastore.DataStore, instanceID string, config *Config, callbacks Callbacks) *Elector {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Role == "" {
		config.Role = DefaultRole
	}

	return &Elector{
		ds:         ds,
		instanceID: instanceID,
		config:     config,
		callbacks:  callbacks,
		done:       make(chan struct{}),
	}
}

// Start begins the leader election process. It returns immediately and
// runs the election loop in a goroutine. Call Stop() to stop it.
func (e *Elector) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	go e.runElectionLoop(ctx)

	return nil
}

// Stop stops the leader election process.
// If this instance is the leader, it resigns before stopping.
func (e *Elector) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}

	e.cancel()
	<-e.done

	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if wasLeader {
		// Best effort resignation
		resignCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = e.releaseLease(resignCtx)

		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}

	e.started.Store(false)
	return nil
}

// IsLeader returns true if this instance is currently the leader.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// IsRunning returns true if the elector is running.
func (e *Elector) IsRunning() bool {
	return e.started.Load()
}

// Resign voluntarily gives up leadership.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}

	if err := e.releaseLease(ctx); err != nil {
		return err
	}

	if e.callbacks.OnLostLeadership != nil {
		e.callbacks.OnLostLeadership(ctx)
	}

	return nil
}

// runElectionLoop is the main election loop that runs in a goroutine.
func (e *Elector) runElectionLoop(ctx context.Context) {
	defer close(e.done)

	// Try to become leader immediately
	e.attemptElection(ctx)

	for {
		var delay time.Duration
		if e.IsLeader() {
			delay = e.config.ReelectionDelay
		} else {
			delay = e.config.ElectionPeriod
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if e.IsLeader() {
				e.attemptReelection(ctx)
			} else {
				e.attemptElection(ctx)
			}
		}
	}
}

// attemptElection tries to take the lease. The grab succeeds when the
// lease is free, expired, or already ours.
func (e *Elector) attemptElection(ctx context.Context) {
	elected, err := e.takeLease(ctx, false)
	if err != nil {
		// Retry on the next tick
		return
	}

	if elected {
		e.mu.Lock()
		wasLeader := e.isLeader
		e.isLeader = true
		e.mu.Unlock()

		if !wasLeader && e.callbacks.OnBecameLeader != nil {
			e.callbacks.OnBecameLeader(ctx)
		}
	}
}

// attemptReelection renews the lease; losing it demotes the instance.
func (e *Elector) attemptReelection(ctx context.Context) {
	renewed, err := e.takeLease(ctx, true)
	if err != nil || !renewed {
		e.mu.Lock()
		e.isLeader = false
		e.mu.Unlock()

		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}
}

// takeLease writes the lease inside a subject transaction. With
// renewOnly, only a lease we already hold is rewritten.
func (e *Elector) takeLease(ctx context.Context, renewOnly bool) (bool, error) {
	subject := RoleSubject(e.config.Role)
	won := false

	err := datastore.RetryWrapper(ctx, e.ds, subject, func(tx datastore.Tx) error {
		won = false

		now := e.ds.Now()
		current, err := readLease(ctx, tx)
		if err != nil {
			return err
		}

		held := current != nil && current.Expires > now
		switch {
		case held && current.Holder != e.instanceID:
			// Someone else leads.
			return nil
		case renewOnly && (current == nil || current.Holder != e.instanceID):
			// Our lease is gone; do not steal a free one mid-renewal.
			return nil
		}

		buf, err := json.Marshal(lease{
			Holder:  e.instanceID,
			Expires: now.Add(e.config.LeaderTTL),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal lease: %w", err)
		}
		tx.Set(leasePredicate, buf, 0, true)
		won = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update leadership lease: %w", err)
	}
	return won, nil
}

// releaseLease drops the lease if this instance still holds it.
func (e *Elector) releaseLease(ctx context.Context) error {
	subject := RoleSubject(e.config.Role)

	return datastore.RetryWrapper(ctx, e.ds, subject, func(tx datastore.Tx) error {
		current, err := readLease(ctx, tx)
		if err != nil {
			return err
		}
		if current == nil || current.Holder != e.instanceID {
			return nil
		}
		tx.DeleteAttributes(leasePredicate)
		return nil
	})
}

// Holder reports who currently leads the role, if anyone.
func Holder(ctx context.Context, ds datastore.DataStore, role string) (string, bool, error) {
	rec, err := ds.Resolve(ctx, RoleSubject(role), leasePredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read leadership lease: %w", err)
	}

	var l lease
	if err := json.Unmarshal(rec.Value, &l); err != nil {
		return "", false, fmt.Errorf("failed to decode leadership lease: %w", err)
	}
	if l.Expires <= ds.Now() {
		return "", false, nil
	}
	return l.Holder, true, nil
}

func readLease(ctx context.Context, tx datastore.Tx) (*lease, error) {
	rec, err := tx.Resolve(ctx, leasePredicate)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read leadership lease: %w", err)
	}

	var l lease
	if err := json.Unmarshal(rec.Value, &l); err != nil {
		// An undecodable lease is treated as free rather than wedging
		// elections forever.
		return nil, nil
	}
	return &l, nil
}
