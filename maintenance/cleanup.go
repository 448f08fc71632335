package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Default cleanup configuration values
const (
	DefaultCleanupInterval  = 1 * time.Minute
	DefaultStuckFlowTimeout = 1 * time.Hour
)

// StuckFlowReason is recorded on sessions terminated by the sweep.
const StuckFlowReason = "Worker stuck: session claimed but never completed."

// CleanupConfig holds configuration for the cleanup service.
type CleanupConfig struct {
	// Interval is how often to run cleanup operations.
	// Default: 1 minute
	Interval time.Duration

	// StuckFlowTimeout is how long a claimed session notification may
	// sit on a queue before its flow is terminated as stuck.
	// Default: 1 hour
	StuckFlowTimeout time.Duration

	// InstanceTTL is how long since the last heartbeat before an
	// instance counts as dead. Default: DefaultInstanceTTL.
	InstanceTTL time.Duration

	// Queues are the notification queues swept for stuck sessions.
	Queues []string

	// OnStaleInstanceCleanup is called with the number of dead
	// instances removed.
	OnStaleInstanceCleanup func(count int)

	// OnStuckFlowCleanup is called with the number of sessions
	// terminated as stuck.
	OnStuckFlowCleanup func(count int)

	// OnError is called when a cleanup operation fails.
	OnError func(err error)
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		Interval:         DefaultCleanupInterval,
		StuckFlowTimeout: DefaultStuckFlowTimeout,
		InstanceTTL:      DefaultInstanceTTL,
		Queues:           []string{types.WorkerQueue, types.HuntQueue},
	}
}

// CleanupResult holds the results of one cleanup pass.
type CleanupResult struct {
	// StaleInstancesCleaned is the number of dead instances removed.
	StaleInstancesCleaned int

	// StuckFlowsTerminated is the number of sessions marked for
	// termination because their claim never completed.
	StuckFlowsTerminated int

	// ExpiredApprovalsCleaned is the number of expired approval
	// subjects deleted.
	ExpiredApprovalsCleaned int

	// ExpiredRulesCleaned reports whether the foreman rule sweep ran.
	ExpiredRulesCleaned bool

	// Errors contains any errors that occurred during cleanup.
	Errors []error
}

// Cleanup removes state nobody will act on again: dead instance
// records, expired approvals, expired foreman rules, and sessions whose
// worker died mid-claim. Run it on the leader only; every operation is
// idempotent, so an accidental second sweeper is wasteful, not wrong.
type Cleanup struct {
	ds      datastore.DataStore
	queues  *queue.Manager
	acls    *acl.Manager
	foreman *foreman.Foreman
	config  *CleanupConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewCleanup creates a new cleanup service. The acl manager and foreman
// are optional; nil skips their sweeps.
func NewCleanup(ds datastore.DataStore, queues *queue.Manager, acls *acl.Manager, fm *foreman.Foreman, config *CleanupConfig) *Cleanup {
	if config == nil {
		config = DefaultCleanupConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultCleanupInterval
	}
	if config.StuckFlowTimeout <= 0 {
		config.StuckFlowTimeout = DefaultStuckFlowTimeout
	}
	if config.InstanceTTL <= 0 {
		config.InstanceTTL = DefaultInstanceTTL
	}
	if len(config.Queues) == 0 {
		config.Queues = []string{types.WorkerQueue, types.HuntQueue}
	}

	return &Cleanup{
		ds:      ds,
		queues:  queues,
		acls:    acls,
		foreman: fm,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the cleanup loop.
// It returns immediately and runs cleanup operations in a goroutine.
// This should only be called when this instance is the leader.
func (c *Cleanup) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)

	return nil
}

// Stop stops the cleanup loop.
func (c *Cleanup) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	c.cancel()
	<-c.done

	c.started.Store(false)
	return nil
}

// run is the main cleanup loop.
func (c *Cleanup) run(ctx context.Context) {
	defer close(c.done)

	// Run cleanup immediately on start
	c.runCleanup(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCleanup(ctx)
		}
	}
}

// runCleanup performs all cleanup operations.
func (c *Cleanup) runCleanup(ctx context.Context) {
	result := c.RunOnce(ctx)

	if c.config.OnStaleInstanceCleanup != nil && result.StaleInstancesCleaned > 0 {
		c.config.OnStaleInstanceCleanup(result.StaleInstancesCleaned)
	}

	if c.config.OnStuckFlowCleanup != nil && result.StuckFlowsTerminated > 0 {
		c.config.OnStuckFlowCleanup(result.StuckFlowsTerminated)
	}

	if c.config.OnError != nil {
		for _, err := range result.Errors {
			c.config.OnError(err)
		}
	}
}

// RunOnce performs cleanup operations once and returns the result.
// This can be called manually for testing or one-off cleanup.
func (c *Cleanup) RunOnce(ctx context.Context) *CleanupResult {
	result := &CleanupResult{}

	// Clean up dead instances
	staleCount, err := c.cleanupStaleInstances(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.StaleInstancesCleaned = staleCount
	}

	// Terminate stuck sessions
	stuckCount, err := c.cleanupStuckFlows(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.StuckFlowsTerminated = stuckCount
	}

	// Drop expired approvals
	if c.acls != nil {
		approvalCount, err := c.cleanupExpiredApprovals(ctx)
		if err != nil {
			result.Errors = append(result.Errors, err)
		} else {
			result.ExpiredApprovalsCleaned = approvalCount
		}
	}

	// Drop expired foreman rules
	if c.foreman != nil {
		if err := c.foreman.ExpireRules(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to expire foreman rules: %w", err))
		} else {
			result.ExpiredRulesCleaned = true
		}
	}

	return result
}

// cleanupStaleInstances removes instances whose heartbeats stopped.
func (c *Cleanup) cleanupStaleInstances(ctx context.Context) (int, error) {
	instances, err := ListInstances(ctx, c.ds)
	if err != nil {
		return 0, err
	}

	horizon := c.ds.Now().Add(-c.config.InstanceTTL)
	count := 0
	for _, inst := range instances {
		if inst.LastHeartbeat >= horizon {
			continue
		}
		if err := DeregisterInstance(ctx, c.ds, inst.ID); err != nil {
			// Continue with other instances even if one fails
			continue
		}
		count++
	}

	return count, nil
}

// cleanupStuckFlows terminates sessions whose notification was claimed
// but never deleted within StuckFlowTimeout. Claims preserve the
// notification's queue timestamp, so its age is the age of the work.
func (c *Cleanup) cleanupStuckFlows(ctx context.Context) (int, error) {
	if c.queues == nil {
		return 0, nil
	}

	horizon := c.ds.Now().Add(-c.config.StuckFlowTimeout)
	count := 0
	for _, queueName := range c.config.Queues {
		notifications, err := c.queues.ListNotifications(ctx, types.QueueSubject(queueName))
		if err != nil {
			return count, fmt.Errorf("failed to list notifications on %s: %w", queueName, err)
		}
		for _, n := range notifications {
			// Unclaimed backlog is slow, not stuck.
			if n.ClaimedUntil == 0 || n.QueuedAt >= horizon {
				continue
			}
			if err := flow.MarkForTermination(ctx, c.ds, n.SessionID, StuckFlowReason); err != nil {
				continue
			}
			// Wake a worker so the termination mark is acted on now.
			if err := c.queues.NotifySession(ctx, n.SessionID, 0); err != nil {
				continue
			}
			stuckFlowsTerminated.Inc()
			count++
		}
	}

	return count, nil
}

// cleanupExpiredApprovals deletes approval subjects past their expiry.
func (c *Cleanup) cleanupExpiredApprovals(ctx context.Context) (int, error) {
	subjects, err := c.acls.ExpiredApprovalSubjects(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, subject := range subjects {
		if err := c.ds.DeleteSubject(ctx, subject); err != nil {
			continue
		}
		count++
	}

	return count, nil
}

// IsRunning returns true if the cleanup service is running.
func (c *Cleanup) IsRunning() bool {
	return c.started.Load()
}
