// Package worker drives flow execution. A worker claims session
// notifications from its queues under a lease, processes each session's
// completed requests through the flow runner, and retires the
// notification when the pass commits.
//
//   - N sessions run concurrently behind a semaphore channel.
//   - Polling backs off to PollInterval when idle and tightens to
//     ShortPollInterval for ShortPollWindow after any work.
//   - LISTEN/NOTIFY wakeups via the notifier cut poll latency to near
//     zero on Postgres deployments; pure polling works everywhere else.
//
// Workers are embedded in the Engine and start with Engine.Start().
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/notifier"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for worker logging.
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

// Config holds configuration for a worker.
type Config struct {
	// InstanceID identifies this worker in logs and metrics.
	InstanceID string

	// Queues lists the queue names this worker claims from.
	// Default: worker, hunt and enrolment queues.
	Queues []string

	// MaxConcurrentSessions limits how many sessions are processed
	// simultaneously. Default: 10
	MaxConcurrentSessions int

	// Lease is how long a claimed notification stays invisible to other
	// workers. Long passes extend it through the runner heartbeat.
	// Default: 10m
	Lease time.Duration

	// PollInterval is the idle polling period. Default: 2s
	PollInterval time.Duration

	// ShortPollInterval is the polling period right after a batch did
	// work, when more work is likely queued. Default: 300ms
	ShortPollInterval time.Duration

	// ShortPollWindow is how long the short polling period lasts after
	// the last productive batch. Default: 30s
	ShortPollWindow time.Duration

	// ContentionTTL is how long a session that lost its lock to another
	// worker is skipped during claims. Default: 10m
	ContentionTTL time.Duration

	// RunOnceTimeout caps one claim batch, dispatch and drain included.
	// Default: 5m
	RunOnceTimeout time.Duration

	// Logger for worker events. Default: no-op.
	Logger Logger

	// OnError is called when an error occurs during processing.
	OnError func(err error)
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		Queues:                []string{types.WorkerQueue, types.HuntQueue, types.EnrolmentQueue},
		MaxConcurrentSessions: 10,
		Lease:                 10 * time.Minute,
		PollInterval:          2 * time.Second,
		ShortPollInterval:     300 * time.Millisecond,
		ShortPollWindow:       30 * time.Second,
		ContentionTTL:         10 * time.Minute,
		RunOnceTimeout:        5 * time.Minute,
	}
}

// Worker claims and processes session notifications.
type Worker struct {
	deps   *flow.Deps
	queues *queue.Manager
	notif  *notifier.Notifier
	config *Config
	logger Logger

	// Semaphore for concurrency control
	sem chan struct{}

	// Wakeup hint from the notifier; coalesced, capacity 1.
	wake chan struct{}

	contended *contentionCache

	// State
	started     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates a worker. The notifier is optional; without it the worker
// relies on polling alone.
func New(deps *flow.Deps, notif *notifier.Notifier, config *Config) *Worker {
	// Start with defaults and merge user config
	cfg := DefaultConfig()
	if config != nil {
		if config.InstanceID != "" {
			cfg.InstanceID = config.InstanceID
		}
		if len(config.Queues) > 0 {
			cfg.Queues = config.Queues
		}
		if config.MaxConcurrentSessions > 0 {
			cfg.MaxConcurrentSessions = config.MaxConcurrentSessions
		}
		if config.Lease > 0 {
			cfg.Lease = config.Lease
		}
		if config.PollInterval > 0 {
			cfg.PollInterval = config.PollInterval
		}
		if config.ShortPollInterval > 0 {
			cfg.ShortPollInterval = config.ShortPollInterval
		}
		if config.ShortPollWindow > 0 {
			cfg.ShortPollWindow = config.ShortPollWindow
		}
		if config.ContentionTTL > 0 {
			cfg.ContentionTTL = config.ContentionTTL
		}
		if config.RunOnceTimeout > 0 {
			cfg.RunOnceTimeout = config.RunOnceTimeout
		}
		if config.Logger != nil {
			cfg.Logger = config.Logger
		}
		if config.OnError != nil {
			cfg.OnError = config.OnError
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return &Worker{
		deps:      deps,
		queues:    deps.Queues,
		notif:     notif,
		config:    cfg,
		logger:    cfg.Logger,
		sem:       make(chan struct{}, cfg.MaxConcurrentSessions),
		wake:      make(chan struct{}, 1),
		contended: newContentionCache(cfg.ContentionTTL),
	}
}

// Start begins claiming and processing sessions.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, w.cancel = context.WithCancel(ctx)

	// Wake the poller as soon as a notification lands on one of our
	// queues.
	if w.notif != nil && w.notif.IsRunning() {
		w.unsubscribe = w.notif.Subscribe(notifier.EventQueueNotify, w.handleWakeup)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	return nil
}

// Stop stops the worker gracefully, waiting for in-flight sessions.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	return w.started.Load()
}

// handleWakeup reacts to a queue notification event. The payload is the
// queue name the notification landed on.
func (w *Worker) handleWakeup(event *notifier.Event) {
	for _, queueName := range w.config.Queues {
		if event.Payload == queueName {
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return
		}
	}
}

// pollLoop claims batches on a timer, tightening the interval for a
// window after productive batches.
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	var shortUntil time.Time
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logError(fmt.Errorf("claim batch failed: %w", err))
		}
		if processed > 0 {
			shortUntil = time.Now().Add(w.config.ShortPollWindow)
		}

		interval := w.config.PollInterval
		if time.Now().Before(shortUntil) {
			interval = w.config.ShortPollInterval
		}
		timer.Reset(interval)
	}
}

// RunOnce claims one batch of notifications across the configured
// queues and processes the sessions, returning how many were dispatched.
// The whole batch is capped at RunOnceTimeout; sessions cut off by the
// cap keep their claim and are retried after lease expiry.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.RunOnceTimeout)
	defer cancel()

	var batch sync.WaitGroup
	defer batch.Wait()

	dispatched := 0
	for _, queueName := range w.config.Queues {
		free := cap(w.sem) - len(w.sem)
		if free <= 0 {
			break
		}

		claimed, err := w.queues.ClaimNotifications(
			ctx, types.QueueSubject(queueName), w.config.Lease, free,
			func(n queue.Notification) bool {
				return !w.contended.Contains(n.SessionID)
			},
		)
		if err != nil {
			return dispatched, fmt.Errorf("failed to claim from %s: %w", queueName, err)
		}

		for _, cn := range claimed {
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return dispatched, ctx.Err()
			}

			batch.Add(1)
			w.wg.Add(1)
			go func(queueName string, cn queue.ClaimedNotification) {
				defer w.wg.Done()
				defer batch.Done()
				defer func() { <-w.sem }()
				w.processSession(ctx, queueName, cn)
			}(queueName, cn)
			dispatched++
		}
	}

	return dispatched, nil
}

// processSession runs one flow pass over a claimed session and retires
// the notification on success. A lock conflict means another worker
// owns the session; it goes on the contention list and the notification
// is left for the lease to expire.
func (w *Worker) processSession(ctx context.Context, queueName string, cn queue.ClaimedNotification) {
	defer func() {
		if rec := recover(); rec != nil {
			panicsRescued.Inc()
			w.logger.Error("panic while processing session",
				"session_id", cn.SessionID,
				"instance_id", w.config.InstanceID,
				"panic", rec,
			)
		}
	}()

	queueSubject := types.QueueSubject(queueName)
	token := cn.Token
	lastRefresh := time.Now()
	heartbeat := func() {
		if time.Since(lastRefresh) < w.config.Lease/2 {
			return
		}
		newToken, err := w.queues.RefreshClaim(ctx, queueSubject, cn.SessionID, token, w.config.Lease)
		if err != nil {
			w.logger.Warn("failed to refresh session claim",
				"session_id", cn.SessionID,
				"error", err,
			)
			return
		}
		token = newToken
		lastRefresh = time.Now()
	}

	_, err := flow.ProcessSession(ctx, w.deps, cn.SessionID, flow.WithHeartbeat(heartbeat))
	if errors.Is(err, datastore.ErrTransactionConflict) {
		w.contended.Add(cn.SessionID)
		sessionConflicts.Inc()
		w.logger.Debug("session locked by another worker",
			"session_id", cn.SessionID,
		)
		return
	}
	if err != nil {
		w.logError(fmt.Errorf("failed to process session %s: %w", cn.SessionID, err))
		return
	}

	// Retire the notification this claim consumed. Work queued during
	// processing has a newer timestamp and survives the delete.
	if err := w.queues.DeleteNotification(ctx, queueSubject, cn.SessionID, cn.QueuedAt); err != nil {
		w.logError(fmt.Errorf("failed to delete notification for %s: %w", cn.SessionID, err))
		return
	}

	sessionsProcessed.WithLabelValues(queueName).Inc()
}

// logError logs an error using the configured handler or the logger.
func (w *Worker) logError(err error) {
	if w.config.OnError != nil {
		w.config.OnError(err)
		return
	}
	w.logger.Error("worker error", "error", err)
}

// contentionCache remembers sessions that recently lost their lock to
// another worker, so repeated claim batches do not pile onto them.
type contentionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[types.SessionID]time.Time
}

func newContentionCache(ttl time.Duration) *contentionCache {
	return &contentionCache{
		ttl:     ttl,
		entries: make(map[types.SessionID]time.Time),
	}
}

// Add marks the session as contended from now.
func (c *contentionCache) Add(sessionID types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = time.Now()
}

// Contains reports whether the session is still inside its contention
// window. Expired entries are pruned on lookup.
func (c *contentionCache) Contains(sessionID types.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	added, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	if time.Since(added) > c.ttl {
		delete(c.entries, sessionID)
		return false
	}
	return true
}
