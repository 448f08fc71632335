package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/hunt"
	"github.com/quarryhq/quarry/notifier"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Sentinel errors returned by the processor.
var (
	// ErrAlreadyStarted is returned when Start() is called on an already started processor.
	ErrAlreadyStarted = errors.New("output processor already started")

	// ErrNotStarted is returned when Stop() is called on a processor that is not running.
	ErrNotStarted = errors.New("output processor not started")
)

// Config holds configuration for the output processor.
type Config struct {
	// Lease is how long a claimed hunt notification stays invisible to
	// other processors. Default: 200s
	Lease time.Duration

	// BatchSize is how many results are fed to a plugin per call.
	// Default: 1000
	BatchSize int

	// MaxRunningTime caps one hunt's export round. A hunt with more
	// backlog than fits is re-notified and continues next round.
	// Default: 0.6 x Lease
	MaxRunningTime time.Duration

	// PollInterval is the idle polling period. Default: 5s
	PollInterval time.Duration

	// CompactionThreshold is the loose-item count above which the
	// results collection is compacted after an export round.
	// Default: 100
	CompactionThreshold int

	// Logger for processor events. Default: no-op.
	Logger Logger

	// OnError is called when an error occurs during processing.
	OnError func(err error)
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() *Config {
	return &Config{
		Lease:               200 * time.Second,
		BatchSize:           1000,
		MaxRunningTime:      120 * time.Second,
		PollInterval:        5 * time.Second,
		CompactionThreshold: 100,
	}
}

// Processor drains the hunt results queue. It runs on the leader: for
// each notified hunt it constructs the configured output plugins, feeds
// them the results beyond their recorded offsets, and retires the
// notification when every plugin is caught up.
type Processor struct {
	ds     datastore.DataStore
	queues *queue.Manager
	notif  *notifier.Notifier
	config *Config
	logger Logger

	// Wakeup hint from the notifier; coalesced, capacity 1.
	wake chan struct{}

	// State
	started     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewProcessor creates an output processor. The notifier is optional;
// without it the processor relies on polling alone.
func NewProcessor(ds datastore.DataStore, queues *queue.Manager, notif *notifier.Notifier, config *Config) *Processor {
	// Start with defaults and merge user config
	cfg := DefaultConfig()
	if config != nil {
		if config.Lease > 0 {
			cfg.Lease = config.Lease
			cfg.MaxRunningTime = config.Lease * 6 / 10
		}
		if config.BatchSize > 0 {
			cfg.BatchSize = config.BatchSize
		}
		if config.MaxRunningTime > 0 {
			cfg.MaxRunningTime = config.MaxRunningTime
		}
		if config.PollInterval > 0 {
			cfg.PollInterval = config.PollInterval
		}
		if config.CompactionThreshold > 0 {
			cfg.CompactionThreshold = config.CompactionThreshold
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

	return &Processor{
		ds:     ds,
		queues: queues,
		notif:  notif,
		config: cfg,
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start begins draining the hunt results queue.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)

	if p.notif != nil && p.notif.IsRunning() {
		p.unsubscribe = p.notif.Subscribe(notifier.EventHuntResults, func(event *notifier.Event) {
			select {
			case p.wake <- struct{}{}:
			default:
			}
		})
	}

	p.wg.Add(1)
	go p.pollLoop(ctx)

	return nil
}

// Stop stops the processor gracefully, waiting for the current round.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the processor is running.
func (p *Processor) IsRunning() bool {
	return p.started.Load()
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logError(fmt.Errorf("hunt results round failed: %w", err))
		}
	}
}

// RunOnce claims the queued hunt notifications and runs one export
// round per hunt, returning how many hunts were processed.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	claimed, err := p.queues.ClaimNotifications(ctx, types.HuntResultsQueueSubject, p.config.Lease, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to claim hunt notifications: %w", err)
	}

	processed := 0
	for _, cn := range claimed {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := p.processHunt(ctx, cn); err != nil {
			p.logError(fmt.Errorf("failed to process results of %s: %w", cn.SessionID, err))
			continue
		}
		processed++
	}
	return processed, nil
}

// processHunt runs one export round for a hunt: every configured plugin
// chews through the results beyond its offset, isolated from the
// others. The notification is retired afterwards; a round cut short by
// MaxRunningTime re-notifies first so the backlog gets another round.
func (p *Processor) processHunt(ctx context.Context, cn queue.ClaimedNotification) error {
	huntID := cn.SessionID
	queueSubject := types.HuntResultsQueueSubject

	h, err := hunt.Load(ctx, p.ds, huntID)
	if errors.Is(err, hunt.ErrUnknownHunt) {
		// The hunt is gone; drop the stray notification.
		return p.queues.DeleteNotification(ctx, queueSubject, huntID, cn.QueuedAt)
	}
	if err != nil {
		return err
	}

	results := collection.New(p.ds, flow.ResultsSubject(huntID))
	size, err := results.Size(ctx)
	if err != nil {
		return fmt.Errorf("failed to size results collection: %w", err)
	}

	token := cn.Token
	lastRefresh := time.Now()
	heartbeat := func() {
		if time.Since(lastRefresh) < p.config.Lease/2 {
			return
		}
		newToken, err := p.queues.RefreshClaim(ctx, queueSubject, huntID, token, p.config.Lease)
		if err != nil {
			p.logger.Warn("failed to refresh hunt results claim",
				"hunt_id", huntID,
				"error", err,
			)
			return
		}
		token = newToken
		lastRefresh = time.Now()
	}

	deadline := time.Now().Add(p.config.MaxRunningTime)
	timedOut := false
	for i, desc := range h.Args.OutputPlugins {
		caughtUp, err := p.runPlugin(ctx, huntID, i, desc, results, size, deadline, heartbeat)
		if err != nil {
			// Recorded in the plugin's status; the other plugins still run.
			pluginFailures.WithLabelValues(desc.Name).Inc()
			p.logger.Warn("output plugin failed",
				"hunt_id", huntID,
				"plugin", desc.Name,
				"error", err,
			)
			continue
		}
		if !caughtUp {
			timedOut = true
		}
	}

	if _, err := results.CompactIfNeeded(ctx, p.config.CompactionThreshold); err != nil {
		p.logger.Warn("failed to compact results collection",
			"hunt_id", huntID,
			"error", err,
		)
	}

	if timedOut {
		// Re-notify before retiring the claim; the fresh notification has
		// a newer timestamp and survives the delete.
		if err := p.queues.NotifyOnSubject(ctx, queueSubject, huntID, 0); err != nil {
			return fmt.Errorf("failed to re-notify %s: %w", huntID, err)
		}
	}
	if err := p.queues.DeleteNotification(ctx, queueSubject, huntID, cn.QueuedAt); err != nil {
		return fmt.Errorf("failed to retire notification for %s: %w", huntID, err)
	}

	huntsExported.Inc()
	return nil
}

// runPlugin feeds one plugin its unexported backlog and persists the
// advanced offset and status. It reports whether the plugin caught up
// to size before the deadline. Plugin errors and panics are recorded in
// the plugin's status and returned; the offset keeps whatever progress
// the earlier batches made.
func (p *Processor) runPlugin(
	ctx context.Context,
	huntID types.SessionID,
	idx int,
	desc hunt.PluginDescriptor,
	results *collection.Collection,
	size int64,
	deadline time.Time,
	heartbeat func(),
) (bool, error) {
	metaSubject := hunt.ResultsMetadataSubject(huntID)

	offset := int64(0)
	if rec, err := p.ds.Resolve(ctx, metaSubject, offsetPredicate(idx)); err == nil {
		if v, derr := datastore.DecodeInt(rec.Value); derr == nil {
			offset = v
		}
	} else if !errors.Is(err, datastore.ErrNotFound) {
		return false, fmt.Errorf("failed to read plugin offset: %w", err)
	}
	if offset >= size {
		return true, nil
	}

	factory, ok := LookupPlugin(desc.Name)
	if !ok {
		err := fmt.Errorf("output plugin %q is not registered", desc.Name)
		p.recordStatus(ctx, huntID, idx, desc.Name, err)
		return false, err
	}
	plugin, err := factory(huntID, desc.Args)
	if err != nil {
		err = fmt.Errorf("failed to construct plugin %q: %w", desc.Name, err)
		p.recordStatus(ctx, huntID, idx, desc.Name, err)
		return false, err
	}

	caughtUp := true
	var exportErr error
	for offset < size {
		if time.Now().After(deadline) {
			caughtUp = false
			break
		}

		batch, err := results.Items(ctx, offset, int64(p.config.BatchSize))
		if err != nil {
			exportErr = fmt.Errorf("failed to read results batch: %w", err)
			break
		}
		if len(batch) == 0 {
			break
		}

		if err := safeProcess(ctx, plugin, batch); err != nil {
			exportErr = err
			break
		}
		offset += int64(len(batch))
		resultsExported.WithLabelValues(desc.Name).Add(float64(len(batch)))
		heartbeat()
	}

	if exportErr == nil {
		if err := safeFlush(ctx, plugin); err != nil {
			exportErr = err
		}
	}

	// Persist whatever progress was made even when a later batch failed.
	if err := p.ds.Set(ctx, metaSubject, offsetPredicate(idx), datastore.EncodeInt(offset), 0, true); err != nil {
		return false, fmt.Errorf("failed to write plugin offset: %w", err)
	}
	p.recordStatus(ctx, huntID, idx, desc.Name, exportErr)

	if exportErr != nil {
		return false, exportErr
	}
	return caughtUp, nil
}

// recordStatus updates the plugin's durable status row. A nil err
// clears LastError; a non-nil err bumps the failure count.
func (p *Processor) recordStatus(ctx context.Context, huntID types.SessionID, idx int, name string, err error) {
	metaSubject := hunt.ResultsMetadataSubject(huntID)

	status := Status{Plugin: name}
	if rec, rerr := p.ds.Resolve(ctx, metaSubject, statusPredicate(idx)); rerr == nil {
		var old Status
		if json.Unmarshal(rec.Value, &old) == nil {
			status.Failures = old.Failures
		}
	}
	if err != nil {
		status.Failures++
		status.LastError = err.Error()
	}
	status.UpdatedAt = p.ds.Now()

	buf, merr := json.Marshal(status)
	if merr != nil {
		return
	}
	if werr := p.ds.Set(ctx, metaSubject, statusPredicate(idx), buf, 0, true); werr != nil {
		p.logger.Warn("failed to write plugin status",
			"hunt_id", huntID,
			"plugin", name,
			"error", werr,
		)
	}
}

// safeProcess calls ProcessResults with panic containment.
func safeProcess(ctx context.Context, plugin Plugin, batch []types.Document) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panicked: %v", rec)
		}
	}()
	return plugin.ProcessResults(ctx, batch)
}

// safeFlush calls Flush with panic containment.
func safeFlush(ctx context.Context, plugin Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panicked in flush: %v", rec)
		}
	}()
	return plugin.Flush(ctx)
}

func (p *Processor) logError(err error) {
	if p.config.OnError != nil {
		p.config.OnError(err)
		return
	}
	p.logger.Error("output processor error", "error", err)
}
