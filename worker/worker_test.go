package worker

import (
	"context"
	"testing"
	"time"

	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

func newTestDeps(t *testing.T) (*flow.Deps, *memdb.Store) {
	t.Helper()
	store := memdb.New()
	return &flow.Deps{Store: store, Queues: queue.NewManager(store, nil)}, store
}

// noWorkFlow terminates on its first worker pass.
type noWorkFlow struct{ flow.Base }

func (noWorkFlow) Name() string { return "WorkerTestNoop" }

func (noWorkFlow) Start(ctx context.Context, r *flow.Runner) error { return nil }

func registerTestFlows(t *testing.T, defs ...flow.Definition) {
	t.Helper()
	flow.ClearRegistry()
	for _, def := range defs {
		flow.MustRegister(def)
	}
	t.Cleanup(flow.ClearRegistry)
}

func TestRunOnceProcessesQueuedSession(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	registerTestFlows(t, noWorkFlow{})

	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{FlowName: "WorkerTestNoop"})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	w := New(deps, nil, nil)
	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	fctx, err := flow.LoadContext(ctx, store, sid)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if fctx.State != flow.StateTerminated {
		t.Errorf("state = %s, want TERMINATED after the worker pass", fctx.State)
	}

	notifications, err := deps.Queues.ListNotifications(ctx, types.QueueSubject(types.WorkerQueue))
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(notifications) != 0 {
		t.Errorf("notifications = %+v, want the claim retired", notifications)
	}
}

func TestRunOnceSkipsIneligibleNotification(t *testing.T) {
	ctx := context.Background()
	deps, store := newTestDeps(t)
	registerTestFlows(t, noWorkFlow{})

	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{FlowName: "WorkerTestNoop"})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	// Push the wakeup into the future; the claim must skip it.
	if err := deps.Queues.NotifySession(ctx, sid, store.Now().Add(time.Hour)); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}

	w := New(deps, nil, nil)
	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0 for a future notification", processed)
	}

	fctx, err := flow.LoadContext(ctx, store, sid)
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if fctx.State == flow.StateTerminated {
		t.Error("session terminated early, want it untouched until eligible")
	}
}

func TestRunOnceSkipsContendedSession(t *testing.T) {
	ctx := context.Background()
	deps, _ := newTestDeps(t)
	registerTestFlows(t, noWorkFlow{})

	sid, err := flow.StartFlow(ctx, deps, flow.StartArgs{FlowName: "WorkerTestNoop"})
	if err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	w := New(deps, nil, nil)
	w.contended.Add(sid)

	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want contended session skipped", processed)
	}

	// Skipped, not claimed: the notification stays available for the
	// worker that owns the session.
	notifications, err := deps.Queues.ListNotifications(ctx, types.QueueSubject(types.WorkerQueue))
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(notifications) != 1 || notifications[0].ClaimedUntil != 0 {
		t.Errorf("notifications = %+v, want one unclaimed", notifications)
	}
}

func TestContentionCacheExpiry(t *testing.T) {
	cache := newContentionCache(20 * time.Millisecond)
	sid := types.NewSessionID(types.WorkerQueue)

	if cache.Contains(sid) {
		t.Error("Contains() = true before Add")
	}
	cache.Add(sid)
	if !cache.Contains(sid) {
		t.Error("Contains() = false right after Add")
	}

	time.Sleep(30 * time.Millisecond)
	if cache.Contains(sid) {
		t.Error("Contains() = true after TTL expiry")
	}
}

func TestStartStop(t *testing.T) {
	deps, _ := newTestDeps(t)
	registerTestFlows(t)

	w := New(deps, nil, &Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}
	if !w.IsRunning() {
		t.Error("Expected worker to be running after Start")
	}

	time.Sleep(30 * time.Millisecond)

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(ctx); err != ErrNotStarted {
		t.Fatalf("second Stop() error = %v, want %v", err, ErrNotStarted)
	}
	if w.IsRunning() {
		t.Error("Expected worker to not be running after Stop")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrentSessions != 10 {
		t.Errorf("MaxConcurrentSessions = %d, want 10", cfg.MaxConcurrentSessions)
	}
	if cfg.Lease != 10*time.Minute {
		t.Errorf("Lease = %v, want 10m", cfg.Lease)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if len(cfg.Queues) != 3 {
		t.Errorf("Queues = %v, want the three engine queues", cfg.Queues)
	}
}
