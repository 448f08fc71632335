package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

func TestCleanup_StaleInstances(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	if err := RegisterInstance(ctx, ds, Instance{ID: "instance-dead"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	// Move time past the instance TTL; the dead instance never
	// heartbeats again while the live one does.
	ds.Freeze(ds.Now().Add(3 * time.Minute))
	defer ds.Unfreeze()

	if err := RegisterInstance(ctx, ds, Instance{ID: "instance-live"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	cleanup := NewCleanup(ds, queue.NewManager(ds, nil), nil, nil, nil)
	result := cleanup.RunOnce(ctx)

	if len(result.Errors) != 0 {
		t.Fatalf("RunOnce() errors = %v", result.Errors)
	}
	if result.StaleInstancesCleaned != 1 {
		t.Errorf("StaleInstancesCleaned = %d, want 1", result.StaleInstancesCleaned)
	}

	instances, err := ListInstances(ctx, ds)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "instance-live" {
		t.Errorf("surviving instances = %+v, want only instance-live", instances)
	}
}

func TestCleanup_StuckFlows(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()
	queues := queue.NewManager(ds, nil)

	stuck := types.NewSessionID(types.WorkerQueue)
	fresh := types.NewSessionID(types.WorkerQueue)

	if err := queues.NotifySession(ctx, stuck, 0); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}
	// The stuck session's worker claims the notification and dies.
	claimed, err := queues.ClaimNotifications(ctx, types.QueueSubject(types.WorkerQueue), 10*time.Minute, 0, nil)
	if err != nil {
		t.Fatalf("ClaimNotifications() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d notifications, want 1", len(claimed))
	}

	ds.Freeze(ds.Now().Add(2 * time.Hour))
	defer ds.Unfreeze()

	// A recent, unclaimed notification must survive the sweep.
	if err := queues.NotifySession(ctx, fresh, 0); err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}

	cleanup := NewCleanup(ds, queues, nil, nil, nil)
	result := cleanup.RunOnce(ctx)

	if len(result.Errors) != 0 {
		t.Fatalf("RunOnce() errors = %v", result.Errors)
	}
	if result.StuckFlowsTerminated != 1 {
		t.Errorf("StuckFlowsTerminated = %d, want 1", result.StuckFlowsTerminated)
	}

	// The stuck session carries the termination mark; the fresh one
	// does not.
	rec, err := ds.Resolve(ctx, stuck.Subject(), "task:pending_termination")
	if err != nil {
		t.Fatalf("expected termination mark on stuck session: %v", err)
	}
	if string(rec.Value) != StuckFlowReason {
		t.Errorf("termination reason = %q, want %q", rec.Value, StuckFlowReason)
	}
	if _, err := ds.Resolve(ctx, fresh.Subject(), "task:pending_termination"); err == nil {
		t.Error("fresh session must not be marked for termination")
	}

	// The sweep re-notifies the stuck session so a worker acts on the
	// mark.
	notifications, err := queues.ListNotifications(ctx, types.QueueSubject(types.WorkerQueue))
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	var requeued bool
	for _, n := range notifications {
		if n.SessionID == stuck && n.ClaimedUntil == 0 {
			requeued = true
		}
	}
	if !requeued {
		t.Error("expected the stuck session to be re-notified without a claim")
	}
}

func TestCleanup_ExpiredApprovals(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	acls := acl.NewManager(ds, nil, &acl.Config{ApprovalLifetime: time.Hour})
	token := &acl.Token{Username: "analyst", Reason: "case-1"}
	clientID := types.NewClientID()

	if _, err := acls.RequestApproval(ctx, token, clientID.Subject(), nil, nil); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	cleanup := NewCleanup(ds, queue.NewManager(ds, nil), acls, nil, nil)

	// Still valid: nothing to clean.
	result := cleanup.RunOnce(ctx)
	if result.ExpiredApprovalsCleaned != 0 {
		t.Errorf("ExpiredApprovalsCleaned = %d before expiry, want 0", result.ExpiredApprovalsCleaned)
	}

	ds.Freeze(ds.Now().Add(2 * time.Hour))
	defer ds.Unfreeze()

	result = cleanup.RunOnce(ctx)
	if result.ExpiredApprovalsCleaned != 1 {
		t.Errorf("ExpiredApprovalsCleaned = %d after expiry, want 1", result.ExpiredApprovalsCleaned)
	}

	subjects, err := ds.ScanSubjects(ctx, "ACL/", 0)
	if err != nil {
		t.Fatalf("ScanSubjects() error = %v", err)
	}
	if len(subjects) != 0 {
		t.Errorf("approval subjects after cleanup = %v, want none", subjects)
	}
}

func TestCleanup_StartStop(t *testing.T) {
	ds := memdb.New()
	cleanup := NewCleanup(ds, queue.NewManager(ds, nil), nil, nil, &CleanupConfig{
		Interval: 10 * time.Millisecond,
	})

	ctx := context.Background()
	if err := cleanup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := cleanup.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	time.Sleep(30 * time.Millisecond)

	if err := cleanup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if cleanup.IsRunning() {
		t.Error("Expected cleanup to not be running after Stop")
	}
}
