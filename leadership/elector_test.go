package leadership

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarryhq/quarry/datastore/memdb"
)

func fastConfig() *Config {
	return &Config{
		LeaderTTL:       100 * time.Millisecond,
		ElectionPeriod:  20 * time.Millisecond,
		ReelectionDelay: 10 * time.Millisecond,
	}
}

func TestElector_StartStop(t *testing.T) {
	ds := memdb.New()
	elector := NewElector(ds, "instance-1", fastConfig(), Callbacks{})

	ctx := context.Background()

	// Start should succeed
	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Second start should fail
	if err := elector.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	// Give time for at least one election attempt
	time.Sleep(60 * time.Millisecond)

	// Stop should succeed
	if err := elector.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if elector.IsRunning() {
		t.Error("Expected elector to not be running after Stop")
	}
}

func TestElector_StopNotStarted(t *testing.T) {
	elector := NewElector(memdb.New(), "instance-1", nil, Callbacks{})

	if err := elector.Stop(context.Background()); err != ErrNotStarted {
		t.Fatalf("Stop() error = %v, want %v", err, ErrNotStarted)
	}
}

func TestElector_BecomesLeader(t *testing.T) {
	ds := memdb.New()

	var becameLeader atomic.Int32
	elector := NewElector(ds, "instance-1", fastConfig(), Callbacks{
		OnBecameLeader: func(ctx context.Context) {
			becameLeader.Add(1)
		},
	})

	ctx := context.Background()
	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = elector.Stop(ctx) }()

	time.Sleep(60 * time.Millisecond)

	if !elector.IsLeader() {
		t.Error("Expected instance-1 to be leader")
	}
	if becameLeader.Load() != 1 {
		t.Errorf("OnBecameLeader called %d times, want 1", becameLeader.Load())
	}

	holder, held, err := Holder(ctx, ds, DefaultRole)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if !held || holder != "instance-1" {
		t.Errorf("Holder() = (%q, %v), want (instance-1, true)", holder, held)
	}
}

func TestElector_OnlyOneLeader(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	first := NewElector(ds, "instance-1", fastConfig(), Callbacks{})
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = first.Stop(ctx) }()

	time.Sleep(60 * time.Millisecond)

	second := NewElector(ds, "instance-2", fastConfig(), Callbacks{})
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = second.Stop(ctx) }()

	time.Sleep(60 * time.Millisecond)

	if !first.IsLeader() {
		t.Error("Expected instance-1 to still be leader")
	}
	if second.IsLeader() {
		t.Error("Expected instance-2 to stay a follower while the lease is held")
	}
}

func TestElector_TakeoverAfterExpiry(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	// A dead leader: lease written once, never renewed.
	dead := NewElector(ds, "instance-dead", &Config{
		LeaderTTL:       50 * time.Millisecond,
		ElectionPeriod:  time.Hour,
		ReelectionDelay: time.Hour,
	}, Callbacks{})
	dead.attemptElection(ctx)
	if !dead.IsLeader() {
		t.Fatal("Expected the first grab to succeed")
	}

	// Wait out the dead leader's TTL, then elect a successor.
	time.Sleep(60 * time.Millisecond)

	successor := NewElector(ds, "instance-2", fastConfig(), Callbacks{})
	successor.attemptElection(ctx)

	if !successor.IsLeader() {
		t.Error("Expected instance-2 to take over the expired lease")
	}

	holder, held, err := Holder(ctx, ds, DefaultRole)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if !held || holder != "instance-2" {
		t.Errorf("Holder() = (%q, %v), want (instance-2, true)", holder, held)
	}
}

func TestElector_Resign(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	var lost atomic.Int32
	elector := NewElector(ds, "instance-1", fastConfig(), Callbacks{
		OnLostLeadership: func(ctx context.Context) {
			lost.Add(1)
		},
	})

	elector.attemptElection(ctx)
	if !elector.IsLeader() {
		t.Fatal("Expected election to succeed")
	}

	if err := elector.Resign(ctx); err != nil {
		t.Fatalf("Resign() error = %v", err)
	}
	if elector.IsLeader() {
		t.Error("Expected resignation to demote the instance")
	}
	if lost.Load() != 1 {
		t.Errorf("OnLostLeadership called %d times, want 1", lost.Load())
	}

	_, held, err := Holder(ctx, ds, DefaultRole)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if held {
		t.Error("Expected the lease to be released after Resign")
	}
}

func TestElector_RenewalKeepsLease(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	elector := NewElector(ds, "instance-1", &Config{
		LeaderTTL:       80 * time.Millisecond,
		ElectionPeriod:  20 * time.Millisecond,
		ReelectionDelay: 20 * time.Millisecond,
	}, Callbacks{})

	if err := elector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = elector.Stop(ctx) }()

	// Poll well past several TTLs; renewals must keep the lease alive.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(40 * time.Millisecond)
		if !elector.IsLeader() {
			t.Fatal("Expected leadership to survive across renewals")
		}
	}
}

func TestRoleSubject(t *testing.T) {
	if got := RoleSubject("engine"); got != "leadership/engine" {
		t.Errorf("RoleSubject() = %q, want leadership/engine", got)
	}
}

// Holder must ignore leases past their expiry even before any cleanup
// runs.
func TestHolder_ExpiredLease(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	elector := NewElector(ds, "instance-1", &Config{
		LeaderTTL:       10 * time.Millisecond,
		ElectionPeriod:  time.Hour,
		ReelectionDelay: time.Hour,
	}, Callbacks{})
	elector.attemptElection(ctx)

	ds.Freeze(ds.Now().Add(time.Hour))
	defer ds.Unfreeze()

	_, held, err := Holder(ctx, ds, DefaultRole)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if held {
		t.Error("Expected expired lease to read as vacant")
	}
}
