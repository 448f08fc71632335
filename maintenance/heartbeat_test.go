package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/quarryhq/quarry/datastore/memdb"
)

func TestRegisterAndListInstances(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	err := RegisterInstance(ctx, ds, Instance{ID: "instance-1", Hostname: "forensics-01"})
	if err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	if err := RegisterInstance(ctx, ds, Instance{ID: "instance-2"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	instances, err := ListInstances(ctx, ds)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("ListInstances() returned %d instances, want 2", len(instances))
	}
	if instances[0].ID != "instance-1" || instances[0].Hostname != "forensics-01" {
		t.Errorf("instance[0] = %+v, want instance-1/forensics-01", instances[0])
	}
	if instances[0].LastHeartbeat == 0 {
		t.Error("Expected registration to write an initial heartbeat")
	}
}

func TestRegisterInstance_RequiresID(t *testing.T) {
	ds := memdb.New()
	if err := RegisterInstance(context.Background(), ds, Instance{}); err == nil {
		t.Fatal("Expected RegisterInstance to refuse an empty id")
	}
}

func TestDeregisterInstance(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	if err := RegisterInstance(ctx, ds, Instance{ID: "instance-1"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}
	if err := DeregisterInstance(ctx, ds, "instance-1"); err != nil {
		t.Fatalf("DeregisterInstance() error = %v", err)
	}

	instances, err := ListInstances(ctx, ds)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("ListInstances() returned %d instances after deregister, want 0", len(instances))
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	if err := RegisterInstance(ctx, ds, Instance{ID: "instance-1"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	hb := NewHeartbeat(ds, "instance-1", &HeartbeatConfig{Interval: 10 * time.Millisecond})

	if err := hb.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := hb.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}
	if !hb.IsRunning() {
		t.Error("Expected heartbeat to be running")
	}

	time.Sleep(30 * time.Millisecond)

	if err := hb.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if hb.IsRunning() {
		t.Error("Expected heartbeat to not be running after Stop")
	}
}

func TestHeartbeat_AdvancesTimestamp(t *testing.T) {
	ds := memdb.New()
	ctx := context.Background()

	if err := RegisterInstance(ctx, ds, Instance{ID: "instance-1"}); err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	before, err := ListInstances(ctx, ds)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}

	hb := NewHeartbeat(ds, "instance-1", nil)
	hb.sendHeartbeat(ctx)

	after, err := ListInstances(ctx, ds)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if after[0].LastHeartbeat < before[0].LastHeartbeat {
		t.Errorf("heartbeat went backwards: %d -> %d", before[0].LastHeartbeat, after[0].LastHeartbeat)
	}
}

func TestHeartbeat_StopNotStarted(t *testing.T) {
	hb := NewHeartbeat(memdb.New(), "instance-1", nil)
	if err := hb.Stop(context.Background()); err != ErrNotStarted {
		t.Fatalf("Stop() error = %v, want %v", err, ErrNotStarted)
	}
}
