package pgxv5

import (
	"context"
	"errors"
	"testing"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/driver"
	"github.com/quarryhq/quarry/internal/testutil"
)

func setupStore(t *testing.T) (*testutil.TestDB, *Driver) {
	t.Helper()
	testutil.RequireIntegration(t)

	db := testutil.NewTestDB(t)
	if db == nil {
		return nil, nil
	}
	t.Cleanup(db.Close)

	ctx := context.Background()
	drv := New(db.Pool)
	if err := drv.GetStore().Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("Failed to clean tables: %v", err)
	}
	return db, drv
}

func TestIntegration_Store_ResolveAndPrefix(t *testing.T) {
	_, drv := setupStore(t)
	if drv == nil {
		return
	}
	ctx := context.Background()
	store := drv.GetStore()

	values := map[string][]datastore.VersionedValue{
		"flow:state": {{Value: []byte("RUNNING"), TS: 100}},
		"flow:args":  {{Value: []byte(`{"path":"/tmp"}`), TS: 100}},
	}
	if err := store.MultiSet(ctx, "flows/W:abc", values, nil, false); err != nil {
		t.Fatalf("MultiSet failed: %v", err)
	}

	recs, err := store.ResolvePrefix(ctx, "flows/W:abc", "flow:", datastore.Newest())
	if err != nil {
		t.Fatalf("ResolvePrefix failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ResolvePrefix returned %d records, want 2", len(recs))
	}
	if recs[0].Predicate != "flow:args" || recs[1].Predicate != "flow:state" {
		t.Errorf("predicates = %s,%s, want flow:args,flow:state", recs[0].Predicate, recs[1].Predicate)
	}

	// The _lock predicate must be matched literally, not as a wildcard.
	if err := store.Set(ctx, "flows/W:abc", "_lock", []byte("1"), 100, false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	locks, err := store.ResolvePrefix(ctx, "flows/W:abc", "_lock", datastore.Newest())
	if err != nil {
		t.Fatalf("ResolvePrefix(_lock) failed: %v", err)
	}
	if len(locks) != 1 {
		t.Errorf("ResolvePrefix(_lock) returned %d records, want 1", len(locks))
	}

	subjects, err := store.ScanSubjects(ctx, "flows/", 0)
	if err != nil {
		t.Fatalf("ScanSubjects failed: %v", err)
	}
	if len(subjects) != 1 || subjects[0] != "flows/W:abc" {
		t.Errorf("subjects = %v, want [flows/W:abc]", subjects)
	}

	if err := store.DeleteSubject(ctx, "flows/W:abc"); err != nil {
		t.Fatalf("DeleteSubject failed: %v", err)
	}
	if _, err := store.Resolve(ctx, "flows/W:abc", "flow:state"); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Resolve after DeleteSubject = %v, want ErrNotFound", err)
	}
}

func TestIntegration_Store_ReplaceAndQuery(t *testing.T) {
	_, drv := setupStore(t)
	if drv == nil {
		return
	}
	ctx := context.Background()
	store := drv.GetStore()

	store.Set(ctx, "clients/C.1", "os", []byte("Linux"), 100, false)
	store.Set(ctx, "clients/C.1", "os", []byte("Linux 6.1"), 200, true)
	store.Set(ctx, "clients/C.2", "os", []byte("Windows"), 100, false)

	all, err := store.ResolveMulti(ctx, "clients/C.1", []string{"os"}, datastore.AllTimestamps())
	if err != nil {
		t.Fatalf("ResolveMulti failed: %v", err)
	}
	if len(all) != 1 || string(all[0].Value) != "Linux 6.1" {
		t.Errorf("after replace: %+v, want single Linux 6.1", all)
	}

	subjects, err := store.Query(ctx, "clients/", datastore.PredicateContains("os", "^Linux"), datastore.QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(subjects) != 1 || subjects[0] != "clients/C.1" {
		t.Errorf("Query = %v, want [clients/C.1]", subjects)
	}
}

func TestIntegration_Store_TransactionConflict(t *testing.T) {
	_, drv := setupStore(t)
	if drv == nil {
		return
	}
	ctx := context.Background()
	store := drv.GetStore()

	tx1, err := store.Transaction(ctx, "queues/W")
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	tx2, err := store.Transaction(ctx, "queues/W")
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	tx1.Set("notify:W:abc", []byte("1"), 0, true)
	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	tx2.Set("notify:W:def", []byte("1"), 0, true)
	if err := tx2.Commit(ctx); !errors.Is(err, datastore.ErrTransactionConflict) {
		t.Fatalf("second Commit = %v, want ErrTransactionConflict", err)
	}

	if err := datastore.RetryWrapper(ctx, store, "queues/W", func(tx datastore.Tx) error {
		tx.Set("notify:W:def", []byte("1"), 0, true)
		return nil
	}); err != nil {
		t.Fatalf("RetryWrapper failed: %v", err)
	}
}

func TestIntegration_Store_NativeTxInterleave(t *testing.T) {
	db, drv := setupStore(t)
	if drv == nil {
		return
	}
	ctx := context.Background()
	store := drv.GetStore()

	nativeTx, err := db.Pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	txCtx := driver.WithExecutor(ctx, drv.UnwrapExecutor(nativeTx))

	if err := store.Set(txCtx, "s", "p", []byte("x"), 1, false); err != nil {
		t.Fatalf("Set in native tx failed: %v", err)
	}
	if err := nativeTx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := store.Resolve(ctx, "s", "p"); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Resolve after rollback = %v, want ErrNotFound", err)
	}
}

func TestIntegration_ListenNotify(t *testing.T) {
	testutil.RequireIntegration(t)

	db := testutil.NewTestDB(t)
	if db == nil {
		return
	}
	defer db.Close()

	ctx := context.Background()
	drv := New(db.Pool)

	listener, err := drv.GetListener(ctx)
	if err != nil {
		t.Fatalf("GetListener failed: %v", err)
	}
	defer listener.Close(ctx)

	if err := listener.Listen(ctx, driver.ChannelQueueNotify); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := drv.GetNotifier().Notify(ctx, driver.ChannelQueueNotify, "W"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	n, err := listener.WaitForNotification(ctx)
	if err != nil {
		t.Fatalf("WaitForNotification failed: %v", err)
	}
	if n.Channel != driver.ChannelQueueNotify || n.Payload != "W" {
		t.Errorf("notification = %+v, want channel %s payload W", n, driver.ChannelQueueNotify)
	}
}
