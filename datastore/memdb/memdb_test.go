package memdb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

func TestSetResolve(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Set(ctx, "clients/C.0000000000000001", "metadata:hostname", []byte("host1"), 0, false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	rec, err := s.Resolve(ctx, "clients/C.0000000000000001", "metadata:hostname")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(rec.Value) != "host1" {
		t.Errorf("Value = %q, want host1", rec.Value)
	}
	if rec.TS.IsZero() {
		t.Error("TS not assigned")
	}

	if _, err := s.Resolve(ctx, "clients/C.0000000000000001", "metadata:os"); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrNotFound", err)
	}
}

func TestVersionsAndTimestampSpecs(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, ts := range []types.Timestamp{100, 200, 300} {
		val := []byte{byte('a' + i)}
		if err := s.Set(ctx, "subj", "pred", val, ts, false); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	// Newest only.
	recs, err := s.ResolvePrefix(ctx, "subj", "pred", datastore.Newest())
	if err != nil {
		t.Fatalf("ResolvePrefix() error = %v", err)
	}
	if len(recs) != 1 || recs[0].TS != 300 {
		t.Fatalf("Newest = %+v, want single ts=300", recs)
	}

	// All versions, newest first.
	recs, _ = s.ResolvePrefix(ctx, "subj", "pred", datastore.AllTimestamps())
	if len(recs) != 3 {
		t.Fatalf("All returned %d records, want 3", len(recs))
	}
	if recs[0].TS != 300 || recs[2].TS != 100 {
		t.Errorf("All order = [%d %d %d], want [300 200 100]", recs[0].TS, recs[1].TS, recs[2].TS)
	}

	// Range is inclusive on both ends.
	recs, _ = s.ResolvePrefix(ctx, "subj", "pred", datastore.TimeRange(100, 200))
	if len(recs) != 2 {
		t.Fatalf("Range returned %d records, want 2", len(recs))
	}
}

func TestSetReplace(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Set(ctx, "subj", "pred", []byte("old"), 100, false)
	s.Set(ctx, "subj", "pred", []byte("new"), 200, true)

	recs, _ := s.ResolvePrefix(ctx, "subj", "pred", datastore.AllTimestamps())
	if len(recs) != 1 {
		t.Fatalf("replace left %d versions, want 1", len(recs))
	}
	if string(recs[0].Value) != "new" {
		t.Errorf("Value = %q, want new", recs[0].Value)
	}
}

func TestSameTimestampOverwrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Set(ctx, "subj", "pred", []byte("first"), 100, false)
	s.Set(ctx, "subj", "pred", []byte("second"), 100, false)

	recs, _ := s.ResolvePrefix(ctx, "subj", "pred", datastore.AllTimestamps())
	if len(recs) != 1 {
		t.Fatalf("duplicate ts left %d versions, want 1", len(recs))
	}
	if string(recs[0].Value) != "second" {
		t.Errorf("Value = %q, want second", recs[0].Value)
	}
}

func TestMultiSetDeleteAndFreeze(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Freeze(12345)
	defer s.Unfreeze()

	s.Set(ctx, "subj", "doomed", []byte("x"), 0, false)

	err := s.MultiSet(ctx, "subj", map[string][]datastore.VersionedValue{
		"a": {{Value: []byte("1")}},
		"b": {{Value: []byte("2"), TS: 777}},
	}, []string{"doomed"}, false)
	if err != nil {
		t.Fatalf("MultiSet() error = %v", err)
	}

	if _, err := s.Resolve(ctx, "subj", "doomed"); !errors.Is(err, datastore.ErrNotFound) {
		t.Error("deleted predicate still present")
	}

	rec, _ := s.Resolve(ctx, "subj", "a")
	if rec.TS != 12345 {
		t.Errorf("default ts = %d, want frozen 12345", rec.TS)
	}
	rec, _ = s.Resolve(ctx, "subj", "b")
	if rec.TS != 777 {
		t.Errorf("explicit ts = %d, want 777", rec.TS)
	}
}

func TestResolvePrefixOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Set(ctx, "flows/W:abc", "flow:response:00000001:00000002", []byte("r2"), 100, false)
	s.Set(ctx, "flows/W:abc", "flow:response:00000001:00000001", []byte("r1"), 200, false)
	s.Set(ctx, "flows/W:abc", "flow:request:00000001", []byte("req"), 50, false)

	recs, err := s.ResolvePrefix(ctx, "flows/W:abc", "flow:response:", datastore.Newest())
	if err != nil {
		t.Fatalf("ResolvePrefix() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Predicate ascending regardless of write order or timestamps.
	if recs[0].Predicate != "flow:response:00000001:00000001" {
		t.Errorf("first predicate = %v", recs[0].Predicate)
	}
}

func TestMultiResolvePrefix(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Set(ctx, "clients/C.0000000000000001", "metadata:os", []byte("Linux"), 0, false)
	s.Set(ctx, "clients/C.0000000000000002", "metadata:os", []byte("Windows"), 0, false)
	s.Set(ctx, "clients/C.0000000000000002", "labels", []byte("prod"), 0, false)

	out, err := s.MultiResolvePrefix(ctx,
		[]string{"clients/C.0000000000000002", "clients/C.0000000000000003"},
		[]string{"metadata:", "labels"}, datastore.Newest())
	if err != nil {
		t.Fatalf("MultiResolvePrefix() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d subjects, want 1", len(out))
	}
	if len(out["clients/C.0000000000000002"]) != 2 {
		t.Errorf("got %d records", len(out["clients/C.0000000000000002"]))
	}
}

func TestScanSubjects(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 5; i++ {
		subject := fmt.Sprintf("clients/C.%016d", i)
		s.Set(ctx, subject, "metadata:os", []byte("Linux"), 0, false)
	}
	s.Set(ctx, "flows/W:abc", "task:state", []byte("x"), 0, false)

	// Deleting all attributes makes the subject invisible.
	s.DeleteAttributes(ctx, "clients/C.0000000000000004", []string{"metadata:os"})

	subjects, err := s.ScanSubjects(ctx, "clients/", 0)
	if err != nil {
		t.Fatalf("ScanSubjects() error = %v", err)
	}
	if len(subjects) != 4 {
		t.Fatalf("got %d subjects, want 4: %v", len(subjects), subjects)
	}
	if subjects[0] != "clients/C.0000000000000000" {
		t.Errorf("order wrong: first = %v", subjects[0])
	}

	limited, _ := s.ScanSubjects(ctx, "clients/", 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := New()

	set := func(subject, pred, val string) {
		if err := s.Set(ctx, subject, pred, []byte(val), 0, false); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	set("clients/C.0000000000000001", "metadata:os", "Linux")
	set("clients/C.0000000000000001", "metadata:install_date", "100")
	set("clients/C.0000000000000002", "metadata:os", "Windows")
	set("clients/C.0000000000000002", "metadata:install_date", "900")
	set("clients/C.0000000000000003", "labels", "prod")

	tests := []struct {
		name   string
		filter datastore.Filter
		want   []string
	}{
		{
			"has predicate",
			datastore.HasPredicate("labels"),
			[]string{"clients/C.0000000000000003"},
		},
		{
			"predicate contains",
			datastore.PredicateContains("metadata:os", "^Lin"),
			[]string{"clients/C.0000000000000001"},
		},
		{
			"less than",
			datastore.PredicateLessThan("metadata:install_date", 500),
			[]string{"clients/C.0000000000000001"},
		},
		{
			"and",
			datastore.And(
				datastore.HasPredicate("metadata:os"),
				datastore.PredicateGreaterThan("metadata:install_date", 500),
			),
			[]string{"clients/C.0000000000000002"},
		},
		{
			"or",
			datastore.Or(
				datastore.PredicateContains("metadata:os", "Windows"),
				datastore.HasPredicate("labels"),
			),
			[]string{"clients/C.0000000000000002", "clients/C.0000000000000003"},
		},
		{
			"subject contains",
			datastore.SubjectContains("0000000000000003$"),
			[]string{"clients/C.0000000000000003"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, "clients/", tt.filter, datastore.QueryOptions{})
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Query()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestQueryInvalidRegex(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "subj", "pred", []byte("x"), 0, false)

	_, err := s.Query(ctx, "", datastore.PredicateContains("pred", "["), datastore.QueryOptions{})
	if !errors.Is(err, datastore.ErrInvalidFilter) {
		t.Errorf("Query() error = %v, want ErrInvalidFilter", err)
	}
}

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.Transaction(ctx, "flows/W:abc")
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	tx.Set("task:state", []byte("RUNNING"), 0, true)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	rec, err := s.Resolve(ctx, "flows/W:abc", "task:state")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(rec.Value) != "RUNNING" {
		t.Errorf("Value = %q", rec.Value)
	}
}

func TestTransactionConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "subj", "pred", []byte("0"), 0, false)

	tx1, _ := s.Transaction(ctx, "subj")
	tx2, _ := s.Transaction(ctx, "subj")

	tx1.Set("pred", []byte("from-tx1"), 0, true)
	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("tx1 Commit() error = %v", err)
	}

	tx2.Set("pred", []byte("from-tx2"), 0, true)
	if err := tx2.Commit(ctx); !errors.Is(err, datastore.ErrTransactionConflict) {
		t.Fatalf("tx2 Commit() error = %v, want ErrTransactionConflict", err)
	}

	// The loser must not have written anything.
	rec, _ := s.Resolve(ctx, "subj", "pred")
	if string(rec.Value) != "from-tx1" {
		t.Errorf("Value = %q, want from-tx1", rec.Value)
	}
}

func TestTransactionConflictSurvivesDeleteSubject(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "subj", "pred", []byte("x"), 0, false)

	tx1, _ := s.Transaction(ctx, "subj")
	tx2, _ := s.Transaction(ctx, "subj")

	tx1.DeleteAttributes("pred")
	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("tx1 Commit() error = %v", err)
	}
	tx2.Set("pred", []byte("late"), 0, false)
	if err := tx2.Commit(ctx); !errors.Is(err, datastore.ErrTransactionConflict) {
		t.Errorf("tx2 Commit() error = %v, want conflict after attribute delete", err)
	}
}

func TestRetryWrapper(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "counter", "value", datastore.EncodeInt(0), 0, true)

	// Two sequential increments through the wrapper.
	for i := 0; i < 2; i++ {
		err := datastore.RetryWrapper(ctx, s, "counter", func(tx datastore.Tx) error {
			rec, err := tx.Resolve(ctx, "value")
			if err != nil {
				return err
			}
			n, err := datastore.DecodeInt(rec.Value)
			if err != nil {
				return err
			}
			tx.Set("value", datastore.EncodeInt(n+1), 0, true)
			return nil
		})
		if err != nil {
			t.Fatalf("RetryWrapper() error = %v", err)
		}
	}

	rec, _ := s.Resolve(ctx, "counter", "value")
	n, _ := datastore.DecodeInt(rec.Value)
	if n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func TestRetryWrapperRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "subj", "value", datastore.EncodeInt(0), 0, true)

	attempts := 0
	err := datastore.RetryWrapper(ctx, s, "subj", func(tx datastore.Tx) error {
		attempts++
		if attempts == 1 {
			// Interleave a competing commit so the first attempt loses.
			other, _ := s.Transaction(ctx, "subj")
			other.Set("value", datastore.EncodeInt(99), 0, true)
			if err := other.Commit(ctx); err != nil {
				t.Fatalf("competing Commit() error = %v", err)
			}
		}
		tx.Set("value", datastore.EncodeInt(7), 0, true)
		return nil
	}, datastore.WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("RetryWrapper() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	rec, _ := s.Resolve(ctx, "subj", "value")
	if n, _ := datastore.DecodeInt(rec.Value); n != 7 {
		t.Errorf("value = %d, want 7", n)
	}
}
