package collection

import (
	"context"
	"fmt"
	"testing"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/types"
)

func testDoc(t *testing.T, name string) types.Document {
	t.Helper()
	doc, err := types.NewDocument("TestItem", map[string]any{"name": name})
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	return doc
}

func docName(t *testing.T, doc types.Document) string {
	t.Helper()
	var payload struct {
		Name string `json:"name"`
	}
	if err := doc.DecodeAs("TestItem", &payload); err != nil {
		t.Fatalf("DecodeAs: %v", err)
	}
	return payload.Name
}

func addNamed(t *testing.T, c *Collection, names ...string) {
	t.Helper()
	docs := make([]types.Document, 0, len(names))
	for _, name := range names {
		docs = append(docs, testDoc(t, name))
	}
	if err := c.Add(context.Background(), docs...); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func wantNames(t *testing.T, got []types.Document, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i, doc := range got {
		if name := docName(t, doc); name != want[i] {
			t.Errorf("item %d = %q, want %q", i, name, want[i])
		}
	}
}

func TestAddAndItems(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	store.Freeze(1_000_000)
	c := New(store, "hunts/H:00000001/Results")

	addNamed(t, c, "a", "b")
	store.Freeze(2_000_000)
	addNamed(t, c, "c")

	size, err := c.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 3 {
		t.Fatalf("size = %d, want 3", size)
	}

	items, err := c.Items(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	wantNames(t, items, "a", "b", "c")
}

func TestCompactPreservesOrderAndSize(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	c := New(store, "flows/W:00000001/Results", WithPackSize(2))

	addNamed(t, c, "a", "b", "c", "d", "e")

	packed, err := c.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if packed != 5 {
		t.Fatalf("packed = %d, want 5", packed)
	}

	// Everything is packed now: no loose items remain.
	loose, err := store.ResolvePrefix(ctx, c.Subject(), itemPredicatePrefix, datastore.Newest())
	if err != nil {
		t.Fatalf("ResolvePrefix: %v", err)
	}
	if len(loose) != 0 {
		t.Fatalf("loose items after compaction = %d, want 0", len(loose))
	}
	packs, err := store.ResolvePrefix(ctx, c.Subject(), packPredicatePrefix, datastore.Newest())
	if err != nil {
		t.Fatalf("ResolvePrefix: %v", err)
	}
	if len(packs) != 3 {
		t.Fatalf("packs = %d, want 3", len(packs))
	}

	size, err := c.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 5 {
		t.Fatalf("size = %d, want 5", size)
	}

	items, err := c.Items(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	wantNames(t, items, "a", "b", "c", "d", "e")
}

func TestCompactTwiceAppendsPacks(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	c := New(store, "flows/W:00000002/Results", WithPackSize(10))

	addNamed(t, c, "a", "b")
	if _, err := c.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	addNamed(t, c, "c", "d")
	if _, err := c.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	size, err := c.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4 {
		t.Fatalf("size = %d, want 4", size)
	}
	items, err := c.Items(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	wantNames(t, items, "a", "b", "c", "d")
}

func TestItemsPagination(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	c := New(store, "flows/W:00000003/Results", WithPackSize(3))

	names := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		names = append(names, fmt.Sprintf("item-%d", i))
	}
	addNamed(t, c, names[:6]...)
	if _, err := c.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	// Two loose items on top of two packs.
	addNamed(t, c, names[6:]...)

	items, err := c.Items(ctx, 2, 4)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	wantNames(t, items, "item-2", "item-3", "item-4", "item-5")

	// A page straddling the packed/loose boundary.
	items, err = c.Items(ctx, 5, 2)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	wantNames(t, items, "item-5", "item-6")
}

func TestCompactIfNeeded(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	c := New(store, "flows/W:00000004/Logs")

	addNamed(t, c, "a", "b")

	packed, err := c.CompactIfNeeded(ctx, 3)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if packed != 0 {
		t.Fatalf("packed = %d, want 0 below threshold", packed)
	}

	addNamed(t, c, "c")
	packed, err = c.CompactIfNeeded(ctx, 3)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if packed != 3 {
		t.Fatalf("packed = %d, want 3", packed)
	}
}

func TestIsCollectionSubject(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	c := New(store, "flows/W:00000005/Errors")
	addNamed(t, c, "boom")

	ok, err := IsCollectionSubject(ctx, store, c.Subject())
	if err != nil {
		t.Fatalf("IsCollectionSubject: %v", err)
	}
	if !ok {
		t.Error("expected collection subject to be recognized")
	}

	if err := store.Set(ctx, "clients/C.1", "client:hostname", []byte("host"), 0, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ok, err = IsCollectionSubject(ctx, store, "clients/C.1")
	if err != nil {
		t.Fatalf("IsCollectionSubject: %v", err)
	}
	if ok {
		t.Error("plain subject misidentified as collection")
	}
}
