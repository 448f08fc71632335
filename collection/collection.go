// Package collection implements append-optimized result collections.
//
// Writers append items as individual predicates, which needs no
// read-modify-write and therefore no lock. A compaction pass later
// gathers them into packed blobs so large collections stay cheap to
// read. Flow results, hunt results, logs and error streams are all
// collections.
package collection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for collection logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

const (
	itemPredicatePrefix = "collection:item:"
	packPredicatePrefix = "collection:pack:"
	sizePredicate       = "collection:size"

	// DefaultPackSize is how many items one packed blob holds.
	DefaultPackSize = 1000
)

// Collection is a handle on one stored collection. Handles are cheap;
// create them per use.
type Collection struct {
	ds      datastore.DataStore
	subject string
	logger  Logger

	packSize int
}

// Option adjusts a Collection handle.
type Option func(*Collection)

// WithPackSize overrides the packed blob size.
func WithPackSize(n int) Option {
	return func(c *Collection) { c.packSize = n }
}

// WithLogger attaches a logger.
func WithLogger(logger Logger) Option {
	return func(c *Collection) { c.logger = logger }
}

// New creates a handle on the collection stored at subject.
func New(ds datastore.DataStore, subject string, opts ...Option) *Collection {
	c := &Collection{
		ds:       ds,
		subject:  subject,
		logger:   noopLogger{},
		packSize: DefaultPackSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subject returns the datastore subject backing this collection.
func (c *Collection) Subject() string {
	return c.subject
}

// itemPredicate orders loose items by write time; the random suffix
// keeps concurrent same-microsecond writes from colliding.
func itemPredicate(ts types.Timestamp) string {
	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(fmt.Sprintf("collection: entropy source failed: %v", err))
	}
	return fmt.Sprintf("%s%020d:%s", itemPredicatePrefix, int64(ts), hex.EncodeToString(nonce[:]))
}

func packPredicate(index int64) string {
	return fmt.Sprintf("%s%08d", packPredicatePrefix, index)
}

// Add appends items to the collection. This is the hot path: one
// unconditional multi-predicate write, no reads.
func (c *Collection) Add(ctx context.Context, docs ...types.Document) error {
	if len(docs) == 0 {
		return nil
	}

	now := c.ds.Now()
	values := make(map[string][]datastore.VersionedValue, len(docs))
	for i, doc := range docs {
		buf, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal collection item: %w", err)
		}
		ts := now + types.Timestamp(i)
		values[itemPredicate(ts)] = []datastore.VersionedValue{{Value: buf, TS: ts}}
	}

	if err := c.ds.MultiSet(ctx, c.subject, values, nil, true); err != nil {
		return fmt.Errorf("failed to append to collection: %w", err)
	}
	return nil
}

// pack is the stored form of a compacted blob.
type pack struct {
	Items []types.Document `json:"items"`
}

// Size returns the total number of items, packed and loose.
func (c *Collection) Size(ctx context.Context) (int64, error) {
	var packed int64
	rec, err := c.ds.Resolve(ctx, c.subject, sizePredicate)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to read collection size: %w", err)
	default:
		packed, err = datastore.DecodeInt(rec.Value)
		if err != nil {
			return 0, fmt.Errorf("failed to decode collection size: %w", err)
		}
	}

	loose, err := c.ds.ResolvePrefix(ctx, c.subject, itemPredicatePrefix, datastore.Newest())
	if err != nil {
		return 0, fmt.Errorf("failed to count loose items: %w", err)
	}
	return packed + int64(len(loose)), nil
}

// Items returns a page of the collection in append order, reading
// packed blobs first and loose items after them. A zero limit means
// everything from offset on.
func (c *Collection) Items(ctx context.Context, offset, limit int64) ([]types.Document, error) {
	var out []types.Document
	want := func() bool { return limit <= 0 || int64(len(out)) < limit }

	packs, err := c.ds.ResolvePrefix(ctx, c.subject, packPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read packs: %w", err)
	}
	// Predicate order is pack order.
	skip := offset
	for _, rec := range packs {
		if !want() {
			return out, nil
		}
		var p pack
		if err := json.Unmarshal(rec.Value, &p); err != nil {
			return nil, fmt.Errorf("failed to decode pack %s: %w", rec.Predicate, err)
		}
		if skip >= int64(len(p.Items)) {
			skip -= int64(len(p.Items))
			continue
		}
		for _, item := range p.Items[skip:] {
			if !want() {
				return out, nil
			}
			out = append(out, item)
		}
		skip = 0
	}

	loose, err := c.looseItems(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range loose {
		if skip > 0 {
			skip--
			continue
		}
		if !want() {
			return out, nil
		}
		out = append(out, item.doc)
	}
	return out, nil
}

type looseItem struct {
	predicate string
	doc       types.Document
}

// looseItems returns uncompacted items in append order.
func (c *Collection) looseItems(ctx context.Context) ([]looseItem, error) {
	recs, err := c.ds.ResolvePrefix(ctx, c.subject, itemPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read loose items: %w", err)
	}
	out := make([]looseItem, 0, len(recs))
	for _, rec := range recs {
		var doc types.Document
		if err := json.Unmarshal(rec.Value, &doc); err != nil {
			c.logger.Warn("skipping undecodable collection item",
				"subject", c.subject,
				"predicate", rec.Predicate,
				"error", err,
			)
			continue
		}
		out = append(out, looseItem{predicate: rec.Predicate, doc: doc})
	}
	// Predicates embed the write timestamp, so this is append order.
	sort.Slice(out, func(i, j int) bool { return out[i].predicate < out[j].predicate })
	return out, nil
}

// Compact gathers loose items into packed blobs. Returns how many items
// were packed. Safe to run concurrently with writers: only the items
// seen inside the transaction are deleted, and a conflicting append
// retries the commit.
func (c *Collection) Compact(ctx context.Context) (int, error) {
	packed := 0
	err := datastore.RetryWrapper(ctx, c.ds, c.subject, func(tx datastore.Tx) error {
		packed = 0

		recs, err := tx.ResolvePrefix(ctx, itemPredicatePrefix, datastore.Newest())
		if err != nil {
			return fmt.Errorf("failed to read loose items: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Predicate < recs[j].Predicate })

		packs, err := tx.ResolvePrefix(ctx, packPredicatePrefix, datastore.Newest())
		if err != nil {
			return fmt.Errorf("failed to read packs: %w", err)
		}
		nextPack := int64(len(packs))

		var size int64
		rec, err := tx.Resolve(ctx, sizePredicate)
		if err == nil {
			if size, err = datastore.DecodeInt(rec.Value); err != nil {
				return fmt.Errorf("failed to decode collection size: %w", err)
			}
		} else if !errors.Is(err, datastore.ErrNotFound) {
			return fmt.Errorf("failed to read collection size: %w", err)
		}

		for start := 0; start < len(recs); start += c.packSize {
			end := start + c.packSize
			if end > len(recs) {
				end = len(recs)
			}
			p := pack{Items: make([]types.Document, 0, end-start)}
			for _, itemRec := range recs[start:end] {
				var doc types.Document
				if err := json.Unmarshal(itemRec.Value, &doc); err != nil {
					c.logger.Warn("dropping undecodable item during compaction",
						"subject", c.subject,
						"predicate", itemRec.Predicate,
						"error", err,
					)
					continue
				}
				p.Items = append(p.Items, doc)
				tx.DeleteAttributes(itemRec.Predicate)
			}
			if len(p.Items) == 0 {
				continue
			}
			buf, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal pack: %w", err)
			}
			tx.Set(packPredicate(nextPack), buf, 0, true)
			nextPack++
			size += int64(len(p.Items))
			packed += len(p.Items)
		}

		tx.Set(sizePredicate, datastore.EncodeInt(size), 0, true)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if packed > 0 {
		c.logger.Debug("compacted collection", "subject", c.subject, "items", packed)
	}
	return packed, nil
}

// CompactIfNeeded compacts only when at least threshold loose items
// have accumulated. Returns how many items were packed, zero when
// compaction was skipped.
func (c *Collection) CompactIfNeeded(ctx context.Context, threshold int) (int, error) {
	recs, err := c.ds.ResolvePrefix(ctx, c.subject, itemPredicatePrefix, datastore.Newest())
	if err != nil {
		return 0, fmt.Errorf("failed to count loose items: %w", err)
	}
	if len(recs) < threshold {
		return 0, nil
	}
	return c.Compact(ctx)
}

// IsCollectionSubject reports whether the subject looks like it holds a
// collection, used by maintenance sweeps.
func IsCollectionSubject(ctx context.Context, ds datastore.DataStore, subject string) (bool, error) {
	recs, err := ds.ResolvePrefix(ctx, subject, "collection:", datastore.Newest())
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if strings.HasPrefix(rec.Predicate, itemPredicatePrefix) ||
			strings.HasPrefix(rec.Predicate, packPredicatePrefix) ||
			rec.Predicate == sizePredicate {
			return true, nil
		}
	}
	return false, nil
}
