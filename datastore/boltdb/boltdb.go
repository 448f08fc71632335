// Package boltdb implements the datastore contract on a local bbolt
// file. It serves single-process deployments and tools that need
// durable state without a PostgreSQL server.
//
// Layout: one sub-bucket per subject under "records", keyed by
// predicate + 0x00 + inverted big-endian timestamp so a prefix scan
// yields versions newest first. Predicates must not contain NUL bytes.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

var (
	recordsBucket = []byte("records")
	locksBucket   = []byte("locks")
)

// Store implements datastore.DataStore on a bbolt file.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ datastore.DataStore = (*Store)(nil)

// Option adjusts a Store.
type Option func(*Store)

// WithClock replaces the clock used for implicit write timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store file.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(locksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize datastore file: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store's current time.
func (s *Store) Now() types.Timestamp {
	return types.TimestampFromTime(s.now())
}

// recordKey encodes (predicate, ts). The timestamp is bit-inverted so
// byte order is predicate ascending, timestamp descending.
func recordKey(predicate string, ts types.Timestamp) []byte {
	key := make([]byte, 0, len(predicate)+9)
	key = append(key, predicate...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ^uint64(ts))
	return append(key, buf[:]...)
}

// splitRecordKey decodes a key produced by recordKey.
func splitRecordKey(key []byte) (string, types.Timestamp, bool) {
	if len(key) < 9 {
		return "", 0, false
	}
	i := bytes.LastIndexByte(key[:len(key)-8], 0)
	if i < 0 {
		return "", 0, false
	}
	ts := types.Timestamp(^binary.BigEndian.Uint64(key[i+1:]))
	return string(key[:i]), ts, true
}

// predicatePrefix is the scan prefix covering every version of one
// predicate.
func predicatePrefix(predicate string) []byte {
	return append([]byte(predicate), 0)
}

// Set implements datastore.DataStore.
func (s *Store) Set(ctx context.Context, subject, predicate string, value []byte, ts types.Timestamp, replace bool) error {
	values := map[string][]datastore.VersionedValue{
		predicate: {{Value: value, TS: ts}},
	}
	return s.MultiSet(ctx, subject, values, nil, replace)
}

// MultiSet implements datastore.DataStore.
func (s *Store) MultiSet(ctx context.Context, subject string, values map[string][]datastore.VersionedValue, toDelete []string, replace bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.applyMutations(tx, subject, values, toDelete, replace)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", subject, err)
	}
	return nil
}

func (s *Store) applyMutations(tx *bolt.Tx, subject string, values map[string][]datastore.VersionedValue, toDelete []string, replace bool) error {
	b, err := tx.Bucket(recordsBucket).CreateBucketIfNotExists([]byte(subject))
	if err != nil {
		return err
	}

	for _, pred := range toDelete {
		if err := deletePredicate(b, pred); err != nil {
			return err
		}
	}

	preds := make([]string, 0, len(values))
	for pred := range values {
		preds = append(preds, pred)
	}
	sort.Strings(preds)

	for _, pred := range preds {
		if replace {
			if err := deletePredicate(b, pred); err != nil {
				return err
			}
		}
		for _, v := range values[pred] {
			ts := v.TS
			if ts.IsZero() {
				ts = s.Now()
			}
			if err := b.Put(recordKey(pred, ts), v.Value); err != nil {
				return err
			}
		}
	}
	return dropIfEmpty(tx, subject)
}

func deletePredicate(b *bolt.Bucket, predicate string) error {
	prefix := predicatePrefix(predicate)
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// dropIfEmpty removes a subject bucket that has no records left, so
// subject scans do not surface fully deleted subjects.
func dropIfEmpty(tx *bolt.Tx, subject string) error {
	b := tx.Bucket(recordsBucket).Bucket([]byte(subject))
	if b == nil {
		return nil
	}
	if k, _ := b.Cursor().First(); k != nil {
		return nil
	}
	return tx.Bucket(recordsBucket).DeleteBucket([]byte(subject))
}

// DeleteAttributes implements datastore.DataStore.
func (s *Store) DeleteAttributes(ctx context.Context, subject string, predicates []string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(subject))
		if b == nil {
			return nil
		}
		for _, pred := range predicates {
			if err := deletePredicate(b, pred); err != nil {
				return err
			}
		}
		return dropIfEmpty(tx, subject)
	})
	if err != nil {
		return fmt.Errorf("failed to delete attributes on %s: %w", subject, err)
	}
	return nil
}

// DeleteSubject implements datastore.DataStore.
func (s *Store) DeleteSubject(ctx context.Context, subject string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		if records.Bucket([]byte(subject)) != nil {
			if err := records.DeleteBucket([]byte(subject)); err != nil {
				return err
			}
		}
		return tx.Bucket(locksBucket).Delete([]byte(subject))
	})
	if err != nil {
		return fmt.Errorf("failed to delete subject %s: %w", subject, err)
	}
	return nil
}

// Resolve implements datastore.Reader.
func (s *Store) Resolve(ctx context.Context, subject, predicate string) (datastore.Record, error) {
	var rec datastore.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(subject))
		if b == nil {
			return datastore.ErrNotFound
		}
		prefix := predicatePrefix(predicate)
		k, v := b.Cursor().Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return datastore.ErrNotFound
		}
		_, ts, ok := splitRecordKey(k)
		if !ok {
			return fmt.Errorf("malformed record key %q", k)
		}
		rec = datastore.Record{
			Subject:   subject,
			Predicate: predicate,
			Value:     append([]byte(nil), v...),
			TS:        ts,
		}
		return nil
	})
	if err != nil {
		return datastore.Record{}, err
	}
	return rec, nil
}

// ResolveMulti implements datastore.Reader.
func (s *Store) ResolveMulti(ctx context.Context, subject string, predicates []string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	var out []datastore.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(subject))
		if b == nil {
			return nil
		}
		for _, pred := range predicates {
			out = append(out, collectVersions(b, subject, pred, ts)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// collectVersions gathers the versions of one predicate, newest first,
// honoring the timestamp spec.
func collectVersions(b *bolt.Bucket, subject, predicate string, ts datastore.TimestampSpec) []datastore.Record {
	prefix := predicatePrefix(predicate)
	var out []datastore.Record
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		_, recTS, ok := splitRecordKey(k)
		if !ok {
			continue
		}
		switch ts.Mode {
		case datastore.ModeNewest:
			// First key under the prefix is the newest version.
		case datastore.ModeAll:
		case datastore.ModeRange:
			if recTS > ts.End {
				continue
			}
			if recTS < ts.Start {
				return out
			}
		}
		out = append(out, datastore.Record{
			Subject:   subject,
			Predicate: predicate,
			Value:     append([]byte(nil), v...),
			TS:        recTS,
		})
		if ts.Mode == datastore.ModeNewest {
			return out
		}
	}
	return out
}

// ResolvePrefix implements datastore.Reader.
func (s *Store) ResolvePrefix(ctx context.Context, subject, prefix string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	var out []datastore.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket).Bucket([]byte(subject))
		if b == nil {
			return nil
		}
		out = collectPrefix(b, subject, prefix, ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectPrefix(b *bolt.Bucket, subject, prefix string, ts datastore.TimestampSpec) []datastore.Record {
	var out []datastore.Record
	seek := []byte(prefix)
	c := b.Cursor()
	current := ""
	for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, v = c.Next() {
		pred, recTS, ok := splitRecordKey(k)
		if !ok {
			continue
		}
		if ts.Mode == datastore.ModeNewest && pred == current {
			continue
		}
		if ts.Mode == datastore.ModeRange && (recTS > ts.End || recTS < ts.Start) {
			continue
		}
		current = pred
		out = append(out, datastore.Record{
			Subject:   subject,
			Predicate: pred,
			Value:     append([]byte(nil), v...),
			TS:        recTS,
		})
	}
	return out
}

// MultiResolvePrefix implements datastore.Reader.
func (s *Store) MultiResolvePrefix(ctx context.Context, subjects []string, prefixes []string, ts datastore.TimestampSpec) (map[string][]datastore.Record, error) {
	out := make(map[string][]datastore.Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, subject := range subjects {
			b := tx.Bucket(recordsBucket).Bucket([]byte(subject))
			if b == nil {
				continue
			}
			var recs []datastore.Record
			for _, prefix := range prefixes {
				recs = append(recs, collectPrefix(b, subject, prefix, ts)...)
			}
			if len(recs) > 0 {
				sort.Slice(recs, func(i, j int) bool {
					if recs[i].Predicate != recs[j].Predicate {
						return recs[i].Predicate < recs[j].Predicate
					}
					return recs[i].TS > recs[j].TS
				})
				out[subject] = recs
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanSubjects implements datastore.Reader.
func (s *Store) ScanSubjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		seek := []byte(prefix)
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, v = c.Next() {
			if v != nil {
				continue
			}
			out = append(out, string(k))
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Query implements datastore.DataStore.
func (s *Store) Query(ctx context.Context, subjectPrefix string, filter datastore.Filter, opts datastore.QueryOptions) ([]string, error) {
	return datastore.EvaluateQuery(ctx, s, subjectPrefix, filter, opts)
}

// Transaction implements datastore.DataStore.
func (s *Store) Transaction(ctx context.Context, subject string) (datastore.Tx, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(locksBucket).Get([]byte(subject)); v != nil {
			version = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock version: %w", err)
	}
	return &boltTx{store: s, subject: subject, openVersion: version}, nil
}

type bufferedWrite struct {
	predicate string
	value     []byte
	ts        types.Timestamp
	replace   bool
}

type boltTx struct {
	store       *Store
	subject     string
	openVersion uint64

	writes  []bufferedWrite
	deletes []string
	done    bool
}

func (t *boltTx) Subject() string { return t.subject }

func (t *boltTx) Resolve(ctx context.Context, predicate string) (datastore.Record, error) {
	return t.store.Resolve(ctx, t.subject, predicate)
}

func (t *boltTx) ResolvePrefix(ctx context.Context, prefix string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	return t.store.ResolvePrefix(ctx, t.subject, prefix, ts)
}

func (t *boltTx) Set(predicate string, value []byte, ts types.Timestamp, replace bool) {
	t.writes = append(t.writes, bufferedWrite{
		predicate: predicate,
		value:     append([]byte(nil), value...),
		ts:        ts,
		replace:   replace,
	})
}

func (t *boltTx) DeleteAttributes(predicates ...string) {
	t.deletes = append(t.deletes, predicates...)
}

func (t *boltTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	err := t.store.db.Update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(locksBucket)
		var version uint64
		if v := locks.Get([]byte(t.subject)); v != nil {
			version = binary.BigEndian.Uint64(v)
		}
		if version != t.openVersion {
			return datastore.ErrTransactionConflict
		}

		b, err := tx.Bucket(recordsBucket).CreateBucketIfNotExists([]byte(t.subject))
		if err != nil {
			return err
		}
		for _, pred := range t.deletes {
			if err := deletePredicate(b, pred); err != nil {
				return err
			}
		}
		replaced := make(map[string]bool)
		for _, w := range t.writes {
			if w.replace && !replaced[w.predicate] {
				replaced[w.predicate] = true
				if err := deletePredicate(b, w.predicate); err != nil {
					return err
				}
			}
			ts := w.ts
			if ts.IsZero() {
				ts = t.store.Now()
			}
			if err := b.Put(recordKey(w.predicate, ts), w.value); err != nil {
				return err
			}
		}
		if err := dropIfEmpty(tx, t.subject); err != nil {
			return err
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], version+1)
		return locks.Put([]byte(t.subject), buf[:])
	})
	if err != nil {
		return err
	}
	return nil
}

func (t *boltTx) Abort(ctx context.Context) error {
	t.done = true
	t.writes = nil
	t.deletes = nil
	return nil
}
