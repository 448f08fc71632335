// Package memdb implements the datastore contract with in-process maps.
// It is the reference implementation: every engine package tests against
// it, and single-process tools use it when no durable store is needed.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

type version struct {
	value []byte
	ts    types.Timestamp
}

type subjectData struct {
	// lockVersion backs the per-subject optimistic transaction protocol.
	// It survives attribute deletion so a concurrent transaction still
	// detects the change.
	lockVersion int64
	predicates  map[string][]version // versions ordered newest first
}

// Store is an in-memory datastore. The zero value is not usable; create
// one with New.
type Store struct {
	mu       sync.RWMutex
	subjects map[string]*subjectData

	frozen types.Timestamp
	lastTS types.Timestamp
	now    func() time.Time
}

var _ datastore.DataStore = (*Store)(nil)
var _ datastore.Freezer = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		subjects: make(map[string]*subjectData),
		now:      time.Now,
	}
}

// Freeze pins the store clock so writes without explicit timestamps are
// deterministic. Mainly useful for testing.
func (s *Store) Freeze(ts types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = ts
}

// Unfreeze returns the store to the wall clock.
func (s *Store) Unfreeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = 0
}

// Now returns the store's current time.
func (s *Store) Now() types.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

// nowLocked returns the frozen time when set, otherwise a strictly
// increasing wall-clock timestamp so successive writes never share a
// version.
func (s *Store) nowLocked() types.Timestamp {
	if s.frozen != 0 {
		return s.frozen
	}
	ts := types.TimestampFromTime(s.now())
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Store) subjectLocked(subject string) *subjectData {
	sd, ok := s.subjects[subject]
	if !ok {
		sd = &subjectData{predicates: make(map[string][]version)}
		s.subjects[subject] = sd
	}
	return sd
}

// insertVersion keeps versions ordered newest first. A write at an
// already-present timestamp overwrites that version, which makes
// duplicate deliveries idempotent.
func insertVersion(versions []version, v version) []version {
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].ts <= v.ts
	})
	if i < len(versions) && versions[i].ts == v.ts {
		versions[i] = v
		return versions
	}
	versions = append(versions, version{})
	copy(versions[i+1:], versions[i:])
	versions[i] = v
	return versions
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(subject, values, toDelete, replace)
	return nil
}

func (s *Store) applyLocked(subject string, values map[string][]datastore.VersionedValue, toDelete []string, replace bool) {
	sd := s.subjectLocked(subject)
	for _, pred := range toDelete {
		delete(sd.predicates, pred)
	}
	for pred, vals := range values {
		if replace {
			delete(sd.predicates, pred)
		}
		for _, v := range vals {
			ts := v.TS
			if ts.IsZero() {
				ts = s.nowLocked()
			}
			sd.predicates[pred] = insertVersion(sd.predicates[pred], version{value: append([]byte(nil), v.Value...), ts: ts})
		}
	}
}

// DeleteAttributes implements datastore.DataStore.
func (s *Store) DeleteAttributes(ctx context.Context, subject string, predicates []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.subjects[subject]
	if !ok {
		return nil
	}
	for _, pred := range predicates {
		delete(sd.predicates, pred)
	}
	return nil
}

// DeleteSubject implements datastore.DataStore.
func (s *Store) DeleteSubject(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subjects, subject)
	return nil
}

// Resolve implements datastore.Reader.
func (s *Store) Resolve(ctx context.Context, subject, predicate string) (datastore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(subject, predicate)
}

func (s *Store) resolveLocked(subject, predicate string) (datastore.Record, error) {
	sd, ok := s.subjects[subject]
	if !ok {
		return datastore.Record{}, datastore.ErrNotFound
	}
	versions := sd.predicates[predicate]
	if len(versions) == 0 {
		return datastore.Record{}, datastore.ErrNotFound
	}
	v := versions[0]
	return datastore.Record{
		Subject:   subject,
		Predicate: predicate,
		Value:     append([]byte(nil), v.value...),
		TS:        v.ts,
	}, nil
}

// ResolveMulti implements datastore.Reader.
func (s *Store) ResolveMulti(ctx context.Context, subject string, predicates []string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.subjects[subject]
	if !ok {
		return nil, nil
	}
	var out []datastore.Record
	for _, pred := range predicates {
		out = appendVersions(out, subject, pred, sd.predicates[pred], ts)
	}
	return out, nil
}

// ResolvePrefix implements datastore.Reader.
func (s *Store) ResolvePrefix(ctx context.Context, subject, prefix string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolvePrefixLocked(subject, prefix, ts), nil
}

func (s *Store) resolvePrefixLocked(subject, prefix string, ts datastore.TimestampSpec) []datastore.Record {
	sd, ok := s.subjects[subject]
	if !ok {
		return nil
	}
	preds := make([]string, 0, len(sd.predicates))
	for pred := range sd.predicates {
		if strings.HasPrefix(pred, prefix) {
			preds = append(preds, pred)
		}
	}
	sort.Strings(preds)

	var out []datastore.Record
	for _, pred := range preds {
		out = appendVersions(out, subject, pred, sd.predicates[pred], ts)
	}
	return out
}

// appendVersions applies the timestamp spec to one predicate's version
// list (ordered newest first) and appends matching records.
func appendVersions(out []datastore.Record, subject, pred string, versions []version, ts datastore.TimestampSpec) []datastore.Record {
	for i, v := range versions {
		if ts.Mode == datastore.ModeNewest && i > 0 {
			break
		}
		if ts.Mode == datastore.ModeRange && (v.ts < ts.Start || v.ts > ts.End) {
			continue
		}
		out = append(out, datastore.Record{
			Subject:   subject,
			Predicate: pred,
			Value:     append([]byte(nil), v.value...),
			TS:        v.ts,
		})
	}
	return out
}

// MultiResolvePrefix implements datastore.Reader.
func (s *Store) MultiResolvePrefix(ctx context.Context, subjects []string, prefixes []string, ts datastore.TimestampSpec) (map[string][]datastore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]datastore.Record)
	for _, subject := range subjects {
		var recs []datastore.Record
		for _, prefix := range prefixes {
			recs = append(recs, s.resolvePrefixLocked(subject, prefix, ts)...)
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
	return out, nil
}

// ScanSubjects implements datastore.Reader. Subjects whose attributes
// were all deleted are treated as gone.
func (s *Store) ScanSubjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for subject, sd := range s.subjects {
		if len(sd.predicates) == 0 {
			continue
		}
		if strings.HasPrefix(subject, prefix) {
			out = append(out, subject)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Query implements datastore.DataStore.
func (s *Store) Query(ctx context.Context, subjectPrefix string, filter datastore.Filter, opts datastore.QueryOptions) ([]string, error) {
	return datastore.EvaluateQuery(ctx, s, subjectPrefix, filter, opts)
}

// Transaction implements datastore.DataStore.
func (s *Store) Transaction(ctx context.Context, subject string) (datastore.Tx, error) {
	s.mu.RLock()
	var version int64
	if sd, ok := s.subjects[subject]; ok {
		version = sd.lockVersion
	}
	s.mu.RUnlock()

	return &memTx{store: s, subject: subject, openVersion: version}, nil
}

type bufferedWrite struct {
	predicate string
	value     []byte
	ts        types.Timestamp
	replace   bool
}

type memTx struct {
	store       *Store
	subject     string
	openVersion int64

	writes  []bufferedWrite
	deletes []string
	done    bool
}

func (t *memTx) Subject() string { return t.subject }

func (t *memTx) Resolve(ctx context.Context, predicate string) (datastore.Record, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.resolveLocked(t.subject, predicate)
}

func (t *memTx) ResolvePrefix(ctx context.Context, prefix string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.resolvePrefixLocked(t.subject, prefix, ts), nil
}

func (t *memTx) Set(predicate string, value []byte, ts types.Timestamp, replace bool) {
	t.writes = append(t.writes, bufferedWrite{
		predicate: predicate,
		value:     append([]byte(nil), value...),
		ts:        ts,
		replace:   replace,
	})
}

func (t *memTx) DeleteAttributes(predicates ...string) {
	t.deletes = append(t.deletes, predicates...)
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var current int64
	if sd, ok := t.store.subjects[t.subject]; ok {
		current = sd.lockVersion
	}
	if current != t.openVersion {
		return datastore.ErrTransactionConflict
	}

	sd := t.store.subjectLocked(t.subject)
	for _, pred := range t.deletes {
		delete(sd.predicates, pred)
	}
	for _, w := range t.writes {
		if w.replace {
			delete(sd.predicates, w.predicate)
		}
		ts := w.ts
		if ts.IsZero() {
			ts = t.store.nowLocked()
		}
		sd.predicates[w.predicate] = insertVersion(sd.predicates[w.predicate], version{value: w.value, ts: ts})
	}
	sd.lockVersion++
	return nil
}

func (t *memTx) Abort(ctx context.Context) error {
	t.done = true
	t.writes = nil
	t.deletes = nil
	return nil
}
