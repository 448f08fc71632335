// Package pgdb implements the datastore contract on PostgreSQL.
//
// All SQL goes through the driver seam, so the same implementation works
// with pgx/v5 and database/sql. Records live in a single table keyed by
// (subject, predicate, ts); per-subject transactions are backed by a
// version counter in quarry_subject_locks.
package pgdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/driver"
	"github.com/quarryhq/quarry/types"
)

// Schema holds the DDL applied by Migrate. The value column stores the
// serialized attribute bytes; ts is microseconds since the Unix epoch.
const Schema = `
CREATE TABLE IF NOT EXISTS quarry_records (
	subject   TEXT   NOT NULL,
	predicate TEXT   NOT NULL,
	ts        BIGINT NOT NULL,
	value     BYTEA  NOT NULL,
	PRIMARY KEY (subject, predicate, ts)
);

CREATE TABLE IF NOT EXISTS quarry_subject_locks (
	subject TEXT PRIMARY KEY,
	version BIGINT NOT NULL DEFAULT 0
);
`

const (
	insertRecordQuery = `
		INSERT INTO quarry_records (subject, predicate, ts, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject, predicate, ts) DO UPDATE SET value = EXCLUDED.value
	`

	deletePredicateQuery = `
		DELETE FROM quarry_records
		WHERE subject = $1 AND predicate = $2
	`

	deleteSubjectRecordsQuery = `
		DELETE FROM quarry_records
		WHERE subject = $1
	`

	deleteSubjectLockQuery = `
		DELETE FROM quarry_subject_locks
		WHERE subject = $1
	`

	resolveNewestQuery = `
		SELECT value, ts
		FROM quarry_records
		WHERE subject = $1 AND predicate = $2
		ORDER BY ts DESC
		LIMIT 1
	`

	resolveVersionsQuery = `
		SELECT value, ts
		FROM quarry_records
		WHERE subject = $1 AND predicate = $2
		ORDER BY ts DESC
	`

	resolveVersionsRangeQuery = `
		SELECT value, ts
		FROM quarry_records
		WHERE subject = $1 AND predicate = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts DESC
	`

	resolvePrefixNewestQuery = `
		SELECT DISTINCT ON (predicate) predicate, value, ts
		FROM quarry_records
		WHERE subject = $1 AND predicate LIKE $2
		ORDER BY predicate ASC, ts DESC
	`

	resolvePrefixAllQuery = `
		SELECT predicate, value, ts
		FROM quarry_records
		WHERE subject = $1 AND predicate LIKE $2
		ORDER BY predicate ASC, ts DESC
	`

	resolvePrefixRangeQuery = `
		SELECT predicate, value, ts
		FROM quarry_records
		WHERE subject = $1 AND predicate LIKE $2 AND ts BETWEEN $3 AND $4
		ORDER BY predicate ASC, ts DESC
	`

	scanSubjectsQuery = `
		SELECT DISTINCT subject
		FROM quarry_records
		WHERE subject LIKE $1
		ORDER BY subject ASC
	`

	acquireLockQuery = `
		UPDATE quarry_subject_locks
		SET version = version + 1
		WHERE subject = $1 AND version = $2
	`

	insertLockQuery = `
		INSERT INTO quarry_subject_locks (subject, version)
		VALUES ($1, 1)
		ON CONFLICT (subject) DO NOTHING
	`

	readLockQuery = `
		SELECT version
		FROM quarry_subject_locks
		WHERE subject = $1
	`
)

// Store implements datastore.DataStore on PostgreSQL.
type Store struct {
	exec driver.Executor
	now  func() time.Time
}

var _ datastore.DataStore = (*Store)(nil)

// Option adjusts a Store.
type Option func(*Store)

// WithClock replaces the clock used for implicit write timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on the given executor.
func New(exec driver.Executor, opts ...Option) *Store {
	s := &Store{exec: exec, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the schema. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.exec.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply datastore schema: %w", err)
	}
	return nil
}

// getExecutor returns the executor from context if present, otherwise
// the pool executor, so datastore writes can join caller transactions.
func (s *Store) getExecutor(ctx context.Context) driver.Executor {
	if exec := driver.ExecutorFromContext(ctx); exec != nil {
		return exec
	}
	return s.exec
}

// Now returns the store's current time.
func (s *Store) Now() types.Timestamp {
	return types.TimestampFromTime(s.now())
}

// likePattern turns a literal prefix into a LIKE pattern, escaping the
// LIKE metacharacters so predicates such as "_lock" match literally.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Set implements datastore.DataStore.
func (s *Store) Set(ctx context.Context, subject, predicate string, value []byte, ts types.Timestamp, replace bool) error {
	values := map[string][]datastore.VersionedValue{
		predicate: {{Value: value, TS: ts}},
	}
	return s.MultiSet(ctx, subject, values, nil, replace)
}

// MultiSet implements datastore.DataStore. All deletes and writes run in
// one database transaction, so the subject is updated atomically.
func (s *Store) MultiSet(ctx context.Context, subject string, values map[string][]datastore.VersionedValue, toDelete []string, replace bool) error {
	tx, err := s.getExecutor(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin multiset: %w", err)
	}

	if err := s.applyMutations(ctx, tx, subject, values, toDelete, replace); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit multiset: %w", err)
	}
	return nil
}

// applyMutations writes deletes and inserts through exec. Predicates are
// processed in sorted order so concurrent writers take row locks in a
// consistent order.
func (s *Store) applyMutations(ctx context.Context, exec driver.Executor, subject string, values map[string][]datastore.VersionedValue, toDelete []string, replace bool) error {
	var items []driver.BatchItem

	for _, pred := range toDelete {
		items = append(items, driver.BatchItem{Query: deletePredicateQuery, Args: []any{subject, pred}})
	}

	preds := make([]string, 0, len(values))
	for pred := range values {
		preds = append(preds, pred)
	}
	sort.Strings(preds)

	for _, pred := range preds {
		if replace {
			items = append(items, driver.BatchItem{Query: deletePredicateQuery, Args: []any{subject, pred}})
		}
		for _, v := range values[pred] {
			ts := v.TS
			if ts.IsZero() {
				ts = s.Now()
			}
			items = append(items, driver.BatchItem{
				Query: insertRecordQuery,
				Args:  []any{subject, pred, int64(ts), v.Value},
			})
		}
	}

	if batcher, ok := exec.(driver.BatchExecutor); ok {
		if _, err := batcher.SendBatch(ctx, items); err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
		return nil
	}
	for _, item := range items {
		if _, err := exec.Exec(ctx, item.Query, item.Args...); err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
	}
	return nil
}

// DeleteAttributes implements datastore.DataStore.
func (s *Store) DeleteAttributes(ctx context.Context, subject string, predicates []string) error {
	exec := s.getExecutor(ctx)
	for _, pred := range predicates {
		if _, err := exec.Exec(ctx, deletePredicateQuery, subject, pred); err != nil {
			return fmt.Errorf("failed to delete attribute %s: %w", pred, err)
		}
	}
	return nil
}

// DeleteSubject implements datastore.DataStore. The lock row goes too, so
// a transaction opened before the delete can no longer commit.
func (s *Store) DeleteSubject(ctx context.Context, subject string) error {
	tx, err := s.getExecutor(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	if _, err := tx.Exec(ctx, deleteSubjectRecordsQuery, subject); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to delete subject records: %w", err)
	}
	if _, err := tx.Exec(ctx, deleteSubjectLockQuery, subject); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to delete subject lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Resolve implements datastore.Reader.
func (s *Store) Resolve(ctx context.Context, subject, predicate string) (datastore.Record, error) {
	rows, err := s.getExecutor(ctx).Query(ctx, resolveNewestQuery, subject, predicate)
	if err != nil {
		return datastore.Record{}, fmt.Errorf("failed to resolve %s: %w", predicate, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return datastore.Record{}, fmt.Errorf("failed to resolve %s: %w", predicate, err)
		}
		return datastore.Record{}, datastore.ErrNotFound
	}

	rec := datastore.Record{Subject: subject, Predicate: predicate}
	var ts int64
	if err := rows.Scan(&rec.Value, &ts); err != nil {
		return datastore.Record{}, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.TS = types.Timestamp(ts)
	return rec, nil
}

// ResolveMulti implements datastore.Reader.
func (s *Store) ResolveMulti(ctx context.Context, subject string, predicates []string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	var out []datastore.Record
	for _, pred := range predicates {
		recs, err := s.resolveVersions(ctx, subject, pred, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *Store) resolveVersions(ctx context.Context, subject, predicate string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	exec := s.getExecutor(ctx)

	var rows driver.Rows
	var err error
	switch ts.Mode {
	case datastore.ModeNewest:
		rows, err = exec.Query(ctx, resolveNewestQuery, subject, predicate)
	case datastore.ModeAll:
		rows, err = exec.Query(ctx, resolveVersionsQuery, subject, predicate)
	case datastore.ModeRange:
		rows, err = exec.Query(ctx, resolveVersionsRangeQuery, subject, predicate, int64(ts.Start), int64(ts.End))
	default:
		return nil, fmt.Errorf("unknown timestamp mode %d", ts.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", predicate, err)
	}
	defer rows.Close()

	var out []datastore.Record
	for rows.Next() {
		rec := datastore.Record{Subject: subject, Predicate: predicate}
		var rowTS int64
		if err := rows.Scan(&rec.Value, &rowTS); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.TS = types.Timestamp(rowTS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// ResolvePrefix implements datastore.Reader.
func (s *Store) ResolvePrefix(ctx context.Context, subject, prefix string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	exec := s.getExecutor(ctx)
	pattern := likePattern(prefix)

	var rows driver.Rows
	var err error
	switch ts.Mode {
	case datastore.ModeNewest:
		rows, err = exec.Query(ctx, resolvePrefixNewestQuery, subject, pattern)
	case datastore.ModeAll:
		rows, err = exec.Query(ctx, resolvePrefixAllQuery, subject, pattern)
	case datastore.ModeRange:
		rows, err = exec.Query(ctx, resolvePrefixRangeQuery, subject, pattern, int64(ts.Start), int64(ts.End))
	default:
		return nil, fmt.Errorf("unknown timestamp mode %d", ts.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []datastore.Record
	for rows.Next() {
		rec := datastore.Record{Subject: subject}
		var rowTS int64
		if err := rows.Scan(&rec.Predicate, &rec.Value, &rowTS); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.TS = types.Timestamp(rowTS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// MultiResolvePrefix implements datastore.Reader.
func (s *Store) MultiResolvePrefix(ctx context.Context, subjects []string, prefixes []string, ts datastore.TimestampSpec) (map[string][]datastore.Record, error) {
	out := make(map[string][]datastore.Record)
	for _, subject := range subjects {
		var recs []datastore.Record
		for _, prefix := range prefixes {
			r, err := s.ResolvePrefix(ctx, subject, prefix, ts)
			if err != nil {
				return nil, err
			}
			recs = append(recs, r...)
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

// ScanSubjects implements datastore.Reader.
func (s *Store) ScanSubjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := scanSubjectsQuery
	args := []any{likePattern(prefix)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.getExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan subjects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		out = append(out, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subjects: %w", err)
	}
	return out, nil
}

// Query implements datastore.DataStore.
func (s *Store) Query(ctx context.Context, subjectPrefix string, filter datastore.Filter, opts datastore.QueryOptions) ([]string, error) {
	return datastore.EvaluateQuery(ctx, s, subjectPrefix, filter, opts)
}

// Transaction implements datastore.DataStore.
func (s *Store) Transaction(ctx context.Context, subject string) (datastore.Tx, error) {
	rows, err := s.getExecutor(ctx).Query(ctx, readLockQuery, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock version: %w", err)
	}
	defer rows.Close()

	var version int64
	if rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan lock version: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lock version: %w", err)
	}

	return &pgTx{store: s, subject: subject, openVersion: version}, nil
}

type bufferedWrite struct {
	predicate string
	value     []byte
	ts        types.Timestamp
	replace   bool
}

type pgTx struct {
	store       *Store
	subject     string
	openVersion int64

	writes  []bufferedWrite
	deletes []string
	done    bool
}

func (t *pgTx) Subject() string { return t.subject }

func (t *pgTx) Resolve(ctx context.Context, predicate string) (datastore.Record, error) {
	return t.store.Resolve(ctx, t.subject, predicate)
}

func (t *pgTx) ResolvePrefix(ctx context.Context, prefix string, ts datastore.TimestampSpec) ([]datastore.Record, error) {
	return t.store.ResolvePrefix(ctx, t.subject, prefix, ts)
}

func (t *pgTx) Set(predicate string, value []byte, ts types.Timestamp, replace bool) {
	t.writes = append(t.writes, bufferedWrite{
		predicate: predicate,
		value:     append([]byte(nil), value...),
		ts:        ts,
		replace:   replace,
	})
}

func (t *pgTx) DeleteAttributes(predicates ...string) {
	t.deletes = append(t.deletes, predicates...)
}

// Commit takes the subject's version lock and applies the buffered
// mutations in one database transaction. A concurrent committer moves
// the version first and this commit fails with ErrTransactionConflict.
func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	tx, err := t.store.getExecutor(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}

	locked, err := t.acquireLock(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if !locked {
		_ = tx.Rollback(ctx)
		return datastore.ErrTransactionConflict
	}

	if err := t.applyBuffered(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) acquireLock(ctx context.Context, tx driver.ExecutorTx) (bool, error) {
	affected, err := tx.Exec(ctx, acquireLockQuery, t.subject, t.openVersion)
	if err != nil {
		return false, fmt.Errorf("failed to take subject lock: %w", err)
	}
	if affected == 1 {
		return true, nil
	}
	if t.openVersion != 0 {
		return false, nil
	}
	// First writer on this subject: create the lock row. A concurrent
	// first writer loses the insert race and conflicts.
	affected, err = tx.Exec(ctx, insertLockQuery, t.subject)
	if err != nil {
		return false, fmt.Errorf("failed to create subject lock: %w", err)
	}
	return affected == 1, nil
}

// applyBuffered replays the buffered mutations in order: explicit
// deletes first, then each predicate's replace delete, then the writes.
func (t *pgTx) applyBuffered(ctx context.Context, tx driver.ExecutorTx) error {
	var items []driver.BatchItem

	for _, pred := range t.deletes {
		items = append(items, driver.BatchItem{Query: deletePredicateQuery, Args: []any{t.subject, pred}})
	}

	replaced := make(map[string]bool)
	for _, w := range t.writes {
		if w.replace && !replaced[w.predicate] {
			replaced[w.predicate] = true
			items = append(items, driver.BatchItem{Query: deletePredicateQuery, Args: []any{t.subject, w.predicate}})
		}
		ts := w.ts
		if ts.IsZero() {
			ts = t.store.Now()
		}
		items = append(items, driver.BatchItem{
			Query: insertRecordQuery,
			Args:  []any{t.subject, w.predicate, int64(ts), w.value},
		})
	}

	if batcher, ok := tx.(driver.BatchExecutor); ok {
		if _, err := batcher.SendBatch(ctx, items); err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
		return nil
	}
	for _, item := range items {
		if _, err := tx.Exec(ctx, item.Query, item.Args...); err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
	}
	return nil
}

func (t *pgTx) Abort(ctx context.Context) error {
	t.done = true
	t.writes = nil
	t.deletes = nil
	return nil
}
