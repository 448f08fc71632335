// Package datastore defines the versioned subject/predicate/value store
// every other component persists through. A subject is a hierarchical
// path ("clients/C.1a2b...", "flows/W:0f3c..."); each predicate on it
// holds one or more values, ordered by an integer microsecond timestamp.
//
// The store is the only persistent state in the system. Everything else
// (queues, flow state, hunt accounting, approvals) is expressed as
// subjects and predicates, so any component can crash and be replayed
// from what the store holds.
//
// Implementations live in the memdb, pgdb and boltdb subpackages.
package datastore

import (
	"context"
	"errors"
	"strconv"

	"github.com/quarryhq/quarry/types"
)

// Sentinel errors returned by DataStore implementations.
var (
	// ErrNotFound is returned by Resolve when the predicate has no value.
	ErrNotFound = errors.New("attribute not found")

	// ErrTransactionConflict is returned by Tx.Commit when another
	// transaction committed on the same subject first.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrInvalidFilter is returned by Query for malformed filters.
	ErrInvalidFilter = errors.New("invalid query filter")
)

// LockPredicate is the control attribute backing per-subject optimistic
// transactions. Commit writes all buffered mutations plus an incremented
// lock version, conditional on the version it read when the transaction
// was opened.
const LockPredicate = "_lock"

// VersionedValue is one value to write, optionally at an explicit
// timestamp. A zero timestamp means "the store's current time".
type VersionedValue struct {
	Value []byte
	TS    types.Timestamp
}

// Record is one stored (subject, predicate, value, timestamp) row.
type Record struct {
	Subject   string
	Predicate string
	Value     []byte
	TS        types.Timestamp
}

// TimestampMode selects which versions a read returns.
type TimestampMode int

const (
	// ModeNewest returns only the latest version per predicate.
	ModeNewest TimestampMode = iota

	// ModeAll returns every version, newest first.
	ModeAll

	// ModeRange returns versions with Start <= ts <= End, newest first.
	ModeRange
)

// TimestampSpec combines a mode with its range bounds.
type TimestampSpec struct {
	Mode  TimestampMode
	Start types.Timestamp
	End   types.Timestamp
}

// Newest selects only the latest version per predicate.
func Newest() TimestampSpec {
	return TimestampSpec{Mode: ModeNewest}
}

// AllTimestamps selects every stored version.
func AllTimestamps() TimestampSpec {
	return TimestampSpec{Mode: ModeAll}
}

// TimeRange selects versions with start <= ts <= end.
func TimeRange(start, end types.Timestamp) TimestampSpec {
	return TimestampSpec{Mode: ModeRange, Start: start, End: end}
}

// matches reports whether a version timestamp satisfies the spec. The
// newest-only restriction is applied by the caller, which sees versions
// ordered newest first.
func (s TimestampSpec) matches(ts types.Timestamp) bool {
	if s.Mode != ModeRange {
		return true
	}
	return ts >= s.Start && ts <= s.End
}

// QueryOptions pages Query results.
type QueryOptions struct {
	Limit  int
	Offset int
}

// Reader is the read-only half of the store contract.
type Reader interface {
	// Resolve returns the newest value of one predicate, or ErrNotFound.
	Resolve(ctx context.Context, subject, predicate string) (Record, error)

	// ResolveMulti returns the requested predicates, each restricted by
	// the timestamp spec. Missing predicates are skipped, not errors.
	ResolveMulti(ctx context.Context, subject string, predicates []string, ts TimestampSpec) ([]Record, error)

	// ResolvePrefix returns every predicate sharing the prefix, ordered
	// by predicate ascending then timestamp descending.
	ResolvePrefix(ctx context.Context, subject, prefix string, ts TimestampSpec) ([]Record, error)

	// MultiResolvePrefix is the batched form of ResolvePrefix. The result
	// map contains an entry per subject that had at least one match.
	MultiResolvePrefix(ctx context.Context, subjects []string, prefixes []string, ts TimestampSpec) (map[string][]Record, error)

	// ScanSubjects lists stored subjects under a path prefix, ascending.
	// A zero limit means no limit.
	ScanSubjects(ctx context.Context, prefix string, limit int) ([]string, error)
}

// DataStore is the full store contract.
type DataStore interface {
	Reader

	// Set appends a new timestamped version. A zero timestamp means the
	// store's current time. With replace, older versions of the predicate
	// are deleted atomically with the write.
	Set(ctx context.Context, subject, predicate string, value []byte, ts types.Timestamp, replace bool) error

	// MultiSet writes several predicates atomically on one subject and
	// deletes the toDelete predicates in the same step. With replace,
	// written predicates lose their older versions.
	MultiSet(ctx context.Context, subject string, values map[string][]VersionedValue, toDelete []string, replace bool) error

	// DeleteAttributes removes every version of the named predicates.
	DeleteAttributes(ctx context.Context, subject string, predicates []string) error

	// DeleteSubject removes the subject and everything on it.
	DeleteSubject(ctx context.Context, subject string) error

	// Query returns subjects under the prefix whose newest values match
	// the filter, in ascending subject order.
	Query(ctx context.Context, subjectPrefix string, filter Filter, opts QueryOptions) ([]string, error)

	// Transaction opens an optimistic per-subject transaction. Concurrent
	// transactions on one subject: at most one commits, the rest fail
	// with ErrTransactionConflict.
	Transaction(ctx context.Context, subject string) (Tx, error)

	// Now returns the store's current time. Test stores may freeze it.
	Now() types.Timestamp
}

// Tx is a single-subject transaction. Reads go to the committed state;
// writes are buffered until Commit. Commit applies the buffer and bumps
// the subject's lock version, failing with ErrTransactionConflict when
// the version moved since the transaction was opened.
type Tx interface {
	Subject() string

	Resolve(ctx context.Context, predicate string) (Record, error)
	ResolvePrefix(ctx context.Context, prefix string, ts TimestampSpec) ([]Record, error)

	// Set buffers a write. Zero timestamp resolves at commit time.
	Set(predicate string, value []byte, ts types.Timestamp, replace bool)

	// DeleteAttributes buffers a predicate delete, applied before the
	// buffered writes of the same predicate.
	DeleteAttributes(predicates ...string)

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Freezer is implemented by stores whose clock can be pinned for tests.
type Freezer interface {
	Freeze(ts types.Timestamp)
	Unfreeze()
}

// EncodeInt renders an integer value in its stored form. Integers are
// kept as decimal strings so every backend sorts and filters them the
// same way.
func EncodeInt(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

// DecodeInt parses a stored integer value.
func DecodeInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

// EncodeString and DecodeString exist for symmetry with EncodeInt at
// call sites that store plain text.
func EncodeString(s string) []byte {
	return []byte(s)
}

// DecodeString converts a stored value back to a string.
func DecodeString(b []byte) string {
	return string(b)
}
