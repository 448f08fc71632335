// Package driver provides the database driver abstraction for Quarry's
// PostgreSQL-backed datastore.
//
// The interfaces here decouple the datastore implementation from the
// concrete PostgreSQL client so deployments can choose between pgx/v5
// (recommended; native batches and LISTEN/NOTIFY on pooled connections)
// and database/sql (for applications already holding a *sql.DB).
//
// Implementations are created with the driver-specific New() functions:
//   - github.com/quarryhq/quarry/driver/pgxv5.New(pool)
//   - github.com/quarryhq/quarry/driver/databasesql.New(db, connStr)
package driver

import "context"

// Driver provides database operations for the PostgreSQL datastore.
// TTx is the native transaction type (pgx.Tx for pgx/v5, *sql.Tx for
// database/sql), exposed so callers can interleave their own statements
// with datastore writes in one transaction.
type Driver[TTx any] interface {
	// GetExecutor returns an executor backed by the connection pool.
	GetExecutor() Executor

	// UnwrapExecutor converts a native transaction to an ExecutorTx so
	// datastore operations can join a caller-managed transaction.
	UnwrapExecutor(tx TTx) ExecutorTx

	// Begin starts a new transaction.
	Begin(ctx context.Context) (ExecutorTx, error)

	// PoolIsSet reports whether the driver has a pool configured. Used
	// to validate wiring before anything touches the database.
	PoolIsSet() bool

	// SupportsListener reports whether the driver can hold a dedicated
	// LISTEN connection. When false, callers fall back to polling.
	SupportsListener() bool

	// SupportsNotify reports whether the driver can send NOTIFY. This is
	// plain SQL, so both shipped drivers support it.
	SupportsNotify() bool

	// GetListener returns a Listener for receiving notifications, or an
	// error when SupportsListener is false. The caller must close it.
	GetListener(ctx context.Context) (Listener, error)

	// GetNotifier returns a Notifier using the driver's pool.
	GetNotifier() Notifier
}

// Beginner is the subset of Driver needed to open transactions. It lets
// non-generic code begin transactions without carrying the TTx type.
type Beginner interface {
	Begin(ctx context.Context) (ExecutorTx, error)
}
