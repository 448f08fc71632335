package driver

import "context"

// Row is a single row returned by the predicate store's queries.
// Both pgx.Row and *sql.Row satisfy it.
type Row interface {
	// Scan copies the columns from the matched row into the values pointed at by dest.
	Scan(dest ...any) error
}

// Rows is a result set from a predicate store query.
// Both pgx.Rows and *sql.Rows satisfy it.
type Rows interface {
	// Close closes the Rows, preventing further enumeration.
	Close()

	// Err returns the error, if any, that was encountered during iteration.
	Err() error

	// Next prepares the next result row for reading with the Scan method.
	// Returns true if there is another row, false otherwise.
	Next() bool

	// Scan copies the columns in the current row into the values pointed at by dest.
	Scan(dest ...any) error
}

// Executor runs the SQL issued by the Postgres predicate store. It can
// be a connection pool or an open transaction; the store also reads one
// out of the context so callers can scope its writes to their own
// transaction.
type Executor interface {
	// Begin starts a new transaction or subtransaction (savepoint).
	// For database/sql, nested calls create savepoints.
	Begin(ctx context.Context) (ExecutorTx, error)

	// Exec executes a query that doesn't return rows.
	// Returns the number of rows affected.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// QueryRow executes a query that returns at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// ExecutorTx is an Executor with commit/rollback. The predicate store
// opens one per datastore transaction to take its subject lock and
// apply the buffered mutations atomically.
type ExecutorTx interface {
	Executor

	// Commit commits the transaction.
	// For savepoint-based nested transactions, this releases the savepoint.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction.
	// For savepoint-based nested transactions, this rolls back to the savepoint.
	Rollback(ctx context.Context) error
}

// BatchItem is one statement in a batch of predicate mutations.
type BatchItem struct {
	// Query is the SQL query to execute
	Query string

	// Args are the query arguments
	Args []any
}

// BatchExecutor is an optional interface for drivers with native batch
// support. The predicate store uses it to flush multi-predicate writes
// in one round trip; pgx/v5 implements it, database/sql executes the
// items sequentially.
type BatchExecutor interface {
	Executor

	// SendBatch sends multiple queries as a batch.
	// Returns the number of rows affected per operation.
	// Drivers without native batch support execute queries sequentially.
	SendBatch(ctx context.Context, items []BatchItem) ([]int64, error)
}
