// Package pgxv5 provides a pgx/v5 driver implementation for Quarry.
//
// This is the recommended driver: it supports native batch writes, which
// the datastore uses for multi-predicate updates, and dedicated LISTEN
// connections, which let idle workers wake on queue notifications
// instead of polling.
//
// Usage:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	drv := pgxv5.New(pool)
//	store := drv.GetStore()
package pgxv5

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quarryhq/quarry/datastore/pgdb"
	"github.com/quarryhq/quarry/driver"
)

// Driver implements driver.Driver for pgx/v5.
type Driver struct {
	pool *pgxpool.Pool
}

var _ driver.Driver[pgx.Tx] = (*Driver)(nil)

// New creates a new pgx/v5 driver with the given connection pool.
func New(pool *pgxpool.Pool) *Driver {
	return &Driver{pool: pool}
}

// GetExecutor returns an executor for non-transactional operations.
func (d *Driver) GetExecutor() driver.Executor {
	return &Executor{pool: d.pool}
}

// UnwrapExecutor converts a pgx.Tx to an ExecutorTx.
func (d *Driver) UnwrapExecutor(tx pgx.Tx) driver.ExecutorTx {
	return &ExecutorTx{tx: tx}
}

// Begin starts a new transaction and returns an ExecutorTx.
func (d *Driver) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &ExecutorTx{tx: tx}, nil
}

// PoolIsSet returns true if the driver has a database pool configured.
func (d *Driver) PoolIsSet() bool {
	return d.pool != nil
}

// GetStore returns the PostgreSQL datastore backed by this driver.
func (d *Driver) GetStore() *pgdb.Store {
	return pgdb.New(d.GetExecutor())
}

// Pool returns the underlying pgxpool.Pool for advanced usage.
func (d *Driver) Pool() *pgxpool.Pool {
	return d.pool
}

// SupportsListener returns true as pgx supports dedicated LISTEN connections.
func (d *Driver) SupportsListener() bool {
	return true
}

// SupportsNotify returns true as pgx supports NOTIFY.
func (d *Driver) SupportsNotify() bool {
	return true
}

// GetListener creates a new Listener for receiving PostgreSQL
// notifications. The listener holds a dedicated connection from the pool
// and must be closed when no longer needed.
func (d *Driver) GetListener(ctx context.Context) (driver.Listener, error) {
	return NewListener(d.pool), nil
}

// GetNotifier returns a Notifier for sending PostgreSQL notifications.
func (d *Driver) GetNotifier() driver.Notifier {
	return &Notifier{pool: d.pool}
}

// Notifier implements driver.Notifier using the connection pool.
type Notifier struct {
	pool *pgxpool.Pool
}

// Notify sends a notification on the specified channel.
func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

var _ driver.Notifier = (*Notifier)(nil)

// Executor wraps pgxpool.Pool for non-transactional operations.
type Executor struct {
	pool *pgxpool.Pool
}

var _ driver.BatchExecutor = (*Executor)(nil)

// Begin starts a new transaction.
func (e *Executor) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &ExecutorTx{tx: tx}, nil
}

// Exec executes a query that doesn't return rows.
func (e *Executor) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	result, err := e.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Query executes a query that returns rows.
func (e *Executor) Query(ctx context.Context, sql string, args ...any) (driver.Rows, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &rowsWrapper{rows}, nil
}

// QueryRow executes a query that returns at most one row.
func (e *Executor) QueryRow(ctx context.Context, sql string, args ...any) driver.Row {
	return e.pool.QueryRow(ctx, sql, args...)
}

// SendBatch sends multiple queries in a single round trip.
func (e *Executor) SendBatch(ctx context.Context, items []driver.BatchItem) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(item.Query, item.Args...)
	}
	return collectBatch(e.pool.SendBatch(ctx, batch), len(items))
}

// ExecutorTx wraps pgx.Tx for transactional operations.
type ExecutorTx struct {
	tx pgx.Tx
}

var _ driver.ExecutorTx = (*ExecutorTx)(nil)

// Begin starts a nested transaction (savepoint).
// pgx automatically handles savepoints for nested Begin calls.
func (e *ExecutorTx) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	tx, err := e.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &ExecutorTx{tx: tx}, nil
}

// Exec executes a query that doesn't return rows within the transaction.
func (e *ExecutorTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	result, err := e.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Query executes a query that returns rows within the transaction.
func (e *ExecutorTx) Query(ctx context.Context, sql string, args ...any) (driver.Rows, error) {
	rows, err := e.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &rowsWrapper{rows}, nil
}

// QueryRow executes a query that returns at most one row within the transaction.
func (e *ExecutorTx) QueryRow(ctx context.Context, sql string, args ...any) driver.Row {
	return e.tx.QueryRow(ctx, sql, args...)
}

// Commit commits the transaction.
func (e *ExecutorTx) Commit(ctx context.Context) error {
	return e.tx.Commit(ctx)
}

// Rollback rolls back the transaction.
func (e *ExecutorTx) Rollback(ctx context.Context) error {
	return e.tx.Rollback(ctx)
}

// SendBatch sends multiple queries as a batch within the transaction.
func (e *ExecutorTx) SendBatch(ctx context.Context, items []driver.BatchItem) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(item.Query, item.Args...)
	}
	return collectBatch(e.tx.SendBatch(ctx, batch), len(items))
}

// Tx returns the underlying pgx.Tx for advanced usage.
func (e *ExecutorTx) Tx() pgx.Tx {
	return e.tx
}

func collectBatch(results pgx.BatchResults, n int) (affected []int64, err error) {
	defer func() {
		if closeErr := results.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	affected = make([]int64, n)
	for i := 0; i < n; i++ {
		result, execErr := results.Exec()
		if execErr != nil {
			return nil, execErr
		}
		affected[i] = result.RowsAffected()
	}
	return affected, nil
}

// rowsWrapper adapts pgx.Rows to driver.Rows.
type rowsWrapper struct {
	rows pgx.Rows
}

func (r *rowsWrapper) Close() { r.rows.Close() }

func (r *rowsWrapper) Err() error { return r.rows.Err() }

func (r *rowsWrapper) Next() bool { return r.rows.Next() }

func (r *rowsWrapper) Scan(dest ...any) error { return r.rows.Scan(dest...) }

var _ driver.Rows = (*rowsWrapper)(nil)
