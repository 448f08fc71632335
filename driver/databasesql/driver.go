// Package databasesql provides a Quarry driver for applications that
// already hold a *sql.DB. LISTEN support comes from lib/pq, so the
// connection string must be pq-compatible.
package databasesql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/quarryhq/quarry/datastore/pgdb"
	"github.com/quarryhq/quarry/driver"
)

// Driver implements driver.Driver[*sql.Tx].
type Driver struct {
	db      *sql.DB
	connStr string
}

var _ driver.Driver[*sql.Tx] = (*Driver)(nil)

// New creates a driver on an existing database handle. connStr is used
// for dedicated listener connections; pass "" to disable listening.
func New(db *sql.DB, connStr string) *Driver {
	return &Driver{db: db, connStr: connStr}
}

// GetExecutor returns the pool executor.
func (d *Driver) GetExecutor() driver.Executor {
	return &Executor{db: d.db}
}

// UnwrapExecutor converts a *sql.Tx to an ExecutorTx.
func (d *Driver) UnwrapExecutor(tx *sql.Tx) driver.ExecutorTx {
	return &ExecutorTx{tx: tx, savepoints: new(atomic.Int64)}
}

// Begin starts a new transaction.
func (d *Driver) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	return d.GetExecutor().Begin(ctx)
}

// PoolIsSet reports whether the driver was given a database handle.
func (d *Driver) PoolIsSet() bool {
	return d.db != nil
}

// GetStore returns the PostgreSQL datastore backed by this driver.
func (d *Driver) GetStore() *pgdb.Store {
	return pgdb.New(d.GetExecutor())
}

// DB returns the underlying database handle.
func (d *Driver) DB() *sql.DB {
	return d.db
}

// SupportsListener reports whether a connection string was provided for
// dedicated listener connections.
func (d *Driver) SupportsListener() bool {
	return d.connStr != ""
}

// SupportsNotify implements driver.Driver.
func (d *Driver) SupportsNotify() bool {
	return true
}

// GetListener returns a lib/pq backed listener.
func (d *Driver) GetListener(ctx context.Context) (driver.Listener, error) {
	if !d.SupportsListener() {
		return nil, errors.New("listener requires a connection string")
	}
	return NewListener(d.connStr), nil
}

// GetNotifier implements driver.Driver.
func (d *Driver) GetNotifier() driver.Notifier {
	return &Notifier{db: d.db}
}

// Executor implements driver.Executor on *sql.DB.
type Executor struct {
	db *sql.DB
}

var _ driver.Executor = (*Executor)(nil)

func (e *Executor) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &ExecutorTx{tx: tx, savepoints: new(atomic.Int64)}, nil
}

func (e *Executor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e *Executor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &rowsWrapper{rows: rows}, nil
}

func (e *Executor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return e.db.QueryRowContext(ctx, query, args...)
}

// ExecutorTx implements driver.ExecutorTx on *sql.Tx. Nested Begin calls
// create savepoints named from a counter shared across the transaction.
type ExecutorTx struct {
	tx         *sql.Tx
	savepoints *atomic.Int64
	savepoint  string
}

var _ driver.ExecutorTx = (*ExecutorTx)(nil)

func (t *ExecutorTx) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	name := fmt.Sprintf("quarry_sp_%d", t.savepoints.Add(1))
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}
	return &ExecutorTx{tx: t.tx, savepoints: t.savepoints, savepoint: name}, nil
}

func (t *ExecutorTx) Commit(ctx context.Context) error {
	if t.savepoint != "" {
		_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
		return err
	}
	return t.tx.Commit()
}

func (t *ExecutorTx) Rollback(ctx context.Context) error {
	if t.savepoint != "" {
		_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint)
		return err
	}
	return t.tx.Rollback()
}

func (t *ExecutorTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *ExecutorTx) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &rowsWrapper{rows: rows}, nil
}

func (t *ExecutorTx) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Tx returns the native transaction.
func (t *ExecutorTx) Tx() *sql.Tx {
	return t.tx
}

// rowsWrapper adapts *sql.Rows to driver.Rows.
type rowsWrapper struct {
	rows *sql.Rows
}

var _ driver.Rows = (*rowsWrapper)(nil)

func (r *rowsWrapper) Close() {
	_ = r.rows.Close()
}

func (r *rowsWrapper) Err() error {
	return r.rows.Err()
}

func (r *rowsWrapper) Next() bool {
	return r.rows.Next()
}

func (r *rowsWrapper) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}
