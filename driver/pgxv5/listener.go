package pgxv5

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quarryhq/quarry/driver"
)

// Listener implements driver.Listener using a dedicated pgx connection.
type Listener struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	conn   *pgxpool.Conn
	closed bool
}

var _ driver.Listener = (*Listener)(nil)

// NewListener creates a new Listener using the provided connection pool.
// A connection is acquired lazily on the first Listen call.
func NewListener(pool *pgxpool.Pool) *Listener {
	return &Listener{pool: pool}
}

// connLocked acquires the dedicated connection if not held yet.
func (l *Listener) connLocked(ctx context.Context) (*pgxpool.Conn, error) {
	if l.closed {
		return nil, errors.New("listener is closed")
	}
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		l.conn = conn
	}
	return l.conn, nil
}

// Listen starts listening on the specified channel.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := l.connLocked(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "LISTEN "+channel)
	return err
}

// Unlisten stops listening on the specified channel.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := l.connLocked(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "UNLISTEN "+channel)
	return err
}

// UnlistenAll stops listening on all channels.
func (l *Listener) UnlistenAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := l.connLocked(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "UNLISTEN *")
	return err
}

// WaitForNotification blocks until a notification arrives on any
// subscribed channel or the context is cancelled. The connection is not
// locked while waiting, so Close from another goroutine interrupts the
// wait.
func (l *Listener) WaitForNotification(ctx context.Context) (*driver.Notification, error) {
	l.mu.Lock()
	conn := l.conn
	closed := l.closed
	l.mu.Unlock()

	if closed || conn == nil {
		return nil, errors.New("listener is not listening")
	}

	n, err := conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &driver.Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Ping checks if the listener connection is healthy.
func (l *Listener) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := l.connLocked(ctx)
	if err != nil {
		return err
	}
	return conn.Conn().Ping(ctx)
}

// Close releases the dedicated connection. After closing, the listener
// cannot be used.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.conn != nil {
		// Closing the underlying connection interrupts a concurrent
		// WaitForNotification; releasing alone would hand a listening
		// connection back to the pool.
		_ = l.conn.Conn().Close(ctx)
		l.conn.Release()
		l.conn = nil
	}
	return nil
}

// IsClosed returns true if the listener has been closed.
func (l *Listener) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
