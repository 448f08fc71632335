package databasesql

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/quarryhq/quarry/driver"
)

// Listener implements driver.Listener using lib/pq, which maintains its
// own dedicated connection and reconnects automatically.
type Listener struct {
	pql *pq.Listener

	mu     sync.Mutex
	closed bool
}

var _ driver.Listener = (*Listener)(nil)

// NewListener creates a listener for the given connection string.
func NewListener(connStr string) *Listener {
	pql := pq.NewListener(connStr, time.Second, 30*time.Second, nil)
	return &Listener{pql: pql}
}

// Listen implements driver.Listener.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	return l.pql.Listen(channel)
}

// Unlisten implements driver.Listener.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	return l.pql.Unlisten(channel)
}

// UnlistenAll implements driver.Listener.
func (l *Listener) UnlistenAll(ctx context.Context) error {
	return l.pql.UnlistenAll()
}

// WaitForNotification implements driver.Listener. lib/pq delivers a nil
// notification after a reconnect; those are skipped, not returned.
func (l *Listener) WaitForNotification(ctx context.Context) (*driver.Notification, error) {
	for {
		select {
		case n := <-l.pql.Notify:
			if n == nil {
				continue
			}
			return &driver.Notification{Channel: n.Channel, Payload: n.Extra}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ping implements driver.Listener.
func (l *Listener) Ping(ctx context.Context) error {
	return l.pql.Ping()
}

// Close implements driver.Listener.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.pql.Close()
}

// IsClosed implements driver.Listener.
func (l *Listener) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Notifier implements driver.Notifier through the pool.
type Notifier struct {
	db *sql.DB
}

var _ driver.Notifier = (*Notifier)(nil)

// Notify implements driver.Notifier.
func (n *Notifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}
