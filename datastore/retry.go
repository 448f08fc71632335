package datastore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 100 * time.Millisecond
)

type retryConfig struct {
	attempts int
	backoff  time.Duration
}

// RetryOption adjusts RetryWrapper behavior.
type RetryOption func(*retryConfig)

// WithAttempts sets how many times a conflicted transaction is retried.
func WithAttempts(n int) RetryOption {
	return func(c *retryConfig) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the base delay between attempts. The actual delay
// grows linearly with the attempt number and carries jitter so competing
// writers spread out.
func WithBackoff(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// RetryWrapper runs fn inside a transaction on subject and commits it,
// retrying the whole attempt when the commit loses to a concurrent
// writer. fn must not call Commit or Abort itself. Non-conflict errors
// abort immediately.
func RetryWrapper(ctx context.Context, ds DataStore, subject string, fn func(tx Tx) error, opts ...RetryOption) error {
	cfg := retryConfig{attempts: defaultRetryAttempts, backoff: defaultRetryBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}

	var lastErr error
	for attempt := 0; attempt < cfg.attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * cfg.backoff
			delay += time.Duration(rand.Int63n(int64(cfg.backoff)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := ds.Transaction(ctx, subject)
		if err != nil {
			if errors.Is(err, ErrTransactionConflict) {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to open transaction on %s: %w", subject, err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Abort(ctx)
			return err
		}

		err = tx.Commit(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransactionConflict) {
			return fmt.Errorf("failed to commit transaction on %s: %w", subject, err)
		}
		lastErr = err
	}
	return lastErr
}
