package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryOnConflict runs fn until it succeeds, returns an error that is not a
// SQLite concurrency conflict, or maxRetries attempts have been made.
// Delays grow exponentially from baseDelay.
func RetryOnConflict(ctx context.Context, op string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
