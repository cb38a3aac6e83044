package mcp

import (
	"context"
	"time"
)

// retry runs fn up to attempts times, sleeping interval between failures.
// It returns nil on the first success and the last error once the budget is
// exhausted. A context cancellation during the wait wins over the budget.
func retry(ctx context.Context, attempts int, interval time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
