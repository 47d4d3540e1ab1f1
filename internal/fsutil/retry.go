package fsutil

import (
	"context"
	"fmt"
	"time"
)

const maxAttempts = 5

// retryBase is the first backoff delay, doubled after every attempt
var retryBase = 100 * time.Millisecond

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
func retry(ctx context.Context, opName string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBase * (1 << (attempt - 1))):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", opName, maxAttempts, lastErr)
}
