package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetryExhausted is wrapped by Retry when every attempt failed.
var ErrRetryExhausted = errors.New("retries exhausted")

// Retry calls fn up to attempts times, sleeping interval between failures.
// retryable decides whether an error is worth another attempt; nil retries all.
// The last error is returned wrapped with ErrRetryExhausted.
func Retry(ctx context.Context, attempts int, interval time.Duration, retryable func(error) bool, fn func() error) error {
	attempts = max(attempts, 1)
	var lastErr error
	for i := range attempts {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr)
}
