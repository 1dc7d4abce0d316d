package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cocoonstack/vmxdriver/utils"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock is held by another process")

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// TryLocker can attempt acquisition without blocking.
type TryLocker interface {
	Locker
	TryLock(ctx context.Context) error
}

// WithLock acquires the lock, calls fn, and releases the lock.
// If fn returns an error, the lock is still released.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}

// WithRetry tries l up to attempts times, sleeping interval while it is
// contended, then runs fn under the lock.
func WithRetry(ctx context.Context, l TryLocker, attempts int, interval time.Duration, fn func() error) error {
	if err := utils.Retry(ctx, attempts, interval, func(err error) bool {
		return errors.Is(err, ErrLocked)
	}, func() error {
		return l.TryLock(ctx)
	}); err != nil {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}
