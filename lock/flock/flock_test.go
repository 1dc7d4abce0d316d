package flock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cocoonstack/vmxdriver/lock"
)

func TestLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "machine", "lock")
	a := New(path)
	b := New(path)

	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock a: %v", err)
	}
	if err := b.TryLock(ctx); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("unlock a: %v", err)
	}
	if err := b.TryLock(ctx); err != nil {
		t.Fatalf("try lock b after release: %v", err)
	}
	_ = b.Unlock(ctx)
}

func TestLock_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	holder := New(path)
	if err := holder.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer holder.Unlock(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := New(path).Lock(ctx); err == nil {
		t.Fatal("expected lock failure on cancelled context")
	}
}

func TestWithRetry_Bounded(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vmware-network.lock")
	holder := New(path)
	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	ran := false
	err := lock.WithRetry(ctx, New(path), 3, 10*time.Millisecond, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, lock.ErrLocked) || ran {
		t.Fatalf("expected ErrLocked without running, got %v ran=%v", err, ran)
	}

	_ = holder.Unlock(ctx)
	if err := lock.WithRetry(ctx, New(path), 3, 10*time.Millisecond, func() error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("expected success, got %v ran=%v", err, ran)
	}
}
