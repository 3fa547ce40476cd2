package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKeyLockerExclusiveUntilUnlock(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryKeyLocker()

	handle, err := locker.Acquire(ctx, "order:1001", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "order:1001", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected lock held, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "order:1002", time.Minute); err != nil {
		t.Fatalf("expected independent key to lock, got %v", err)
	}
	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := locker.Acquire(ctx, "order:1001", time.Minute); err != nil {
		t.Fatalf("expected reacquire after unlock, got %v", err)
	}
}

func TestMemoryKeyLockerStaleHandleDoesNotReleaseNewLease(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(100, 0)
	locker := NewMemoryKeyLocker()
	locker.nowFn = func() time.Time { return now }

	stale, err := locker.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := locker.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("expected expired lease to be taken over, got %v", err)
	}
	_ = stale.Unlock(ctx)
	if _, err := locker.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected new lease to survive stale unlock, got %v", err)
	}
}
