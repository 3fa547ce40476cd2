package redislock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, "payhooks:"); err == nil {
		t.Fatalf("expected missing client to fail")
	}
}

func TestAcquireAgainstUnreachableRedisFails(t *testing.T) {
	client := NewClient(core.RedisConfig{Addr: "127.0.0.1:1"})
	defer client.Close()
	locker, err := New(client, "payhooks:")
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "order:1", time.Second)
	if err == nil || errors.Is(err, core.ErrLockHeld) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

// Runs against a real server when PAYHOOKS_TEST_REDIS_ADDR is set.
func TestAcquireAndReleaseAgainstRedis(t *testing.T) {
	addr := os.Getenv("PAYHOOKS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAYHOOKS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := NewClient(core.RedisConfig{Addr: addr})
	defer client.Close()
	locker, err := New(client, "payhooks-test:")
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}

	first, err := locker.Acquire(ctx, "order:1001", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "order:1001", 5*time.Second); !errors.Is(err, core.ErrLockHeld) {
		t.Fatalf("expected held lease, got %v", err)
	}
	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	second, err := locker.Acquire(ctx, "order:1001", 5*time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = second.Unlock(ctx)
}
