package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultLockTTL = 30 * time.Second

// MemoryKeyLocker is a process-local KeyLocker with expiring leases.
type MemoryKeyLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	nowFn func() time.Time
	seq   uint64
}

type memoryLease struct {
	until time.Time
	token uint64
}

func NewMemoryKeyLocker() *MemoryKeyLocker {
	return &MemoryKeyLocker{
		locks: make(map[string]memoryLease),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryKeyLocker) Acquire(_ context.Context, key string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: key locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("core: lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.locks[key]; ok && now.Before(lease.until) {
		return nil, fmt.Errorf("%w: %q", ErrLockHeld, key)
	}
	l.seq++
	l.locks[key] = memoryLease{until: now.Add(ttl), token: l.seq}
	return &memoryLockHandle{locker: l, key: key, token: l.seq}, nil
}

type memoryLockHandle struct {
	locker *MemoryKeyLocker
	key    string
	token  uint64
	once   sync.Once
}

// Unlock only releases the lease it was issued for, so an expired handle
// cannot free a lease someone else took over.
func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		if lease, ok := h.locker.locks[h.key]; ok && lease.token == h.token {
			delete(h.locker.locks, h.key)
		}
		h.locker.mu.Unlock()
	})
	return nil
}
