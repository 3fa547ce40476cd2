package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

const (
	defaultLockTTL  = 10 * time.Second
	defaultLockWait = 5 * time.Second
	defaultLockPoll = 25 * time.Millisecond
)

// LockedLedger takes a KeyLocker lease on the order code around every
// transition, so several processes sharing a store stay serialized.
type LockedLedger struct {
	inner   core.TransactionLedger
	locker  core.KeyLocker
	ttl     time.Duration
	maxWait time.Duration
	poll    time.Duration
}

type LockOption func(*LockedLedger)

func WithLockTTL(ttl time.Duration) LockOption {
	return func(l *LockedLedger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithLockWait(maxWait time.Duration, poll time.Duration) LockOption {
	return func(l *LockedLedger) {
		if maxWait > 0 {
			l.maxWait = maxWait
		}
		if poll > 0 {
			l.poll = poll
		}
	}
}

func WithLocker(inner core.TransactionLedger, locker core.KeyLocker, opts ...LockOption) (*LockedLedger, error) {
	if inner == nil {
		return nil, fmt.Errorf("ledger: inner ledger is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("ledger: key locker is required")
	}
	l := &LockedLedger{
		inner:   inner,
		locker:  locker,
		ttl:     defaultLockTTL,
		maxWait: defaultLockWait,
		poll:    defaultLockPoll,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func LockKey(orderCode int64) string {
	return "payhooks:order:" + strconv.FormatInt(orderCode, 10)
}

func (l *LockedLedger) Find(ctx context.Context, orderCode int64) (core.Transaction, error) {
	return l.inner.Find(ctx, orderCode)
}

func (l *LockedLedger) ApplyTransition(ctx context.Context, req core.TransitionRequest) (core.TransitionResult, error) {
	handle, err := l.acquire(ctx, LockKey(req.OrderCode))
	if err != nil {
		return core.TransitionResult{}, err
	}
	defer func() {
		_ = handle.Unlock(context.WithoutCancel(ctx))
	}()
	return l.inner.ApplyTransition(ctx, req)
}

func (l *LockedLedger) acquire(ctx context.Context, key string) (core.LockHandle, error) {
	deadline := time.Now().Add(l.maxWait)
	for {
		handle, err := l.locker.Acquire(ctx, key, l.ttl)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, core.ErrLockHeld) || time.Now().After(deadline) {
			return nil, err
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

var _ core.TransactionLedger = (*LockedLedger)(nil)
