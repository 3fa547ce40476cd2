package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-payhooks/core"
)

type stubDeliveryLookup struct {
	mu       sync.Mutex
	delivery core.WebhookDelivery
	found    bool
	err      error
	calls    int
}

func (s *stubDeliveryLookup) Lookup(_ context.Context, _ core.DeliveryKey) (core.WebhookDelivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.delivery, s.found, s.err
}

func (s *stubDeliveryLookup) set(found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = found
}

var testKey = core.DeliveryKey{OrderCode: 1001, GatewayTransactionID: "gw/1", AppliedStatus: core.TransactionStatusSuccess}

func TestCachedDeliveryLookup_CachesHits(t *testing.T) {
	base := &stubDeliveryLookup{found: true, delivery: core.WebhookDelivery{ID: "d-1", OrderCode: 1001}}
	lookup, err := NewCachedDeliveryLookup(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached lookup: %v", err)
	}

	for i := 0; i < 3; i++ {
		delivery, ok, err := lookup.Lookup(context.Background(), testKey)
		if err != nil || !ok || delivery.ID != "d-1" {
			t.Fatalf("lookup %d: delivery=%#v ok=%v err=%v", i, delivery, ok, err)
		}
	}
	if base.calls != 1 {
		t.Fatalf("expected one base lookup, got %d", base.calls)
	}
}

func TestCachedDeliveryLookup_DoesNotCacheMisses(t *testing.T) {
	base := &stubDeliveryLookup{}
	lookup, err := NewCachedDeliveryLookup(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached lookup: %v", err)
	}

	if _, ok, err := lookup.Lookup(context.Background(), testKey); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	base.set(true)
	if _, ok, err := lookup.Lookup(context.Background(), testKey); err != nil || !ok {
		t.Fatalf("expected a later hit to reach the base store, ok=%v err=%v", ok, err)
	}
	if base.calls != 2 {
		t.Fatalf("expected both lookups to reach the base store, got %d", base.calls)
	}
}

func TestCachedDeliveryLookup_PropagatesErrorsAndForgets(t *testing.T) {
	errDown := errors.New("db down")
	base := &stubDeliveryLookup{err: errDown}
	lookup, err := NewCachedDeliveryLookup(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached lookup: %v", err)
	}
	if _, _, err := lookup.Lookup(context.Background(), testKey); !errors.Is(err, errDown) {
		t.Fatalf("expected base error, got %v", err)
	}

	base.mu.Lock()
	base.err = nil
	base.found = true
	base.mu.Unlock()
	if _, ok, _ := lookup.Lookup(context.Background(), testKey); !ok {
		t.Fatalf("expected hit after recovery")
	}
	if err := lookup.Forget(context.Background(), testKey); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, _ := lookup.Lookup(context.Background(), testKey); !ok {
		t.Fatalf("expected hit after forget")
	}
	if base.calls != 3 {
		t.Fatalf("expected forget to force a refetch, base calls=%d", base.calls)
	}
}

func TestDeliveryCacheKey(t *testing.T) {
	key, err := DeliveryCacheKey(testKey)
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "go-payhooks::delivery::v1::1001::gw%2F1::success" {
		t.Fatalf("unexpected cache key %q", key)
	}
	if _, err := DeliveryCacheKey(core.DeliveryKey{OrderCode: 1}); err == nil {
		t.Fatalf("expected error for incomplete key")
	}
}

func TestNewCachedDeliveryLookup_RequiresCollaborators(t *testing.T) {
	if _, err := NewCachedDeliveryLookup(nil, newTestCacheService(t)); err == nil {
		t.Fatalf("expected error without base lookup")
	}
	if _, err := NewCachedDeliveryLookup(&stubDeliveryLookup{}, nil); err == nil {
		t.Fatalf("expected error without cache service")
	}
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
