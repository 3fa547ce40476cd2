package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-payhooks/core"
)

const deliveryCacheKeyPrefix = "go-payhooks::delivery::v1"

// errDeliveryMiss keeps misses out of the cache: a miss can turn into a hit
// as soon as the event is applied.
var errDeliveryMiss = errors.New("sqlstore: delivery not recorded")

// CachedDeliveryLookup fronts a DeliveryLookup with a read-through cache.
// Delivery rows are never updated or deleted, so positive answers stay valid
// for the life of the entry.
type CachedDeliveryLookup struct {
	base  core.DeliveryLookup
	cache repositorycache.CacheService
}

func NewCachedDeliveryLookup(base core.DeliveryLookup, cacheService repositorycache.CacheService) (*CachedDeliveryLookup, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base delivery lookup is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: delivery cache service is required")
	}
	return &CachedDeliveryLookup{base: base, cache: cacheService}, nil
}

// DeliveryCacheKey is go-payhooks::delivery::v1::<order>::<gateway_id>::<status>
// with the gateway id URL-path escaped.
func DeliveryCacheKey(key core.DeliveryKey) (string, error) {
	gatewayID := strings.TrimSpace(key.GatewayTransactionID)
	if key.OrderCode <= 0 || gatewayID == "" || !key.AppliedStatus.Valid() {
		return "", fmt.Errorf("sqlstore: invalid delivery key %q", key.String())
	}
	return strings.Join([]string{
		deliveryCacheKeyPrefix,
		strconv.FormatInt(key.OrderCode, 10),
		url.PathEscape(gatewayID),
		string(key.AppliedStatus),
	}, "::"), nil
}

func (l *CachedDeliveryLookup) Lookup(ctx context.Context, key core.DeliveryKey) (core.WebhookDelivery, bool, error) {
	if l == nil || l.base == nil || l.cache == nil {
		return core.WebhookDelivery{}, false, fmt.Errorf("sqlstore: cached delivery lookup is not configured")
	}
	cacheKey, err := DeliveryCacheKey(key)
	if err != nil {
		return core.WebhookDelivery{}, false, err
	}
	delivery, err := repositorycache.GetOrFetch(ctx, l.cache, cacheKey, func(ctx context.Context) (core.WebhookDelivery, error) {
		found, ok, fetchErr := l.base.Lookup(ctx, key)
		if fetchErr != nil {
			return core.WebhookDelivery{}, fetchErr
		}
		if !ok {
			return core.WebhookDelivery{}, errDeliveryMiss
		}
		return found, nil
	})
	if errors.Is(err, errDeliveryMiss) {
		return core.WebhookDelivery{}, false, nil
	}
	if err != nil {
		return core.WebhookDelivery{}, false, err
	}
	return delivery, true, nil
}

// Forget drops a cached entry. Only needed when delivery rows are pruned.
func (l *CachedDeliveryLookup) Forget(ctx context.Context, key core.DeliveryKey) error {
	if l == nil || l.cache == nil {
		return fmt.Errorf("sqlstore: cached delivery lookup is not configured")
	}
	cacheKey, err := DeliveryCacheKey(key)
	if err != nil {
		return err
	}
	return l.cache.Delete(ctx, cacheKey)
}
