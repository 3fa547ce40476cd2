// Package redislock implements core.KeyLocker on Redis so webhook
// transitions for one order stay serialized across processes.
package redislock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-payhooks/core"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redislock: redis client is required")
	}
	return &Locker{client: client, prefix: strings.TrimSpace(prefix)}, nil
}

// NewClient builds the single-node client used by the service binary.
func NewClient(cfg core.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redislock: locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("redislock: lock key is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redislock: acquire %q: %w", fullKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrLockHeld, fullKey)
	}
	return &handle{client: l.client, key: fullKey, token: token}, nil
}

type handle struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
	err    error
}

func (h *handle) Unlock(ctx context.Context) error {
	if h == nil || h.client == nil {
		return nil
	}
	h.once.Do(func() {
		if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
			h.err = fmt.Errorf("redislock: release %q: %w", h.key, err)
		}
	})
	return h.err
}

var _ core.KeyLocker = (*Locker)(nil)
