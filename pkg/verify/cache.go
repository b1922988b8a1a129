package verify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// cacheKey builds the verifier result cache key.
func cacheKey(m Meta) string {
	return "veri:v1:" + m.Tenant + ":" + m.Bot + ":" + m.PolicyVersion + ":" + m.Fingerprint
}

// ResultCache stores decisive verifier outcomes. Ambiguous outcomes are
// never cached.
type ResultCache interface {
	Get(ctx context.Context, key string) (contracts.VerifierOutcome, bool)
	Set(ctx context.Context, key string, outcome contracts.VerifierOutcome, ttl time.Duration)
}

type memCacheEntry struct {
	outcome contracts.VerifierOutcome
	expires time.Time
}

// MemoryCache is a mutex-guarded in-process result cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memCacheEntry
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memCacheEntry), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (contracts.VerifierOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.expires.After(c.clock()) {
		delete(c.entries, key)
		return contracts.VerifierOutcome{}, false
	}
	return e.outcome, true
}

func (c *MemoryCache) Set(_ context.Context, key string, outcome contracts.VerifierOutcome, ttl time.Duration) {
	if outcome.Status == contracts.VerdictAmbiguous {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memCacheEntry{outcome: outcome, expires: c.clock().Add(ttl)}
}

// RedisCache shares verifier results across replicas. Read and write
// failures degrade to cache misses.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (contracts.VerifierOutcome, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return contracts.VerifierOutcome{}, false
	}
	var outcome contracts.VerifierOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return contracts.VerifierOutcome{}, false
	}
	return outcome, true
}

func (c *RedisCache) Set(ctx context.Context, key string, outcome contracts.VerifierOutcome, ttl time.Duration) {
	if outcome.Status == contracts.VerdictAmbiguous {
		return
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, ttl).Err()
}

// TieredCache checks memory first, then the shared layer, refilling memory
// on a shared hit.
type TieredCache struct {
	local  *MemoryCache
	shared ResultCache
	ttl    time.Duration
}

func NewTieredCache(local *MemoryCache, shared ResultCache, ttl time.Duration) *TieredCache {
	return &TieredCache{local: local, shared: shared, ttl: ttl}
}

func (c *TieredCache) Get(ctx context.Context, key string) (contracts.VerifierOutcome, bool) {
	if outcome, ok := c.local.Get(ctx, key); ok {
		return outcome, true
	}
	outcome, ok := c.shared.Get(ctx, key)
	if ok {
		c.local.Set(ctx, key, outcome, c.ttl)
	}
	return outcome, ok
}

func (c *TieredCache) Set(ctx context.Context, key string, outcome contracts.VerifierOutcome, ttl time.Duration) {
	c.local.Set(ctx, key, outcome, ttl)
	c.shared.Set(ctx, key, outcome, ttl)
}
