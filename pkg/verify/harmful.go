package verify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HarmfulMemory remembers content fingerprints that previously verified
// unsafe. It is consulted only when every provider is exhausted.
type HarmfulMemory interface {
	MarkHarmful(ctx context.Context, fingerprint string)
	IsHarmful(ctx context.Context, fingerprint string) bool
}

// MemoryHarmful is a bounded in-process fingerprint set.
type MemoryHarmful struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	cap   int
}

func NewMemoryHarmful(capacity int) *MemoryHarmful {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemoryHarmful{set: make(map[string]struct{}), cap: capacity}
}

func (m *MemoryHarmful) MarkHarmful(_ context.Context, fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.set[fp]; ok {
		return
	}
	m.set[fp] = struct{}{}
	m.order = append(m.order, fp)
	if len(m.order) > m.cap {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.set, oldest)
	}
}

func (m *MemoryHarmful) IsHarmful(_ context.Context, fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.set[fp]
	return ok
}

const harmfulSetKey = "veri:harmful"

// RedisHarmful shares the harmful set across replicas. Errors degrade to
// "not harmful".
type RedisHarmful struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisHarmful(client redis.UniversalClient, ttl time.Duration) *RedisHarmful {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisHarmful{client: client, ttl: ttl}
}

func (r *RedisHarmful) MarkHarmful(ctx context.Context, fp string) {
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, harmfulSetKey, fp)
	pipe.Expire(ctx, harmfulSetKey, r.ttl)
	_, _ = pipe.Exec(ctx)
}

func (r *RedisHarmful) IsHarmful(ctx context.Context, fp string) bool {
	ok, err := r.client.SIsMember(ctx, harmfulSetKey, fp).Result()
	return err == nil && ok
}
