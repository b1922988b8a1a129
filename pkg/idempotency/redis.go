package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// Key layout:
//   idem:{tenant}:{key}:lock   JSON {owner, payload_fingerprint}, PX = lock TTL
//   idem:{tenant}:{key}:value  JSON StoredResponse, EX = value TTL
//   idem:{tenant}:{key}:fp     payload fingerprint of the stored value
//   idem:{tenant}:recent       zset of keys scored by epoch seconds

// acquireScript takes the lock only when absent and indexes the key.
// KEYS[1] = lock key, KEYS[2] = recent zset
// ARGV[1] = lock JSON, ARGV[2] = lock TTL ms, ARGV[3] = now (epoch seconds),
// ARGV[4] = recent index cap, ARGV[5] = member key
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[5])
local excess = redis.call("ZCARD", KEYS[2]) - tonumber(ARGV[4])
if excess > 0 then
    redis.call("ZPOPMIN", KEYS[2], excess)
end
return 1
`)

// putScript stores the response, carries the lock's fingerprint over to the
// stored entry, and clears the lock, all atomically.
// KEYS[1] = value key, KEYS[2] = lock key, KEYS[3] = recent zset, KEYS[4] = fp key
// ARGV[1] = response JSON, ARGV[2] = value TTL s, ARGV[3] = now,
// ARGV[4] = recent index cap, ARGV[5] = member key
var putScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
local rawlock = redis.call("GET", KEYS[2])
if rawlock then
    local lock = cjson.decode(rawlock)
    if lock.payload_fingerprint and lock.payload_fingerprint ~= "" then
        redis.call("SET", KEYS[4], lock.payload_fingerprint, "EX", ARGV[2])
    end
    redis.call("DEL", KEYS[2])
end
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[5])
local excess = redis.call("ZCARD", KEYS[3]) - tonumber(ARGV[4])
if excess > 0 then
    redis.call("ZPOPMIN", KEYS[3], excess)
end
return 1
`)

// releaseScript drops the lock only when the caller still owns it.
// KEYS[1] = lock key, ARGV[1] = owner token
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return 0
end
local lock = cjson.decode(raw)
if lock.owner == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// bumpScript increments replay_count inside the stored JSON and optionally
// refreshes the value TTLs.
// KEYS[1] = value key, KEYS[2] = fp key
// ARGV[1] = touch TTL s (0 keeps the remaining TTL)
var bumpScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return -1
end
local resp = cjson.decode(raw)
resp.replay_count = (resp.replay_count or 0) + 1
local touch = tonumber(ARGV[1])
if touch > 0 then
    redis.call("SET", KEYS[1], cjson.encode(resp), "EX", touch)
    if redis.call("EXISTS", KEYS[2]) == 1 then
        redis.call("EXPIRE", KEYS[2], touch)
    end
else
    redis.call("SET", KEYS[1], cjson.encode(resp), "KEEPTTL")
end
return resp.replay_count
`)

type redisLock struct {
	Owner              string `json:"owner"`
	PayloadFingerprint string `json:"payload_fingerprint"`
}

// RedisStore implements Store on a shared Redis so single-flight holds
// across replicas. Every compound mutation runs as one Lua script.
type RedisStore struct {
	client redis.UniversalClient
	clock  func() time.Time
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func lockKey(tenant, key string) string  { return "idem:" + tenant + ":" + key + ":lock" }
func valueKey(tenant, key string) string { return "idem:" + tenant + ":" + key + ":value" }
func fpKey(tenant, key string) string    { return "idem:" + tenant + ":" + key + ":fp" }
func recentKey(tenant string) string     { return "idem:" + tenant + ":recent" }

func (s *RedisStore) AcquireLeader(ctx context.Context, tenant, key string, ttl time.Duration, fingerprint string) (bool, string, error) {
	owner := newOwnerToken()
	lock, err := json.Marshal(redisLock{Owner: owner, PayloadFingerprint: fingerprint})
	if err != nil {
		return false, "", fmt.Errorf("encode lock: %w", err)
	}
	now := contracts.EpochSeconds(s.clock())
	res, err := acquireScript.Run(ctx, s.client,
		[]string{lockKey(tenant, key), recentKey(tenant)},
		string(lock), ttl.Milliseconds(), now, recentIndexCap, key).Int()
	if err != nil {
		return false, "", fmt.Errorf("acquire leader: %w", err)
	}
	if res != 1 {
		return false, "", nil
	}
	return true, owner, nil
}

func (s *RedisStore) Get(ctx context.Context, tenant, key string) (*contracts.StoredResponse, error) {
	raw, err := s.client.Get(ctx, valueKey(tenant, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stored response: %w", err)
	}
	var resp contracts.StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Put(ctx context.Context, tenant, key string, resp *contracts.StoredResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode stored response: %w", err)
	}
	now := contracts.EpochSeconds(s.clock())
	ttlSec := int64(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	if err := putScript.Run(ctx, s.client,
		[]string{valueKey(tenant, key), lockKey(tenant, key), recentKey(tenant), fpKey(tenant, key)},
		string(raw), ttlSec, now, recentIndexCap, key).Err(); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, tenant, key, owner string) error {
	if owner == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(tenant, key)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *RedisStore) Meta(ctx context.Context, tenant, key string) (*contracts.IdemMeta, error) {
	pipe := s.client.Pipeline()
	lockCmd := pipe.Get(ctx, lockKey(tenant, key))
	valCmd := pipe.Exists(ctx, valueKey(tenant, key))
	fpCmd := pipe.Get(ctx, fpKey(tenant, key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}

	meta := &contracts.IdemMeta{State: contracts.IdemIdle}
	if n, err := valCmd.Result(); err == nil && n > 0 {
		meta.State = contracts.IdemStored
		if fp, err := fpCmd.Result(); err == nil {
			meta.PayloadFingerprint = fp
		}
	}
	// A live lock wins: a fresh run over a stored value is in_progress.
	if raw, err := lockCmd.Bytes(); err == nil {
		var lock redisLock
		if jerr := json.Unmarshal(raw, &lock); jerr == nil {
			meta.Locked = true
			meta.State = contracts.IdemInProgress
			meta.PayloadFingerprint = lock.PayloadFingerprint
		}
	}
	return meta, nil
}

func (s *RedisStore) BumpReplay(ctx context.Context, tenant, key string, touchTTL time.Duration) (int64, error) {
	touchSec := int64(touchTTL / time.Second)
	if touchSec < 0 {
		touchSec = 0
	}
	count, err := bumpScript.Run(ctx, s.client, []string{valueKey(tenant, key), fpKey(tenant, key)}, touchSec).Int64()
	if err != nil {
		return 0, fmt.Errorf("bump replay: %w", err)
	}
	if count < 0 {
		return 0, ErrNotFound
	}
	return count, nil
}

func (s *RedisStore) Purge(ctx context.Context, tenant, key string) (bool, error) {
	n, err := s.client.Del(ctx, lockKey(tenant, key), valueKey(tenant, key), fpKey(tenant, key)).Result()
	if err != nil {
		return false, fmt.Errorf("purge key: %w", err)
	}
	if err := s.client.ZRem(ctx, recentKey(tenant), key).Err(); err != nil {
		return n > 0, fmt.Errorf("purge recent index: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) ListRecent(ctx context.Context, tenant string, limit int) ([]RecentEntry, error) {
	if limit <= 0 {
		limit = recentIndexCap
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, recentKey(tenant), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	out := make([]RecentEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, RecentEntry{Key: member, Ts: z.Score})
	}
	return out, nil
}
