// Package idempotency implements the single-flight idempotency engine:
// leader election per key, response caching, replay accounting, and safe
// fallback when the backing store is unavailable.
//
// Store is the seam between the engine and its backends. The memory
// backend guards everything with one mutex; the Redis backend performs
// every compound mutation in a single-key Lua script so the same contract
// holds across processes.
package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("idempotency: key not found")

// RecentEntry is one element of the per-tenant most-recent-first index.
type RecentEntry struct {
	Key string  `json:"key"`
	Ts  float64 `json:"ts"`
}

// Store is the idempotency backend contract.
//
// Invariants: at most one owner per key while its lock is live; Put is
// atomic with lock release; Release is owner-scoped.
type Store interface {
	// AcquireLeader atomically takes the key's lock. Exactly one caller
	// receives acquired=true per key while the lock is live. The returned
	// owner token proves ownership to Release.
	AcquireLeader(ctx context.Context, tenant, key string, ttl time.Duration, fingerprint string) (acquired bool, owner string, err error)

	// Get returns the stored response, or ErrNotFound.
	Get(ctx context.Context, tenant, key string) (*contracts.StoredResponse, error)

	// Put transitions the key to stored: caches resp, clears the lock, and
	// sets the value TTL, all atomically. A fresh Put starts a new value
	// lifetime with ReplayCount 0.
	Put(ctx context.Context, tenant, key string, resp *contracts.StoredResponse, ttl time.Duration) error

	// Release drops the lock if owner matches; mismatch is a no-op.
	Release(ctx context.Context, tenant, key, owner string) error

	// Meta returns the diagnostic view of the key.
	Meta(ctx context.Context, tenant, key string) (*contracts.IdemMeta, error)

	// BumpReplay atomically increments the stored value's replay counter
	// and returns the new count. touchTTL > 0 additionally refreshes the
	// value TTL; zero preserves the remaining TTL.
	BumpReplay(ctx context.Context, tenant, key string, touchTTL time.Duration) (int64, error)

	// Purge removes the key unconditionally (admin path only).
	Purge(ctx context.Context, tenant, key string) (existed bool, err error)

	// ListRecent returns the tenant's most recent keys, newest first.
	ListRecent(ctx context.Context, tenant string, limit int) ([]RecentEntry, error)
}

// newOwnerToken returns a 128-bit urlsafe owner token.
func newOwnerToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// The system RNG failing is unrecoverable for lock ownership.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// MaskKey renders an idempotency key safe for logs: first 8 and last 8
// characters with the middle elided. Short keys are fully elided.
func MaskKey(key string) string {
	if len(key) <= 16 {
		return "…"
	}
	return key[:8] + "…" + key[len(key)-8:]
}
