package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

const recentIndexCap = 10_000

// MemoryStore implements Store with a single mutex. Suitable for a single
// process; the concurrency contract is the same as the Redis backend's.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	recent  map[string][]RecentEntry // tenant -> newest-first
	clock   func() time.Time
}

type memEntry struct {
	state        contracts.IdemState
	owner        string
	fingerprint  string
	lockExpires  time.Time
	valueExpires time.Time
	value        *contracts.StoredResponse
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		recent:  make(map[string][]RecentEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func memKey(tenant, key string) string { return tenant + "\x00" + key }

func (s *MemoryStore) AcquireLeader(_ context.Context, tenant, key string, ttl time.Duration, fingerprint string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	k := memKey(tenant, key)
	e, ok := s.entries[k]
	if ok && e.owner != "" && e.lockExpires.After(now) {
		return false, "", nil
	}
	if !ok {
		e = &memEntry{}
		s.entries[k] = e
	}
	e.state = contracts.IdemInProgress
	e.owner = newOwnerToken()
	e.fingerprint = fingerprint
	e.lockExpires = now.Add(ttl)
	s.touchRecent(tenant, key, now)
	return true, e.owner, nil
}

func (s *MemoryStore) Get(_ context.Context, tenant, key string) (*contracts.StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[memKey(tenant, key)]
	if !ok || e.value == nil || e.state != contracts.IdemStored || !e.valueExpires.After(s.clock()) {
		return nil, ErrNotFound
	}
	val := *e.value
	return &val, nil
}

func (s *MemoryStore) Put(_ context.Context, tenant, key string, resp *contracts.StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	k := memKey(tenant, key)
	e, ok := s.entries[k]
	if !ok {
		e = &memEntry{}
		s.entries[k] = e
	}
	val := *resp
	e.value = &val
	e.state = contracts.IdemStored
	e.owner = ""
	e.lockExpires = time.Time{}
	e.valueExpires = now.Add(ttl)
	s.touchRecent(tenant, key, now)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, tenant, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[memKey(tenant, key)]
	if !ok || owner == "" || e.owner != owner {
		return nil
	}
	e.owner = ""
	e.lockExpires = time.Time{}
	if e.value == nil {
		e.state = contracts.IdemReleased
	}
	return nil
}

func (s *MemoryStore) Meta(_ context.Context, tenant, key string) (*contracts.IdemMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[memKey(tenant, key)]
	if !ok {
		return &contracts.IdemMeta{State: contracts.IdemIdle}, nil
	}
	now := s.clock()
	state := e.state
	locked := e.owner != "" && e.lockExpires.After(now)
	if state == contracts.IdemStored && !e.valueExpires.After(now) {
		state = contracts.IdemIdle
	}
	return &contracts.IdemMeta{State: state, Locked: locked, PayloadFingerprint: e.fingerprint}, nil
}

func (s *MemoryStore) BumpReplay(_ context.Context, tenant, key string, touchTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.entries[memKey(tenant, key)]
	if !ok || e.value == nil || e.state != contracts.IdemStored || !e.valueExpires.After(now) {
		return 0, ErrNotFound
	}
	e.value.ReplayCount++
	if touchTTL > 0 {
		e.valueExpires = now.Add(touchTTL)
	}
	return e.value.ReplayCount, nil
}

func (s *MemoryStore) Purge(_ context.Context, tenant, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(tenant, key)
	_, ok := s.entries[k]
	delete(s.entries, k)
	return ok, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, tenant string, limit int) ([]RecentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.recent[tenant]
	if limit <= 0 || limit > len(idx) {
		limit = len(idx)
	}
	out := make([]RecentEntry, limit)
	copy(out, idx[:limit])
	return out, nil
}

// touchRecent moves key to the front of the tenant's recent index,
// bounded to recentIndexCap. Caller holds the mutex.
func (s *MemoryStore) touchRecent(tenant, key string, now time.Time) {
	idx := s.recent[tenant]
	for i, r := range idx {
		if r.Key == key {
			idx = append(idx[:i], idx[i+1:]...)
			break
		}
	}
	idx = append([]RecentEntry{{Key: key, Ts: contracts.EpochSeconds(now)}}, idx...)
	if len(idx) > recentIndexCap {
		idx = idx[:recentIndexCap]
	}
	s.recent[tenant] = idx
}
