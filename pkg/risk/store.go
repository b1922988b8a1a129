// Package risk tracks per-session risk scores with exponential decay and
// escalates repeat offenders into quarantine.
package risk

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	maxEntries = 50_000
	gcFraction = 0.05
)

type riskEntry struct {
	score   float64
	last    time.Time
	expires time.Time
}

// Store is an in-process session risk score store. Scores decay with a
// half-life; entries expire and are garbage collected under a size cap.
type Store struct {
	mu      sync.Mutex
	entries map[string]*riskEntry
	ttl     time.Duration
	clock   func() time.Time
}

// NewStore creates a Store with the default entry TTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{entries: make(map[string]*riskEntry), ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func riskKey(tenant, bot, session string) string {
	return tenant + "|" + bot + "|" + session
}

// Bump adds delta to the session's score, clamped at zero, creating the
// entry if needed, and returns the new score.
func (s *Store) Bump(tenant, bot, session string, delta float64, ttl time.Duration) float64 {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	key := riskKey(tenant, bot, session)
	e, ok := s.entries[key]
	if !ok || !e.expires.After(now) {
		e = &riskEntry{}
		s.entries[key] = e
		s.gcLocked(now)
	}
	score := e.score + delta
	if score < 0 {
		score = 0
	}
	e.score = score
	e.last = now
	e.expires = now.Add(ttl)
	return score
}

// DecayAndGet applies half-life decay since the last update and returns
// the current score. An absent or expired entry reads as 0 and is never
// created by a read.
func (s *Store) DecayAndGet(tenant, bot, session string, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = 10 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	key := riskKey(tenant, bot, session)
	e, ok := s.entries[key]
	if !ok || !e.expires.After(now) {
		delete(s.entries, key)
		return 0
	}
	dt := now.Sub(e.last)
	if dt > 0 {
		e.score *= math.Pow(0.5, dt.Seconds()/halfLife.Seconds())
		e.last = now
	}
	return e.score
}

// Len reports the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// gcLocked drops expired entries first, then the oldest 5% by last touch,
// once the cap is exceeded. Caller holds the mutex.
func (s *Store) gcLocked(now time.Time) {
	if len(s.entries) <= maxEntries {
		return
	}
	for key, e := range s.entries {
		if !e.expires.After(now) {
			delete(s.entries, key)
		}
	}
	if len(s.entries) <= maxEntries {
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for key, e := range s.entries {
		all = append(all, aged{key, e.last})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	drop := int(float64(len(all)) * gcFraction)
	if drop < 1 {
		drop = 1
	}
	for _, a := range all[:drop] {
		delete(s.entries, a.key)
	}
}
