package verify

import (
	"sync"
	"time"
)

const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// quota-skip bounds for rate-limited providers.
const (
	skipMin = time.Second
	skipMax = 600 * time.Second
)

// providerState tracks one provider's breaker and quota-skip.
type providerState struct {
	state       string
	failures    int
	lastFailure time.Time
	probing     bool
	skipUntil   time.Time
}

// BreakerSet holds per-provider circuit breakers plus rate-limit skips.
type BreakerSet struct {
	mu       sync.Mutex
	states   map[string]*providerState
	fails    int
	cooldown time.Duration
	clock    func() time.Time
}

// NewBreakerSet opens a provider's breaker after fails consecutive
// failures; it half-opens after cooldown and lets one probe through.
func NewBreakerSet(fails int, cooldown time.Duration) *BreakerSet {
	if fails <= 0 {
		fails = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerSet{
		states:   make(map[string]*providerState),
		fails:    fails,
		cooldown: cooldown,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *BreakerSet) WithClock(clock func() time.Time) *BreakerSet {
	b.clock = clock
	return b
}

func (b *BreakerSet) get(name string) *providerState {
	s, ok := b.states[name]
	if !ok {
		s = &providerState{state: breakerClosed}
		b.states[name] = s
	}
	return s
}

// Allow reports whether the provider may be called right now.
func (b *BreakerSet) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()

	s := b.get(name)
	if s.skipUntil.After(now) {
		return false
	}
	switch s.state {
	case breakerOpen:
		if now.Sub(s.lastFailure) > b.cooldown {
			s.state = breakerHalfOpen
			s.probing = true
			return true
		}
		return false
	case breakerHalfOpen:
		// One probe at a time.
		if s.probing {
			return false
		}
		s.probing = true
		return true
	default:
		return true
	}
}

// Success closes the breaker and clears the failure count.
func (b *BreakerSet) Success(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(name)
	s.state = breakerClosed
	s.failures = 0
	s.probing = false
}

// Failure records a failed call; a failed half-open probe re-opens.
func (b *BreakerSet) Failure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(name)
	s.failures++
	s.lastFailure = b.clock()
	s.probing = false
	if s.state == breakerHalfOpen || s.failures >= b.fails {
		s.state = breakerOpen
	}
}

// RateLimited sets the provider's quota-skip window. A zero hint uses
// skipMin; the server hint is clamped to [skipMin, skipMax].
func (b *BreakerSet) RateLimited(name string, retryAfter time.Duration) {
	if retryAfter < skipMin {
		retryAfter = skipMin
	}
	if retryAfter > skipMax {
		retryAfter = skipMax
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(name)
	s.skipUntil = b.clock().Add(retryAfter)
	s.probing = false
}

// State returns the breaker state and skip deadline for diagnostics.
func (b *BreakerSet) State(name string) (state string, skipUntil time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(name)
	return s.state, s.skipUntil
}
