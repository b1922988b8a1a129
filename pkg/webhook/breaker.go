package webhook

import (
	"sync"
	"time"
)

const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half_open"
)

// hostBreaker is the circuit state for one destination host.
type hostBreaker struct {
	state    string
	failures []time.Time // recent failures inside the rolling window
	openedAt time.Time
	probing  bool
}

// BreakerRegistry keeps one circuit breaker per destination host.
type BreakerRegistry struct {
	mu        sync.Mutex
	hosts     map[string]*hostBreaker
	threshold int
	window    time.Duration
	cooldown  time.Duration
	clock     func() time.Time
}

// NewBreakerRegistry opens a host's breaker once threshold failures land
// within the rolling window.
func NewBreakerRegistry(threshold, windowSecs int, cooldown time.Duration) *BreakerRegistry {
	if threshold <= 0 {
		threshold = 5
	}
	if windowSecs <= 0 {
		windowSecs = 60
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerRegistry{
		hosts:     make(map[string]*hostBreaker),
		threshold: threshold,
		window:    time.Duration(windowSecs) * time.Second,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *BreakerRegistry) WithClock(clock func() time.Time) *BreakerRegistry {
	r.clock = clock
	return r
}

func (r *BreakerRegistry) get(host string) *hostBreaker {
	b, ok := r.hosts[host]
	if !ok {
		b = &hostBreaker{state: stateClosed}
		r.hosts[host] = b
	}
	return b
}

// Allow reports whether a delivery attempt to host may proceed. In
// half-open, at most one concurrent probe is admitted.
func (r *BreakerRegistry) Allow(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	b := r.get(host)
	switch b.state {
	case stateOpen:
		if now.Sub(b.openedAt) >= r.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Success closes the breaker for host.
func (r *BreakerRegistry) Success(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(host)
	b.state = stateClosed
	b.failures = nil
	b.probing = false
}

// Failure records one failed delivery; window saturation or a failed
// half-open probe opens the circuit.
func (r *BreakerRegistry) Failure(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()

	b := r.get(host)
	b.probing = false
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = now
		return
	}

	cutoff := now.Add(-r.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) >= r.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.failures = nil
	}
}

// State reports the host's current circuit state.
func (r *BreakerRegistry) State(host string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(host).state
}
