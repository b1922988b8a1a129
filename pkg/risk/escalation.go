package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
)

// Identity derives the deterministic escalation fingerprint for a request:
// sha256(tenant|bot|session) when a session header is present, otherwise
// sha256(apiKey|userAgent).
func Identity(r *http.Request, tenant, bot string) string {
	session := r.Header.Get("X-Guardrail-Session")
	var seed string
	if session != "" {
		seed = tenant + "|" + bot + "|" + session
	} else {
		apiKey := r.Header.Get("X-API-Key")
		seed = apiKey + "|" + r.Header.Get("User-Agent")
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

type escEntry struct {
	windowStart     time.Time
	denyCount       int
	quarantineUntil time.Time
}

// Verdict is the escalation outcome for one request.
type Verdict struct {
	Mode       contracts.Mode
	RetryAfter time.Duration // set only for full_quarantine
}

// Escalator turns repeated denials within a sliding window into a
// full-quarantine cooldown per fingerprint.
type Escalator struct {
	mu      sync.Mutex
	entries map[string]*escEntry
	cfg     config.EscalationConfig
	clock   func() time.Time
}

// NewEscalator creates an Escalator from configuration.
func NewEscalator(cfg config.EscalationConfig) *Escalator {
	return &Escalator{entries: make(map[string]*escEntry), cfg: cfg, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Escalator) WithClock(clock func() time.Time) *Escalator {
	e.clock = clock
	return e
}

// Check reads the current mode for a fingerprint without mutating state.
func (e *Escalator) Check(fingerprint string) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[fingerprint]
	if !ok {
		return Verdict{Mode: contracts.ModeNormal}
	}
	now := e.clock()
	if entry.quarantineUntil.After(now) {
		return Verdict{
			Mode:       contracts.ModeFullQuarantine,
			RetryAfter: entry.quarantineUntil.Sub(now),
		}
	}
	return Verdict{Mode: contracts.ModeNormal}
}

// OnDeny accounts one denial. Reaching the threshold inside the window
// starts the quarantine cooldown. Disabled escalation never creates state.
func (e *Escalator) OnDeny(fingerprint string) Verdict {
	if !e.cfg.Enabled {
		return Verdict{Mode: contracts.ModeNormal}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	entry, ok := e.entries[fingerprint]
	if !ok {
		entry = &escEntry{windowStart: now}
		e.entries[fingerprint] = entry
	}
	if entry.quarantineUntil.After(now) {
		return Verdict{
			Mode:       contracts.ModeFullQuarantine,
			RetryAfter: entry.quarantineUntil.Sub(now),
		}
	}
	if now.Sub(entry.windowStart) > e.cfg.Window {
		entry.windowStart = now
		entry.denyCount = 0
	}
	entry.denyCount++
	if entry.denyCount >= e.cfg.DenyThreshold {
		entry.quarantineUntil = now.Add(e.cfg.Cooldown)
		return Verdict{Mode: contracts.ModeFullQuarantine, RetryAfter: e.cfg.Cooldown}
	}
	return Verdict{Mode: contracts.ModeNormal}
}

// OnAllow purges stale accounting. An entry inside its window, or still
// quarantined, is left untouched; allow traffic never creates entries.
func (e *Escalator) OnAllow(fingerprint string) {
	if !e.cfg.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[fingerprint]
	if !ok {
		return
	}
	now := e.clock()
	if entry.quarantineUntil.After(now) {
		return
	}
	if now.Sub(entry.windowStart) > e.cfg.Window {
		delete(e.entries, fingerprint)
	}
}

// Len reports tracked fingerprints, for tests and diagnostics.
func (e *Escalator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
