package risk

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
)

func TestBumpClampsAtZero(t *testing.T) {
	s := NewStore(time.Hour)
	assert.Equal(t, 3.0, s.Bump("t", "b", "s", 3, 0))
	assert.Equal(t, 0.0, s.Bump("t", "b", "s", -10, 0))
	assert.Equal(t, 2.0, s.Bump("t", "b", "s", 2, 0))
}

func TestDecayHalfLife(t *testing.T) {
	clock := time.Now()
	s := NewStore(time.Hour).WithClock(func() time.Time { return clock })

	s.Bump("t", "b", "s", 8, 0)
	clock = clock.Add(10 * time.Minute)
	got := s.DecayAndGet("t", "b", "s", 10*time.Minute)
	assert.InDelta(t, 4.0, got, 0.001, "one half-life halves the score")

	clock = clock.Add(20 * time.Minute)
	got = s.DecayAndGet("t", "b", "s", 10*time.Minute)
	assert.InDelta(t, 1.0, got, 0.001, "two more half-lives")
}

func TestDecayNeverCreatesEntries(t *testing.T) {
	s := NewStore(time.Hour)
	assert.Zero(t, s.DecayAndGet("t", "b", "absent", time.Minute))
	assert.Zero(t, s.Len())
}

func TestExpiredEntryReadsZero(t *testing.T) {
	clock := time.Now()
	s := NewStore(time.Hour).WithClock(func() time.Time { return clock })
	s.Bump("t", "b", "s", 5, time.Minute)
	clock = clock.Add(2 * time.Minute)
	assert.Zero(t, s.DecayAndGet("t", "b", "s", time.Minute))
	assert.Zero(t, s.Len())
}

func TestEscalationIdentityDeterministic(t *testing.T) {
	r := httptest.NewRequest("POST", "/evaluate", nil)
	r.Header.Set("X-Guardrail-Session", "sess-1")
	a := Identity(r, "t1", "b1")
	b := Identity(r, "t1", "b1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Session presence changes the identity basis.
	r2 := httptest.NewRequest("POST", "/evaluate", nil)
	r2.Header.Set("X-API-Key", "key-1")
	r2.Header.Set("User-Agent", "agent/1.0")
	c := Identity(r2, "t1", "b1")
	assert.NotEqual(t, a, c)
	assert.Equal(t, c, Identity(r2, "other", "other"), "fallback identity ignores tenant/bot")
}

func escConfig() config.EscalationConfig {
	return config.EscalationConfig{
		Enabled:       true,
		DenyThreshold: 3,
		Window:        time.Minute,
		Cooldown:      5 * time.Minute,
	}
}

func TestEscalationThresholdTriggersQuarantine(t *testing.T) {
	clock := time.Now()
	e := NewEscalator(escConfig()).WithClock(func() time.Time { return clock })

	assert.Equal(t, contracts.ModeNormal, e.OnDeny("fp").Mode)
	assert.Equal(t, contracts.ModeNormal, e.OnDeny("fp").Mode)

	v := e.OnDeny("fp")
	assert.Equal(t, contracts.ModeFullQuarantine, v.Mode)
	assert.Equal(t, 5*time.Minute, v.RetryAfter)
}

func TestQuarantineAppliesToEveryRequest(t *testing.T) {
	clock := time.Now()
	e := NewEscalator(escConfig()).WithClock(func() time.Time { return clock })
	for i := 0; i < 3; i++ {
		e.OnDeny("fp")
	}

	clock = clock.Add(2 * time.Minute)
	v := e.Check("fp")
	assert.Equal(t, contracts.ModeFullQuarantine, v.Mode)
	assert.Equal(t, 3*time.Minute, v.RetryAfter, "retry_after reports seconds remaining")

	clock = clock.Add(4 * time.Minute)
	assert.Equal(t, contracts.ModeNormal, e.Check("fp").Mode)
}

func TestWindowSlides(t *testing.T) {
	clock := time.Now()
	e := NewEscalator(escConfig()).WithClock(func() time.Time { return clock })

	e.OnDeny("fp")
	e.OnDeny("fp")
	clock = clock.Add(2 * time.Minute) // window expired
	assert.Equal(t, contracts.ModeNormal, e.OnDeny("fp").Mode, "stale window resets the count")
	assert.Equal(t, contracts.ModeNormal, e.OnDeny("fp").Mode)
	assert.Equal(t, contracts.ModeFullQuarantine, e.OnDeny("fp").Mode)
}

func TestAllowNeverCreatesState(t *testing.T) {
	e := NewEscalator(escConfig())
	e.OnAllow("fp")
	e.Check("fp")
	assert.Zero(t, e.Len())
}

func TestAllowPurgesStaleEntry(t *testing.T) {
	clock := time.Now()
	e := NewEscalator(escConfig()).WithClock(func() time.Time { return clock })

	e.OnDeny("fp")
	e.OnAllow("fp")
	assert.Equal(t, 1, e.Len(), "entry inside its window survives an allow")

	clock = clock.Add(2 * time.Minute)
	e.OnAllow("fp")
	assert.Zero(t, e.Len(), "stale entry purged on allow")
}

func TestDisabledEscalationCreatesNothing(t *testing.T) {
	cfg := escConfig()
	cfg.Enabled = false
	e := NewEscalator(cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, contracts.ModeNormal, e.OnDeny("fp").Mode)
	}
	assert.Zero(t, e.Len())
}
