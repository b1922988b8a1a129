package verify

import (
	"sort"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/metrics"
)

const (
	emaAlpha        = 0.2
	latWindow       = 50
	minRankSamples  = 10
	rankStickiness  = 30 * time.Second
	rankSnapshotCap = 200
)

// provStats is the health view of one provider for one (tenant, bot).
type provStats struct {
	successEMA float64
	latencies  []time.Duration // ring of recent latencies
	latPos     int
	samples    int
}

func (s *provStats) record(ok bool, latency time.Duration) {
	v := 0.0
	if ok {
		v = 1.0
	}
	if s.samples == 0 {
		s.successEMA = v
	} else {
		s.successEMA = emaAlpha*v + (1-emaAlpha)*s.successEMA
	}
	if len(s.latencies) < latWindow {
		s.latencies = append(s.latencies, latency)
	} else {
		s.latencies[s.latPos] = latency
		s.latPos = (s.latPos + 1) % latWindow
	}
	s.samples++
}

func (s *provStats) p95() time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * 95 / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// RankEntry is one recorded routing decision.
type RankEntry struct {
	Ts     float64  `json:"ts"`
	Tenant string   `json:"tenant"`
	Bot    string   `json:"bot"`
	Order  []string `json:"order"`
}

// Router orders providers per (tenant, bot). With adaptive routing off it
// always returns the configured order.
type Router struct {
	mu       sync.Mutex
	adaptive bool
	stats    map[string]map[string]*provStats // tenant|bot -> provider -> stats
	lastRank map[string][]string
	rankedAt map[string]time.Time
	snapshot []RankEntry
	metrics  *metrics.Registry
	clock    func() time.Time
}

// NewRouter builds a Router; reg may be nil in tests.
func NewRouter(adaptive bool, reg *metrics.Registry) *Router {
	return &Router{
		adaptive: adaptive,
		stats:    make(map[string]map[string]*provStats),
		lastRank: make(map[string][]string),
		rankedAt: make(map[string]time.Time),
		metrics:  reg,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

func scopeKey(tenant, bot string) string { return tenant + "|" + bot }

// Record feeds one call result into the (tenant, bot) window.
func (r *Router) Record(tenant, bot, provider string, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope := scopeKey(tenant, bot)
	byProv, found := r.stats[scope]
	if !found {
		byProv = make(map[string]*provStats)
		r.stats[scope] = byProv
	}
	s, found := byProv[provider]
	if !found {
		s = &provStats{}
		byProv[provider] = s
	}
	s.record(ok, latency)
}

// Rank orders providers for this (tenant, bot). The configured order wins
// until every provider has minRankSamples; a computed order is sticky for
// rankStickiness to avoid flapping.
func (r *Router) Rank(tenant, bot string, configured []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := scopeKey(tenant, bot)
	order := configured
	if r.adaptive {
		order = r.adaptiveOrder(scope, configured)
	}

	r.snapshot = append(r.snapshot, RankEntry{
		Ts:     float64(r.clock().UnixNano()) / 1e9,
		Tenant: tenant,
		Bot:    bot,
		Order:  order,
	})
	if len(r.snapshot) > rankSnapshotCap {
		r.snapshot = r.snapshot[len(r.snapshot)-rankSnapshotCap:]
	}
	if r.metrics != nil {
		r.metrics.Inc(metrics.VerifierRouterRank, map[string]string{"tenant": tenant, "bot": bot})
	}
	return order
}

// adaptiveOrder sorts by success EMA descending, p95 ascending. Caller
// holds the mutex.
func (r *Router) adaptiveOrder(scope string, configured []string) []string {
	now := r.clock()
	if prev, ok := r.lastRank[scope]; ok && now.Sub(r.rankedAt[scope]) < rankStickiness {
		return prev
	}

	byProv := r.stats[scope]
	for _, name := range configured {
		s, ok := byProv[name]
		if !ok || s.samples < minRankSamples {
			return configured
		}
	}

	order := make([]string, len(configured))
	copy(order, configured)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := byProv[order[i]], byProv[order[j]]
		if a.successEMA != b.successEMA {
			return a.successEMA > b.successEMA
		}
		return a.p95() < b.p95()
	})
	r.lastRank[scope] = order
	r.rankedAt[scope] = now
	return order
}

// Snapshot returns the recorded rank history, newest last.
func (r *Router) Snapshot() []RankEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RankEntry, len(r.snapshot))
	copy(out, r.snapshot)
	return out
}
