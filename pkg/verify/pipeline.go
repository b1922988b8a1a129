package verify

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
)

// tokenBudget enforces the per-tenant daily verifier token budget. The day
// window is fixed to UTC calendar days.
type tokenBudget struct {
	mu    sync.Mutex
	day   string
	used  map[string]int
	limit int
	clock func() time.Time
}

func newTokenBudget(limit int) *tokenBudget {
	return &tokenBudget{used: make(map[string]int), limit: limit, clock: time.Now}
}

// reserve charges tokens against the tenant's daily budget. Returns false
// without charging when the budget would be exceeded. A zero limit means
// unlimited.
func (b *tokenBudget) reserve(tenant string, tokens int) bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	day := b.clock().UTC().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.used = make(map[string]int)
	}
	if b.used[tenant]+tokens > b.limit {
		return false
	}
	b.used[tenant] += tokens
	return true
}

// remaining reports the unused budget for diagnostics.
func (b *tokenBudget) remaining(tenant string) int {
	if b.limit <= 0 {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock().UTC().Format("2006-01-02") != b.day {
		return b.limit
	}
	left := b.limit - b.used[tenant]
	if left < 0 {
		left = 0
	}
	return left
}

// Pipeline routes an assessment through the configured providers with
// caching, breakers, budgets, and retries.
type Pipeline struct {
	providers []Provider
	cache     ResultCache
	breakers  *BreakerSet
	router    *Router
	harmful   HarmfulMemory
	budget    *tokenBudget
	cfg       config.VerifierConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires the verifier pipeline. cache, harmful may be nil to
// disable those layers.
func NewPipeline(reg *Registry, cache ResultCache, breakers *BreakerSet, router *Router, harmful HarmfulMemory, cfg config.VerifierConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		providers: reg.Resolve(cfg.Providers),
		cache:     cache,
		breakers:  breakers,
		router:    router,
		harmful:   harmful,
		budget:    newTokenBudget(cfg.DailyTokenBudget),
		cfg:       cfg,
		logger:    logger.With("component", "verifier"),
		tracer:    otel.Tracer("aegis/verify"),
		sleep:     ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BudgetRemaining reports the tenant's unused daily tokens (-1 = unlimited).
func (p *Pipeline) BudgetRemaining(tenant string) int { return p.budget.remaining(tenant) }

// RouterSnapshot exposes the recorded routing history.
func (p *Pipeline) RouterSnapshot() []RankEntry { return p.router.Snapshot() }

// MarkHarmful records a fingerprint that verified unsafe.
func (p *Pipeline) MarkHarmful(ctx context.Context, fp string) {
	if p.harmful != nil {
		p.harmful.MarkHarmful(ctx, fp)
	}
}

// Assess runs the pipeline. It never returns an error for provider
// failures; exhaustion degrades to ambiguous/"unknown" (or unsafe when the
// fingerprint is known harmful). ErrBudgetExhausted is returned when the
// daily budget blocks every call.
func (p *Pipeline) Assess(ctx context.Context, text string, meta Meta) (contracts.VerifierOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "verify.assess", trace.WithAttributes(
		attribute.String("tenant", meta.Tenant),
		attribute.String("bot", meta.Bot),
	))
	defer span.End()

	key := cacheKey(meta)
	if p.cache != nil {
		if outcome, ok := p.cache.Get(ctx, key); ok {
			outcome.Provider = "cache"
			outcome.TokensUsed = 0
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return outcome, nil
		}
	}

	tokens := estimateTokens(text)
	if p.cfg.TokenCap > 0 && tokens > p.cfg.TokenCap {
		p.logger.Warn("text over per-request token cap", "tenant", meta.Tenant, "tokens", tokens)
		return p.exhausted(ctx, meta), nil
	}

	order := p.router.Rank(meta.Tenant, meta.Bot, providerNames(p.providers))
	budgetDenied := false
	attempted := false

	for _, name := range order {
		provider := p.byName(name)
		if provider == nil {
			continue
		}
		if !p.breakers.Allow(name) {
			continue
		}
		if !p.budget.reserve(meta.Tenant, tokens) {
			budgetDenied = true
			continue
		}
		attempted = true

		outcome, err := p.callWithRetry(ctx, provider, text, meta)
		if err == nil {
			if p.cache != nil {
				p.cache.Set(ctx, key, outcome, p.cfg.CacheTTL)
			}
			if outcome.Status == contracts.VerdictUnsafe {
				p.MarkHarmful(ctx, meta.Fingerprint)
			}
			return outcome, nil
		}
		if ctx.Err() != nil {
			return p.exhausted(ctx, meta), nil
		}
	}

	if !attempted && budgetDenied {
		return p.exhausted(ctx, meta), ErrBudgetExhausted
	}
	return p.exhausted(ctx, meta), nil
}

// callWithRetry runs one provider under its timeout with decorrelated
// jitter between transient retries. Rate limits are never retried locally;
// they set the quota-skip window instead.
func (p *Pipeline) callWithRetry(ctx context.Context, provider Provider, text string, meta Meta) (contracts.VerifierOutcome, error) {
	name := provider.Name()
	backoff := 100 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Decorrelated jitter: sleep in [base, prev*3], capped.
			next := 100*time.Millisecond + time.Duration(rand.Int63n(int64(backoff*3)))
			if next > 2*time.Second {
				next = 2 * time.Second
			}
			backoff = next
			if err := p.sleep(ctx, next); err != nil {
				return contracts.VerifierOutcome{}, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
		start := time.Now()
		outcome, err := provider.Assess(callCtx, text, meta)
		latency := time.Since(start)
		cancel()

		if err == nil {
			p.breakers.Success(name)
			p.router.Record(meta.Tenant, meta.Bot, name, true, latency)
			outcome.Provider = name
			return outcome, nil
		}

		p.router.Record(meta.Tenant, meta.Bot, name, false, latency)
		lastErr = err

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			p.breakers.RateLimited(name, rl.RetryAfter)
			p.logger.Info("provider rate limited", "provider", name, "retry_after", rl.RetryAfter)
			return contracts.VerifierOutcome{}, err
		}
		p.breakers.Failure(name)
		if ctx.Err() != nil {
			return contracts.VerifierOutcome{}, ctx.Err()
		}
		p.logger.Warn("provider call failed", "provider", name, "attempt", attempt, "error", err)
	}
	return contracts.VerifierOutcome{}, lastErr
}

// exhausted is the all-providers-failed terminal: unsafe when the
// fingerprint was previously harmful, ambiguous otherwise.
func (p *Pipeline) exhausted(ctx context.Context, meta Meta) contracts.VerifierOutcome {
	if p.harmful != nil && meta.Fingerprint != "" && p.harmful.IsHarmful(ctx, meta.Fingerprint) {
		return contracts.VerifierOutcome{
			Status:   contracts.VerdictUnsafe,
			Reason:   "fingerprint previously verified unsafe",
			Provider: "unknown",
		}
	}
	return contracts.VerifierOutcome{
		Status:   contracts.VerdictAmbiguous,
		Reason:   "no verifier available",
		Provider: "unknown",
	}
}

func (p *Pipeline) byName(name string) Provider {
	for _, prov := range p.providers {
		if prov.Name() == name {
			return prov
		}
	}
	return nil
}

func providerNames(providers []Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.Name()
	}
	return out
}
