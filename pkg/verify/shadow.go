package verify

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// ShadowResult summarizes one non-primary provider's shadow verdict.
type ShadowResult struct {
	Provider string                  `json:"provider"`
	Status   contracts.VerdictStatus `json:"status"`
	Err      string                  `json:"error,omitempty"`
}

// ShadowSummary condenses one sampled run for the decision record: the
// action the shadow chain would have taken, plus a provider:status tag
// for every verdict that was not clean.
type ShadowSummary struct {
	Action  string
	RuleIDs []string
}

// Shadow runs non-primary providers against sampled traffic. Shadow
// verdicts never influence the live decision; they exist to compare
// providers before promoting one.
type Shadow struct {
	providers   []Provider
	sampleRate  float64
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	// Synchronous makes Run block until all providers finish. Tests only.
	Synchronous bool

	mu      sync.Mutex
	results []ShadowResult
}

// NewShadow builds the shadow runner over all registered providers.
func NewShadow(providers []Provider, sampleRate float64, concurrency int, timeout time.Duration, logger *slog.Logger) *Shadow {
	if concurrency <= 0 {
		concurrency = 2
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Shadow{
		providers:   providers,
		sampleRate:  sampleRate,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger.With("component", "verifier_shadow"),
	}
}

// Run shadows text past every provider except primary, when this request is
// sampled. The returned channel delivers the run's summary once all shadow
// providers finish; it is nil when the request was not sampled. Production
// runs are fire-and-forget on a context detached from the request so
// cancellation cannot abort them mid-flight.
func (s *Shadow) Run(ctx context.Context, primary, text string, meta Meta) <-chan ShadowSummary {
	if s.sampleRate <= 0 || rand.Float64() >= s.sampleRate {
		return nil
	}
	done := make(chan ShadowSummary, 1)
	detached := context.WithoutCancel(ctx)
	if s.Synchronous {
		done <- s.run(detached, primary, text, meta)
		return done
	}
	go func() { done <- s.run(detached, primary, text, meta) }()
	return done
}

func (s *Shadow) run(ctx context.Context, primary, text string, meta Meta) ShadowSummary {
	sem := make(chan struct{}, s.concurrency)
	gathered := make(chan ShadowResult, len(s.providers))
	var wg sync.WaitGroup
	for _, provider := range s.providers {
		if provider.Name() == primary {
			continue
		}
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			outcome, err := p.Assess(callCtx, text, meta)

			res := ShadowResult{Provider: p.Name()}
			if err != nil {
				res.Err = err.Error()
			} else {
				res.Status = outcome.Status
			}
			gathered <- res
		}(provider)
	}
	wg.Wait()
	close(gathered)

	batch := make([]ShadowResult, 0, len(s.providers))
	for res := range gathered {
		batch = append(batch, res)
	}
	s.mu.Lock()
	s.results = append(s.results, batch...)
	if len(s.results) > 500 {
		s.results = s.results[len(s.results)-500:]
	}
	s.mu.Unlock()
	return summarize(batch)
}

// summarize maps shadow verdicts onto the action the shadow chain would
// have produced: any unsafe wins, otherwise an ambiguous verdict or an
// error asks for clarification, otherwise allow.
func summarize(batch []ShadowResult) ShadowSummary {
	sum := ShadowSummary{Action: string(contracts.ActionAllow)}
	for _, r := range batch {
		switch {
		case r.Err != "":
			sum.RuleIDs = append(sum.RuleIDs, "shadow:"+r.Provider+":error")
			if sum.Action == string(contracts.ActionAllow) {
				sum.Action = string(contracts.ActionClarify)
			}
		case r.Status == contracts.VerdictUnsafe:
			sum.RuleIDs = append(sum.RuleIDs, "shadow:"+r.Provider+":unsafe")
			sum.Action = string(contracts.ActionDeny)
		case r.Status == contracts.VerdictAmbiguous:
			sum.RuleIDs = append(sum.RuleIDs, "shadow:"+r.Provider+":ambiguous")
			if sum.Action != string(contracts.ActionDeny) {
				sum.Action = string(contracts.ActionClarify)
			}
		}
	}
	return sum
}

// Results snapshots the recorded shadow verdicts, newest last.
func (s *Shadow) Results() []ShadowResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ShadowResult, len(s.results))
	copy(out, s.results)
	return out
}
