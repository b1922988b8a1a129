// Package verify runs sanitized text past external safety verifiers:
// result caching, adaptive provider routing, circuit breaking, token
// budgets, and a hardened wrapper that always produces a decision.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// Meta is the request context handed to a provider.
type Meta struct {
	Tenant        string
	Bot           string
	RequestID     string
	PolicyVersion string
	Fingerprint   string
}

// Provider is one external verifier backend.
type Provider interface {
	Name() string
	// Assess classifies text. It may return RateLimitedError, a context
	// deadline error, or any other error; all are handled by the pipeline.
	Assess(ctx context.Context, text string, meta Meta) (contracts.VerifierOutcome, error)
}

// RateLimitedError signals the provider asked us to back off.
type RateLimitedError struct {
	RetryAfter time.Duration // zero when the server gave no hint
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ErrBudgetExhausted is returned when the tenant's daily token budget is
// spent before any provider call.
var ErrBudgetExhausted = errors.New("verifier: daily token budget exhausted")

// Registry resolves providers by name. Unknown names are skipped, not
// errors, so configuration can list providers that are not compiled in.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry indexes providers by Name().
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Resolve maps configured names to providers, dropping unknown names.
func (r *Registry) Resolve(names []string) []Provider {
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// estimateTokens approximates the provider-side token cost of text. Four
// characters per token tracks the common BPE vocabularies closely enough
// for budget enforcement.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}
