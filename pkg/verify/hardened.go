package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegis-gw/aegis/pkg/audit"
	"github.com/aegis-gw/aegis/pkg/contracts"
)

var tracer = otel.Tracer("github.com/aegis-gw/aegis/pkg/verify")

// Decisions emitted by the hardened wrapper.
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionClarifyRequired = "clarify_required"
	DecisionBlockInputOnly  = "block_input_only"
)

// Resolution is the never-fail verifier result: the raw outcome plus the
// deterministic decision mapping and response headers. Shadow is non-nil
// only when the request was sampled for shadow execution; it delivers the
// run's summary once the shadow providers finish.
type Resolution struct {
	Outcome  contracts.VerifierOutcome
	Decision string
	Mode     contracts.Mode
	Headers  map[string]string
	Shadow   <-chan ShadowSummary
}

// Hardened wraps the pipeline so a verifier problem can never break the
// request: total timeout, at most one full retry for transient errors, and
// a deterministic fallback mapping.
type Hardened struct {
	pipeline     *Pipeline
	totalTimeout time.Duration
	shadow       *Shadow // nil unless shadow execution is configured
	auditor      *audit.Logger
	logger       *slog.Logger
}

// NewHardened builds the wrapper. auditor may be nil in tests.
func NewHardened(pipeline *Pipeline, totalTimeout time.Duration, auditor *audit.Logger, logger *slog.Logger) *Hardened {
	if totalTimeout <= 0 {
		totalTimeout = 5 * time.Second
	}
	return &Hardened{
		pipeline:     pipeline,
		totalTimeout: totalTimeout,
		auditor:      auditor,
		logger:       logger.With("component", "verifier_hardened"),
	}
}

// WithShadow samples requests past the non-primary providers after the
// live assessment. Shadow verdicts never change the Resolution.
func (h *Hardened) WithShadow(s *Shadow) *Hardened {
	h.shadow = s
	return h
}

// Resolve assesses text and always returns a usable Resolution.
func (h *Hardened) Resolve(ctx context.Context, text string, meta Meta, incidentID string) (res Resolution) {
	ctx, span := tracer.Start(ctx, "verify.resolve")
	defer func() {
		span.SetAttributes(
			attribute.String("verifier.decision", res.Decision),
			attribute.String("verifier.provider", res.Outcome.Provider),
		)
		span.End()
	}()

	tctx, cancel := context.WithTimeout(ctx, h.totalTimeout)
	defer cancel()

	outcome, err := h.pipeline.Assess(tctx, text, meta)
	if err != nil && !errors.Is(err, ErrBudgetExhausted) && tctx.Err() == nil {
		// One transient retry inside the remaining budget.
		outcome, err = h.pipeline.Assess(tctx, text, meta)
	}

	if h.shadow != nil {
		shadowCh := h.shadow.Run(ctx, outcome.Provider, text, meta)
		defer func() { res.Shadow = shadowCh }()
	}

	switch {
	case tctx.Err() != nil:
		h.record("verifier_timeout", meta, incidentID, map[string]any{"timeout_ms": h.totalTimeout.Milliseconds()})
		return h.fallback(outcome, "verifier timed out")
	case errors.Is(err, ErrBudgetExhausted):
		h.record("verifier_fallback", meta, incidentID, map[string]any{"reason": "daily token budget exhausted"})
		return h.fallback(outcome, "daily token budget exhausted")
	case err != nil:
		h.record("verifier_error", meta, incidentID, map[string]any{"error": err.Error()})
		return h.fallback(outcome, err.Error())
	}

	res = Resolution{Outcome: outcome}
	switch outcome.Status {
	case contracts.VerdictSafe:
		res.Decision = DecisionAllow
		res.Mode = contracts.ModeNormal
	case contracts.VerdictUnsafe:
		res.Decision = DecisionDeny
		res.Mode = contracts.ModeNormal
	default:
		if outcome.Provider == "unknown" {
			h.record("verifier_fallback", meta, incidentID, map[string]any{"reason": "all providers exhausted"})
		}
		res.Decision = DecisionClarifyRequired
		res.Mode = contracts.ModeExecuteLocked
	}
	res.Headers = resolutionHeaders(res)
	return res
}

// fallback is the deterministic error terminal: block input, lock execution.
func (h *Hardened) fallback(outcome contracts.VerifierOutcome, reason string) Resolution {
	if outcome.Status == "" {
		outcome = contracts.VerifierOutcome{
			Status:   contracts.VerdictAmbiguous,
			Reason:   reason,
			Provider: "unknown",
		}
	}
	res := Resolution{
		Outcome:  outcome,
		Decision: DecisionBlockInputOnly,
		Mode:     contracts.ModeExecuteLocked,
	}
	res.Headers = resolutionHeaders(res)
	return res
}

func resolutionHeaders(res Resolution) map[string]string {
	return map[string]string{
		"X-Guardrail-Verifier":          string(res.Outcome.Status),
		"X-Guardrail-Verifier-Provider": res.Outcome.Provider,
	}
}

func (h *Hardened) record(kind string, meta Meta, incidentID string, detail map[string]any) {
	h.logger.Warn(kind, "tenant", meta.Tenant, "bot", meta.Bot, "incident_id", incidentID)
	if h.auditor == nil {
		return
	}
	h.auditor.Record(kind, audit.Event{
		Tenant:     meta.Tenant,
		Bot:        meta.Bot,
		RequestID:  meta.RequestID,
		IncidentID: incidentID,
		Detail:     detail,
	})
}
