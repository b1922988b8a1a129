package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegis-gw/aegis/pkg/arms"
	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/metrics"
	"github.com/aegis-gw/aegis/pkg/policy"
	"github.com/aegis-gw/aegis/pkg/risk"
	"github.com/aegis-gw/aegis/pkg/verify"
)

// Input is one evaluation request after the guard stages ran.
type Input struct {
	Tenant      string
	Bot         string
	Session     string
	Endpoint    string
	RequestID   string
	Fingerprint string // escalation identity
	Text        string
	Body        []byte
	Flags       []string
	ForceClear  bool // X-Force-Unclear: 1
	Egress      bool
}

// Outcome is the terminal decision for one evaluation.
type Outcome struct {
	Action        contracts.Action
	Family        contracts.Family
	Mode          contracts.Mode
	Status        int
	IncidentID    string
	PolicyVersion string
	RuleIDs       []string
	Redactions    int
	Tags          []string
	Sanitized     string
	RetryAfter    int
	DecodeCount   int
	ArchiveNames  []string
	Verifier      *verify.Resolution

	// Shadow summary, set when a sampled shadow run finished before the
	// decision was assembled. ShadowPending carries the still-running
	// run's channel so the publisher can attach the summary later.
	ShadowAction  string
	ShadowRuleIDs []string
	ShadowPending <-chan verify.ShadowSummary
}

var tracer = otel.Tracer("github.com/aegis-gw/aegis/pkg/pipeline")

// Pipeline composes policy, risk, escalation, and the verifier into the
// terminal decision for evaluate and egress_evaluate requests.
type Pipeline struct {
	cfg         *config.Config
	policies    *policy.Store
	risk        *risk.Store
	esc         *risk.Escalator
	verifier    *verify.Hardened // nil when disabled
	arms        *arms.Runtime
	metrics     *metrics.Registry
	logger      *slog.Logger
	clock       func() time.Time
	threatTerms []string
}

// New wires the decision core. verifier may be nil; reg may be nil in
// tests.
func New(cfg *config.Config, policies *policy.Store, riskStore *risk.Store, esc *risk.Escalator, verifier *verify.Hardened, armsRT *arms.Runtime, reg *metrics.Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		policies: policies,
		risk:     riskStore,
		esc:      esc,
		verifier: verifier,
		arms:     armsRT,
		metrics:  reg,
		logger:   logger.With("component", "pipeline"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithThreatTerms installs externally sourced deny terms. Matches are
// reported under the synthetic rule id "threat-feed".
func (p *Pipeline) WithThreatTerms(terms []string) *Pipeline {
	p.threatTerms = terms
	return p
}

// Evaluate runs detectors, risk accounting, escalation, and the optional
// verifier, and assembles the terminal decision.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (out Outcome) {
	var span trace.Span
	ctx, span = tracer.Start(ctx, "pipeline.evaluate")
	defer func() {
		span.SetAttributes(
			attribute.String("guardrail.action", string(out.Action)),
			attribute.String("guardrail.mode", string(out.Mode)),
			attribute.Int("guardrail.rules", len(out.RuleIDs)),
			attribute.Bool("guardrail.egress", in.Egress),
		)
		span.End()
	}()

	out = Outcome{
		Action:     contracts.ActionAllow,
		Mode:       p.baseMode(),
		Status:     200,
		IncidentID: uuid.NewString(),
		Sanitized:  in.Text,
	}

	pol := p.policies.GetFor(in.Tenant, in.Bot)
	out.PolicyVersion = pol.Version

	// Ingress checks are skipped entirely while the runtime is in
	// egress-only mode; egress enforcement still runs.
	if !in.Egress && out.Mode == contracts.ModeEgressOnly {
		p.finish(&out, in)
		return out
	}

	// Quarantined identities are rejected before any pipeline work.
	if verdict := p.esc.Check(in.Fingerprint); verdict.Mode == contracts.ModeFullQuarantine {
		p.quarantine(&out, verdict)
		p.finish(&out, in)
		return out
	}

	rules := pol.RulesFor(policy.RuleContext{
		Tenant:   in.Tenant,
		Bot:      in.Bot,
		Endpoint: in.Endpoint,
		Flags:    in.Flags,
	})

	var aux []string
	if !in.Egress && len(in.Body) > 0 {
		decoded, n := DecodedStrings(in.Body)
		out.DecodeCount = n
		aux = append(aux, decoded...)
		if n > 0 && p.metrics != nil {
			p.metrics.Add(metrics.IngressDecodeTotal, float64(n), nil)
		}
		pk := PeekArchives(in.Body)
		out.ArchiveNames = pk.Entries
		if pk.Sample != "" {
			aux = append(aux, pk.Sample)
		}
		if pk.Blocked > 0 && p.metrics != nil {
			p.metrics.Add(metrics.ArchiveDepthBlocked, float64(pk.Blocked), nil)
		}
	}

	finding := Detect(rules, in.Text, aux...)
	out.RuleIDs = finding.RuleIDs
	out.Redactions = finding.Redactions
	out.Tags = finding.Tags
	out.Sanitized = finding.Sanitized
	if finding.Locked {
		out.Mode = contracts.ModeExecuteLocked
	}
	switch finding.Action {
	case policy.ActionDeny:
		out.Action = contracts.ActionDeny
	case policy.ActionClarify:
		out.Action = contracts.ActionClarify
	case policy.ActionRedact:
		out.Action = contracts.ActionRedact
	}

	if len(p.threatTerms) > 0 && out.Action != contracts.ActionDeny &&
		termMatch(p.threatTerms, out.Sanitized, aux) {
		out.Action = contracts.ActionDeny
		out.RuleIDs = append(out.RuleIDs, "threat-feed")
	}

	// Risk and escalation accounting follows the detector verdict.
	switch out.Action {
	case contracts.ActionDeny:
		p.risk.Bump(in.Tenant, in.Bot, in.Session, 1.0, 0)
		if verdict := p.esc.OnDeny(in.Fingerprint); verdict.Mode == contracts.ModeFullQuarantine {
			p.quarantine(&out, verdict)
			p.finish(&out, in)
			return out
		}
	case contracts.ActionAllow:
		p.esc.OnAllow(in.Fingerprint)
	}

	if p.verifier != nil && !in.Egress &&
		(out.Action == contracts.ActionClarify || in.ForceClear) {
		p.consult(ctx, in, &out)
	}

	p.finish(&out, in)
	return out
}

// EvaluateEgress applies the policy to outbound text.
func (p *Pipeline) EvaluateEgress(ctx context.Context, in Input) Outcome {
	in.Egress = true
	in.Body = nil
	return p.Evaluate(ctx, in)
}

// consult runs the hardened verifier and maps its decision onto the
// outcome. The wrapper never fails; its fallbacks arrive as decisions.
func (p *Pipeline) consult(ctx context.Context, in Input, out *Outcome) {
	res := p.verifier.Resolve(ctx, out.Sanitized, verify.Meta{
		Tenant:        in.Tenant,
		Bot:           in.Bot,
		RequestID:     in.RequestID,
		PolicyVersion: out.PolicyVersion,
		Fingerprint:   in.Fingerprint,
	}, out.IncidentID)
	out.Verifier = &res

	if res.Shadow != nil {
		select {
		case sum := <-res.Shadow:
			out.ShadowAction = sum.Action
			out.ShadowRuleIDs = sum.RuleIDs
		default:
			out.ShadowPending = res.Shadow
		}
	}

	switch res.Decision {
	case verify.DecisionAllow:
		if out.Action == contracts.ActionClarify {
			out.Action = contracts.ActionAllow
			if out.Redactions > 0 {
				out.Action = contracts.ActionRedact
			}
		}
	case verify.DecisionDeny:
		out.Action = contracts.ActionDeny
	case verify.DecisionClarifyRequired:
		out.Action = contracts.ActionClarify
		out.Mode = contracts.ModeExecuteLocked
	case verify.DecisionBlockInputOnly:
		out.Action = contracts.ActionDeny
		out.Mode = contracts.ModeExecuteLocked
	}
}

func (p *Pipeline) quarantine(out *Outcome, verdict risk.Verdict) {
	out.Action = contracts.ActionDeny
	out.Mode = contracts.ModeFullQuarantine
	out.Status = 429
	retry := int(verdict.RetryAfter / time.Second)
	if retry < 1 {
		retry = 1
	}
	out.RetryAfter = retry
}

func (p *Pipeline) baseMode() contracts.Mode {
	if p.arms == nil {
		return contracts.ModeNormal
	}
	return p.arms.Mode()
}

func (p *Pipeline) finish(out *Outcome, in Input) {
	out.Family = contracts.FamilyFor(out.Action)
	if p.metrics != nil {
		p.metrics.Inc(metrics.DecisionsTotal, map[string]string{"action": string(out.Action)})
		p.metrics.Inc(metrics.DecisionsFamilyTotal, map[string]string{"family": string(out.Family)})
		p.metrics.Inc(metrics.DecisionsFamilyBot, map[string]string{
			"tenant": in.Tenant, "bot": in.Bot, "family": string(out.Family),
		})
	}
	p.logger.Info("decision",
		"tenant", in.Tenant, "bot", in.Bot, "endpoint", in.Endpoint,
		"action", out.Action, "mode", out.Mode, "rules", len(out.RuleIDs),
		"incident_id", out.IncidentID)
}
