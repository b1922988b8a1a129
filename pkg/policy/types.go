// Package policy loads, validates, merges, and versions rule packs, and
// resolves the effective policy for a (tenant, bot) binding. Packs are
// immutable once hashed; a live reload swaps the merged document
// atomically so readers see either the old or the new policy, never a mix.
package policy

import (
	"regexp"

	"github.com/google/cel-go/cel"
)

// Rule actions. redact rewrites matched text, deny blocks the request,
// clarify routes it to the verifier, lock forces execute_locked mode.
const (
	ActionRedact  = "redact"
	ActionDeny    = "deny"
	ActionClarify = "clarify"
	ActionLock    = "lock"
)

// Rule is one detection rule inside a pack.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Action      string   `yaml:"action" json:"action"`
	Replacement string   `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	Tag         string   `yaml:"tag,omitempty" json:"tag,omitempty"`
	Terms       []string `yaml:"terms,omitempty" json:"terms,omitempty"`
	When        string   `yaml:"when,omitempty" json:"when,omitempty"`
}

// Pack is one named rule pack as parsed from YAML. Hash is the SHA-256 of
// the raw pack bytes and never changes after load.
type Pack struct {
	Name              string `yaml:"name" json:"name"`
	Version           string `yaml:"version,omitempty" json:"version,omitempty"`
	MinGatewayVersion string `yaml:"min_gateway_version,omitempty" json:"min_gateway_version,omitempty"`
	Rules             []Rule `yaml:"rules" json:"rules"`
	Hash              string `yaml:"-" json:"-"`
	Path              string `yaml:"-" json:"-"`
}

// PackRef identifies one pack inside a merged document.
type PackRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Hash    string `json:"hash"`
}

// Document is the deterministic merge of an ordered pack list. Its
// canonical JSON hash is the policy version; changing pack order changes
// the version.
type Document struct {
	Packs []PackRef `json:"packs"`
	Rules []Rule    `json:"rules"`
}

// RuleContext carries the request attributes a rule's when: clause may
// reference.
type RuleContext struct {
	Tenant   string
	Bot      string
	Endpoint string
	Flags    []string
}

// CompiledRule is a rule with its regex and optional when: program ready
// for the hot path.
type CompiledRule struct {
	Rule
	Regexp *regexp.Regexp
	when   cel.Program
}

// Applies reports whether the rule is live for this request. Rules without
// a when: clause always apply; a when: evaluation error disables the rule
// for the request rather than failing the pipeline.
func (c *CompiledRule) Applies(rc RuleContext) bool {
	if c.when == nil {
		return true
	}
	out, _, err := c.when.Eval(map[string]any{
		"tenant":   rc.Tenant,
		"bot":      rc.Bot,
		"endpoint": rc.Endpoint,
		"flags":    rc.Flags,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Policy is an immutable compiled merged document. Version is the 64-hex
// canonical hash of Doc.
type Policy struct {
	Doc     Document
	Version string
	Rules   []CompiledRule
}

// RulesFor returns the rules live for the given request context, in merge
// order.
func (p *Policy) RulesFor(rc RuleContext) []CompiledRule {
	out := make([]CompiledRule, 0, len(p.Rules))
	for i := range p.Rules {
		if p.Rules[i].Applies(rc) {
			out = append(out, p.Rules[i])
		}
	}
	return out
}
