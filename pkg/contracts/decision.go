// Package contracts holds the shared decision types exchanged between the
// pipeline, the stores, the bus, and the HTTP surface. It has no
// dependencies on any other aegis package so every component can import it.
package contracts

import "time"

// Family is the coarse decision class used for metrics and bus events.
type Family string

const (
	FamilyAllow    Family = "allow"
	FamilyBlock    Family = "block"
	FamilyVerify   Family = "verify"
	FamilySanitize Family = "sanitize"
)

// Mode is the runtime operational mode attached to every decision.
type Mode string

const (
	ModeNormal         Mode = "normal"
	ModeEgressOnly     Mode = "egress_only"
	ModeExecuteLocked  Mode = "execute_locked"
	ModeFullQuarantine Mode = "full_quarantine"
)

// Action is the terminal per-request action produced by the pipeline.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionClarify Action = "clarify"
	ActionDeny    Action = "deny"
	ActionRedact  Action = "redact"
)

// FamilyFor maps a terminal action to its metrics family.
func FamilyFor(a Action) Family {
	switch a {
	case ActionDeny:
		return FamilyBlock
	case ActionClarify:
		return FamilyVerify
	case ActionRedact:
		return FamilySanitize
	default:
		return FamilyAllow
	}
}

// DecisionEvent is the record published to the decision bus and appended to
// the NDJSON decision log. Ts is seconds since epoch.
type DecisionEvent struct {
	Ts            float64  `json:"ts"`
	IncidentID    string   `json:"incident_id"`
	RequestID     string   `json:"request_id"`
	Tenant        string   `json:"tenant"`
	Bot           string   `json:"bot"`
	Family        Family   `json:"family"`
	Mode          Mode     `json:"mode"`
	Status        int      `json:"status"`
	Endpoint      string   `json:"endpoint"`
	RuleIDs       []string `json:"rule_ids,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
	LatencyMs     float64  `json:"latency_ms"`
	ShadowAction  string   `json:"shadow_action,omitempty"`
	ShadowRuleIDs []string `json:"shadow_rule_ids,omitempty"`
}

// Binding maps a (tenant, bot) pair to a concrete rule pack file/version.
type Binding struct {
	Tenant          string `json:"tenant"`
	Bot             string `json:"bot"`
	RulesPath       string `json:"rules_path"`
	RulePackVersion string `json:"rule_pack_version"`
	PolicyVersion   string `json:"policy_version"`
}

// VerdictStatus is the classification returned by an external verifier.
type VerdictStatus string

const (
	VerdictSafe      VerdictStatus = "safe"
	VerdictUnsafe    VerdictStatus = "unsafe"
	VerdictAmbiguous VerdictStatus = "ambiguous"
)

// VerifierOutcome is the result of one verifier pipeline run. Provider is
// "cache" for cache hits and "unknown" when every provider was exhausted.
type VerifierOutcome struct {
	Status     VerdictStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Provider   string        `json:"provider"`
	TokensUsed int           `json:"tokens_used"`
}

// EpochSeconds converts a time to the float epoch representation used on
// the wire and in NDJSON records.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
