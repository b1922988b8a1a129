package bus

import (
	"sort"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// Filter selects and orders decision events. Zero values mean "no
// constraint". Ties on ts preserve insertion order (stable sort).
type Filter struct {
	Tenant    string
	Bot       string
	Family    string
	Mode      string
	RuleID    string
	RequestID string
	FromTs    float64
	ToTs      float64
	Sort      string // "ts_asc" (default) | "ts_desc"
	Limit     int
	Offset    int
}

// Matches reports whether evt passes every set constraint.
func (f Filter) Matches(evt contracts.DecisionEvent) bool {
	if f.Tenant != "" && evt.Tenant != f.Tenant {
		return false
	}
	if f.Bot != "" && evt.Bot != f.Bot {
		return false
	}
	if f.Family != "" && string(evt.Family) != f.Family {
		return false
	}
	if f.Mode != "" && string(evt.Mode) != f.Mode {
		return false
	}
	if f.RequestID != "" && evt.RequestID != f.RequestID {
		return false
	}
	if f.FromTs > 0 && evt.Ts < f.FromTs {
		return false
	}
	if f.ToTs > 0 && evt.Ts > f.ToTs {
		return false
	}
	if f.RuleID != "" {
		found := false
		for _, id := range evt.RuleIDs {
			if id == f.RuleID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Apply filters, sorts, and pages events in insertion order.
func (f Filter) Apply(events []contracts.DecisionEvent) []contracts.DecisionEvent {
	out := make([]contracts.DecisionEvent, 0, len(events))
	for _, evt := range events {
		if f.Matches(evt) {
			out = append(out, evt)
		}
	}

	if f.Sort == "ts_desc" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Ts > out[j].Ts })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
