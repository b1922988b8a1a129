// Package arms arbitrates the runtime operating mode from the health of
// the ingress and egress enforcement arms. Escalation quarantine and
// verifier lockdowns override per-request; this runtime provides the
// baseline mode every request starts from.
package arms

import (
	"log/slog"
	"sync"

	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/metrics"
)

// Health of one arm.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Runtime tracks arm health and the resulting mode.
type Runtime struct {
	mu            sync.Mutex
	ingress       Health
	egress        Health
	mode          contracts.Mode
	egressOnlyOpt bool
	metrics       *metrics.Registry
	logger        *slog.Logger
}

// NewRuntime starts in normal mode with both arms healthy. reg may be nil
// in tests.
func NewRuntime(egressOnlyOnIngressDegraded bool, reg *metrics.Registry, logger *slog.Logger) *Runtime {
	r := &Runtime{
		ingress:       HealthOK,
		egress:        HealthOK,
		mode:          contracts.ModeNormal,
		egressOnlyOpt: egressOnlyOnIngressDegraded,
		metrics:       reg,
		logger:        logger.With("component", "arms"),
	}
	r.gauge()
	return r
}

// SetIngress updates ingress arm health and re-arbitrates.
func (r *Runtime) SetIngress(h Health) { r.set(&r.ingress, h) }

// SetEgress updates egress arm health and re-arbitrates.
func (r *Runtime) SetEgress(h Health) { r.set(&r.egress, h) }

func (r *Runtime) set(target *Health, h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*target = h
	r.arbitrate()
}

// Mode returns the current baseline mode.
func (r *Runtime) Mode() contracts.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Status reports arm health for the diagnostic surface.
func (r *Runtime) Status() (ingress, egress Health, mode contracts.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ingress, r.egress, r.mode
}

// arbitrate recomputes the mode. Caller holds the mutex.
func (r *Runtime) arbitrate() {
	next := contracts.ModeNormal
	if r.egressOnlyOpt && r.ingress != HealthOK {
		next = contracts.ModeEgressOnly
	}
	if next == r.mode {
		return
	}
	prev := r.mode
	r.mode = next
	r.logger.Warn("mode transition", "from", prev, "to", next,
		"ingress", r.ingress, "egress", r.egress)
	if r.metrics != nil {
		r.metrics.Inc(metrics.ArmTransitionsTotal, map[string]string{
			"from": string(prev), "to": string(next),
		})
	}
	r.gauge()
}

// gauge publishes a one-hot mode gauge. Caller holds the mutex (or is the
// constructor).
func (r *Runtime) gauge() {
	if r.metrics == nil {
		return
	}
	for _, m := range []contracts.Mode{
		contracts.ModeNormal, contracts.ModeEgressOnly,
		contracts.ModeExecuteLocked, contracts.ModeFullQuarantine,
	} {
		v := 0.0
		if m == r.mode {
			v = 1.0
		}
		r.metrics.SetGauge(metrics.ArmMode, v, map[string]string{"mode": string(m)})
	}
}
