// Package metrics wraps Prometheus with a bounded-cardinality facade.
//
// Tenants and bots are client-controlled strings; a hostile client must not
// be able to explode metric cardinality. Every label value passes through a
// capped set and collapses to the overflow label beyond the cap. Emissions
// are best-effort: a panic inside the registry never reaches the caller.
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLatencyBuckets are the histogram buckets for latency metrics, in
// seconds.
var DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Options bounds label cardinality.
type Options struct {
	LabelCardMax     int    // distinct values per label; <=0 means 1000
	LabelPairCardMax int    // distinct (tenant, bot) pairs; <=0 means 1000
	OverflowLabel    string // defaults to "__overflow__"
}

// Registry is the process metric registry. All counters, gauges, and
// histograms in the gateway are created through it.
type Registry struct {
	reg      *prometheus.Registry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
	seen     map[string]map[string]struct{} // label name -> observed values
	pairs    map[string]struct{}            // observed tenant|bot pairs
}

// New creates a Registry with its own Prometheus registry underneath.
func New(opts Options) *Registry {
	if opts.LabelCardMax <= 0 {
		opts.LabelCardMax = 1000
	}
	if opts.LabelPairCardMax <= 0 {
		opts.LabelPairCardMax = 1000
	}
	if opts.OverflowLabel == "" {
		opts.OverflowLabel = "__overflow__"
	}
	return &Registry{
		reg:      prometheus.NewRegistry(),
		opts:     opts,
		logger:   slog.Default().With("component", "metrics"),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		hists:    make(map[string]*prometheus.HistogramVec),
		seen:     make(map[string]map[string]struct{}),
		pairs:    make(map[string]struct{}),
	}
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Inc increments a counter, creating it on first use. Label order in the
// map is irrelevant; label names are fixed by the first observation.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, 1, labels)
}

// Add adds v to a counter.
func (r *Registry) Add(name string, v float64, labels map[string]string) {
	defer r.recovered("counter", name)
	labels = r.bound(labels)
	r.counterVec(name, labelNames(labels)).With(labels).Add(v)
}

// SetGauge sets a gauge value.
func (r *Registry) SetGauge(name string, v float64, labels map[string]string) {
	defer r.recovered("gauge", name)
	labels = r.bound(labels)
	r.gaugeVec(name, labelNames(labels)).With(labels).Set(v)
}

// AddGauge adds a delta to a gauge.
func (r *Registry) AddGauge(name string, v float64, labels map[string]string) {
	defer r.recovered("gauge", name)
	labels = r.bound(labels)
	r.gaugeVec(name, labelNames(labels)).With(labels).Add(v)
}

// Observe records a histogram observation with the default latency buckets.
func (r *Registry) Observe(name string, v float64, labels map[string]string) {
	defer r.recovered("histogram", name)
	labels = r.bound(labels)
	r.histVec(name, labelNames(labels)).With(labels).Observe(v)
}

// recovered swallows registry panics (inconsistent label sets, duplicate
// registration). Metrics are best-effort and must never fail a request.
func (r *Registry) recovered(kind, name string) {
	if p := recover(); p != nil {
		r.logger.Debug("metric emission dropped", "kind", kind, "name", name, "panic", p)
	}
}

// bound applies the cardinality caps to every label value, collapsing
// over-cap values to the overflow label. Membership is monotone: a value
// admitted once stays admitted.
func (r *Registry) bound(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return labels
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = r.boundOne(k, v)
	}

	// (tenant, bot) pairs get their own tighter cap.
	if t, okT := out["tenant"]; okT {
		if b, okB := out["bot"]; okB {
			pair := t + "|" + b
			if _, ok := r.pairs[pair]; !ok {
				if len(r.pairs) >= r.opts.LabelPairCardMax {
					out["tenant"] = r.opts.OverflowLabel
					out["bot"] = r.opts.OverflowLabel
				} else {
					r.pairs[pair] = struct{}{}
				}
			}
		}
	}
	return out
}

func (r *Registry) boundOne(name, value string) string {
	set, ok := r.seen[name]
	if !ok {
		set = make(map[string]struct{})
		r.seen[name] = set
	}
	if _, ok := set[value]; ok {
		return value
	}
	if len(set) >= r.opts.LabelCardMax {
		return r.opts.OverflowLabel
	}
	set[value] = struct{}{}
	return value
}

func (r *Registry) counterVec(name string, names []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, names)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *Registry) gaugeVec(name string, names []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, names)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *Registry) histVec(name string, names []string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hists[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: DefaultLatencyBuckets}, names)
	r.reg.MustRegister(h)
	r.hists[name] = h
	return h
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}
