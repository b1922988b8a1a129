package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	return nil
}

func TestCounterIncrement(t *testing.T) {
	r := New(Options{})
	r.Inc("test_total", map[string]string{"endpoint": "/a"})
	r.Inc("test_total", map[string]string{"endpoint": "/a"})

	ms := gather(t, r.Prometheus(), "test_total")
	require.Len(t, ms, 1)
	assert.Equal(t, 2.0, ms[0].GetCounter().GetValue())
}

func TestLabelCardinalityCap(t *testing.T) {
	r := New(Options{LabelCardMax: 3})
	for i := 0; i < 10; i++ {
		r.Inc("tenants_total", map[string]string{"tenant": fmt.Sprintf("t%d", i)})
	}

	ms := gather(t, r.Prometheus(), "tenants_total")
	// 3 admitted values + the overflow label = MAX + 1 series.
	require.Len(t, ms, 4)

	var overflow float64
	for _, m := range ms {
		if m.GetLabel()[0].GetValue() == "__overflow__" {
			overflow = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 7.0, overflow)
}

func TestAdmittedValueStaysAdmitted(t *testing.T) {
	r := New(Options{LabelCardMax: 1})
	r.Inc("x_total", map[string]string{"tenant": "a"})
	r.Inc("x_total", map[string]string{"tenant": "b"}) // over cap
	r.Inc("x_total", map[string]string{"tenant": "a"}) // still admitted

	ms := gather(t, r.Prometheus(), "x_total")
	for _, m := range ms {
		if m.GetLabel()[0].GetValue() == "a" {
			assert.Equal(t, 2.0, m.GetCounter().GetValue())
		}
	}
}

func TestPairCapCollapsesBoth(t *testing.T) {
	r := New(Options{LabelPairCardMax: 1})
	r.Inc("pair_total", map[string]string{"tenant": "t1", "bot": "b1"})
	r.Inc("pair_total", map[string]string{"tenant": "t2", "bot": "b2"})

	ms := gather(t, r.Prometheus(), "pair_total")
	overflowSeen := false
	for _, m := range ms {
		for _, l := range m.GetLabel() {
			if l.GetValue() == "__overflow__" {
				overflowSeen = true
			}
		}
	}
	assert.True(t, overflowSeen)
}

func TestMismatchedLabelsDoNotPanic(t *testing.T) {
	r := New(Options{})
	r.Inc("y_total", map[string]string{"a": "1"})
	assert.NotPanics(t, func() {
		r.Inc("y_total", map[string]string{"b": "2"})
	})
}

func TestGaugeAndHistogram(t *testing.T) {
	r := New(Options{})
	r.SetGauge("g", 5, map[string]string{"mode": "normal"})
	r.AddGauge("g", -2, map[string]string{"mode": "normal"})
	r.Observe("h", 0.2, nil)

	gs := gather(t, r.Prometheus(), "g")
	require.Len(t, gs, 1)
	assert.Equal(t, 3.0, gs[0].GetGauge().GetValue())

	hs := gather(t, r.Prometheus(), "h")
	require.Len(t, hs, 1)
	assert.Equal(t, uint64(1), hs[0].GetHistogram().GetSampleCount())
}
