package arms

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

func newRuntime(egressOnly bool) *Runtime {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRuntime(egressOnly, nil, logger)
}

func TestStartsNormal(t *testing.T) {
	r := newRuntime(true)
	assert.Equal(t, contracts.ModeNormal, r.Mode())
}

func TestDegradedIngressFlipsToEgressOnly(t *testing.T) {
	r := newRuntime(true)
	r.SetIngress(HealthDegraded)
	assert.Equal(t, contracts.ModeEgressOnly, r.Mode())

	r.SetIngress(HealthDown)
	assert.Equal(t, contracts.ModeEgressOnly, r.Mode(), "down keeps egress_only")

	r.SetIngress(HealthOK)
	assert.Equal(t, contracts.ModeNormal, r.Mode())
}

func TestArbitrationDisabled(t *testing.T) {
	r := newRuntime(false)
	r.SetIngress(HealthDown)
	assert.Equal(t, contracts.ModeNormal, r.Mode())
}

func TestEgressHealthDoesNotChangeMode(t *testing.T) {
	r := newRuntime(true)
	r.SetEgress(HealthDown)
	assert.Equal(t, contracts.ModeNormal, r.Mode())

	ingress, egress, mode := r.Status()
	assert.Equal(t, HealthOK, ingress)
	assert.Equal(t, HealthDown, egress)
	assert.Equal(t, contracts.ModeNormal, mode)
}
