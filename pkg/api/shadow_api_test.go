package api

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-gw/aegis/pkg/bus"
	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/pipeline"
	"github.com/aegis-gw/aegis/pkg/risk"
	"github.com/aegis-gw/aegis/pkg/verify"
)

type scriptedVerifier struct {
	name   string
	status contracts.VerdictStatus
}

func (s *scriptedVerifier) Name() string { return s.name }

func (s *scriptedVerifier) Assess(context.Context, string, verify.Meta) (contracts.VerifierOutcome, error) {
	return contracts.VerifierOutcome{Status: s.status, Provider: s.name, TokensUsed: 1}, nil
}

func TestShadowSummaryOnDecisionEvent(t *testing.T) {
	var cfg *config.Config
	env := newAPIEnv(t, func(c *config.Config) { cfg = c }, func(d *Deps) {
		logger := testLogger()
		vcfg := config.VerifierConfig{
			Enabled:         true,
			Providers:       []string{"live"},
			ProviderTimeout: time.Second,
			TotalTimeout:    time.Second,
			BreakerFails:    5,
			BreakerCooldown: time.Second,
		}
		live := &scriptedVerifier{name: "live", status: contracts.VerdictSafe}
		watcher := &scriptedVerifier{name: "watch", status: contracts.VerdictUnsafe}
		vp := verify.NewPipeline(verify.NewRegistry(live, watcher), nil,
			verify.NewBreakerSet(vcfg.BreakerFails, vcfg.BreakerCooldown),
			verify.NewRouter(false, nil), nil, vcfg, logger)
		sh := verify.NewShadow([]verify.Provider{live, watcher}, 1.0, 2, time.Second, logger)
		sh.Synchronous = true
		hardened := verify.NewHardened(vp, vcfg.TotalTimeout, nil, logger).WithShadow(sh)

		d.Bus = bus.New(io.Discard)
		d.Pipeline = pipeline.New(cfg, d.Policies, risk.NewStore(time.Hour),
			risk.NewEscalator(cfg.Escalation), hardened, d.Arms, d.Metrics, logger)
	})

	rec := env.do("POST", "/guardrail/evaluate", `{"text":"hello there"}`,
		map[string]string{"X-Force-Unclear": "1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "allow", rec.Header().Get("X-Guardrail-Decision"))

	list := env.do("GET", "/admin/decisions", "", adminHdrs(nil))
	assert.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), `"shadow_action":"deny"`)
	assert.Contains(t, list.Body.String(), `"shadow:watch:unsafe"`)
}
