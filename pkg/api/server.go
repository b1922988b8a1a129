package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-gw/aegis/pkg/arms"
	"github.com/aegis-gw/aegis/pkg/audit"
	"github.com/aegis-gw/aegis/pkg/auth"
	"github.com/aegis-gw/aegis/pkg/bus"
	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/idempotency"
	"github.com/aegis-gw/aegis/pkg/metrics"
	"github.com/aegis-gw/aegis/pkg/pipeline"
	"github.com/aegis-gw/aegis/pkg/policy"
	"github.com/aegis-gw/aegis/pkg/quota"
	"github.com/aegis-gw/aegis/pkg/store"
	"github.com/aegis-gw/aegis/pkg/streamguard"
	"github.com/aegis-gw/aegis/pkg/webhook"
)

// Pinger checks a backing connection for /readyz. Redis clients satisfy it
// via a small adapter in cmd.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP surface and its collaborators.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Registry
	policies *policy.Store
	pipe     *pipeline.Pipeline
	idemp    *idempotency.Engine
	quotas   quota.Store // nil when quotas are disabled
	bus      *bus.Bus
	webhooks *webhook.Deliverer // nil when no URLs configured
	archive  *store.Archive     // nil when no sqlite path configured
	arms     *arms.Runtime
	admin    *auth.Admin
	confLog  *ConfigAudit
	auditor  *audit.Logger
	patterns []streamguard.Pattern
	pinger   Pinger // nil when no Redis backend
	limiter  *ipLimiter
	clock    func() time.Time
}

// Deps carries the collaborators into NewServer; optional ones may be nil.
type Deps struct {
	Metrics  *metrics.Registry
	Policies *policy.Store
	Pipeline *pipeline.Pipeline
	Idemp    *idempotency.Engine
	Quotas   quota.Store
	Bus      *bus.Bus
	Webhooks *webhook.Deliverer
	Archive  *store.Archive
	Arms     *arms.Runtime
	Admin    *auth.Admin
	Auditor  *audit.Logger
	ConfLog  *ConfigAudit
	Patterns []streamguard.Pattern
	Pinger   Pinger
}

// NewServer assembles the surface.
func NewServer(cfg *config.Config, d Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		metrics:  d.Metrics,
		policies: d.Policies,
		pipe:     d.Pipeline,
		idemp:    d.Idemp,
		quotas:   d.Quotas,
		bus:      d.Bus,
		webhooks: d.Webhooks,
		archive:  d.Archive,
		arms:     d.Arms,
		admin:    d.Admin,
		auditor:  d.Auditor,
		confLog:  d.ConfLog,
		patterns: d.Patterns,
		pinger:   d.Pinger,
		clock:    time.Now,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Close stops background workers owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// Handler builds the full routing tree. Guard middlewares wrap only the
// public evaluation endpoints; health, metrics, and admin stay outside the
// quota and idempotency layers.
func (s *Server) Handler() http.Handler {
	public := http.NewServeMux()
	public.HandleFunc("POST /guardrail/evaluate", s.handleEvaluate)
	public.HandleFunc("POST /guardrail/egress_evaluate", s.handleEgressEvaluate)
	public.HandleFunc("POST /guardrail/batch_evaluate", s.handleBatchEvaluate)
	public.HandleFunc("POST /guardrail/egress_batch", s.handleEgressBatch)
	public.HandleFunc("POST /proxy/chat", s.handleProxyChat)
	public.HandleFunc("GET /demo/egress_stream", s.handleEgressStreamDemo)
	public.HandleFunc("POST /echo", s.handleEcho)

	guarded := s.guardChain(public)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /health/arms", s.handleArmsHealth)
	root.HandleFunc("GET /readyz", s.handleReady)
	root.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Prometheus(), promhttp.HandlerOpts{}))
	root.HandleFunc("POST /admin/login", s.admin.Login)
	root.Handle("/admin/", s.admin.Middleware(s.adminMux()))
	root.Handle("/guardrail/", guarded)
	root.Handle("/proxy/", guarded)
	root.Handle("/demo/", guarded)
	root.Handle("/echo", guarded)
	return s.observe(root)
}

// guardChain applies the request guards in pipeline order, then the per-IP
// limiter, the quota gate, and the idempotency engine.
func (s *Server) guardChain(next http.Handler) http.Handler {
	h := s.idemp.Middleware(next)
	h = s.quotaGate(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = pipeline.UnicodeGuard(s.cfg.Unicode, s.metrics, s.logger)(h)
	h = pipeline.HeaderLimits(s.cfg.HeaderLim, s.logger)(h)
	h = pipeline.DupHeaderGuard(s.cfg.DupHeader, s.metrics, s.logger)(h)
	h = pipeline.TraceGuard()(h)
	h = pipeline.PathGuard(s.metrics, s.logger)(h)
	return h
}

// observe wraps the whole tree with the request counter and the latency
// histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		s.metrics.Inc(metrics.RequestsTotal, map[string]string{"endpoint": r.URL.Path})
		next.ServeHTTP(w, r)
		s.metrics.Observe(metrics.RequestLatencySeconds,
			s.clock().Sub(start).Seconds(), map[string]string{"endpoint": r.URL.Path})
	})
}

// quotaGate checks and increments the tenant quota and stamps the quota
// headers on every response that passes. Disabled quotas pass through.
func (s *Server) quotaGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.quotas == nil {
			next.ServeHTTP(w, r)
			return
		}
		tenant, _ := identity(r)
		res, err := s.quotas.CheckAndInc(r.Context(), tenant)
		if err != nil {
			// Quota store trouble never blocks traffic.
			s.logger.Warn("quota check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		quotaHeaders(w, res)
		if !res.Allowed {
			writeQuotaExhausted(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleArmsHealth(w http.ResponseWriter, _ *http.Request) {
	ingress, egress, mode := s.arms.Status()
	writeJSON(w, http.StatusOK, map[string]string{
		"ingress": string(ingress),
		"egress":  string(egress),
		"mode":    string(mode),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "redis unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
