package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/arms"
	"github.com/aegis-gw/aegis/pkg/idempotency"
	"github.com/aegis-gw/aegis/pkg/quota"
	"github.com/aegis-gw/aegis/pkg/store"
)

// ConfigAudit appends one NDJSON line per admin mutation.
type ConfigAudit struct {
	mu    sync.Mutex
	w     io.Writer
	clock func() time.Time
}

// NewConfigAudit writes the config audit trail to w. A nil writer disables
// recording.
func NewConfigAudit(w io.Writer) *ConfigAudit {
	return &ConfigAudit{w: w, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *ConfigAudit) WithClock(clock func() time.Time) *ConfigAudit {
	c.clock = clock
	return c
}

// Record appends {ts, actor, patch, before, after}.
func (c *ConfigAudit) Record(actor, patch string, before, after any) {
	if c == nil || c.w == nil {
		return
	}
	line, err := json.Marshal(map[string]any{
		"ts":     float64(c.clock().UnixNano()) / 1e9,
		"actor":  actor,
		"patch":  patch,
		"before": before,
		"after":  after,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.w.Write(append(line, '\n'))
}

// adminMux routes the diagnostic surface. Auth is applied by the caller;
// /admin/login lives outside this mux.
func (s *Server) adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/bindings", s.handleBindingsList)
	mux.HandleFunc("POST /admin/bindings", s.handleBind)
	mux.HandleFunc("DELETE /admin/bindings", s.handleUnbind)
	mux.HandleFunc("GET /admin/policy/packs", s.handlePolicyPacks)
	mux.HandleFunc("POST /admin/policy/reload", s.handlePolicyReload)
	mux.HandleFunc("POST /admin/policy/validate", s.handlePolicyValidate)
	mux.HandleFunc("GET /admin/idempotency/recent", s.handleIdempRecent)
	mux.HandleFunc("DELETE /admin/idempotency", s.handleIdempPurge)
	mux.HandleFunc("POST /admin/quota/reset", s.handleQuotaReset)
	mux.HandleFunc("GET /admin/webhooks/dlq", s.handleDLQStats)
	mux.HandleFunc("POST /admin/webhooks/dlq/retry", s.handleDLQRetry)
	mux.HandleFunc("DELETE /admin/webhooks/dlq", s.handleDLQPurge)
	mux.HandleFunc("GET /admin/decisions", s.handleDecisionsRecent)
	mux.HandleFunc("GET /admin/decisions/archive", s.handleDecisionsArchive)
	mux.HandleFunc("GET /admin/decisions/stream", s.handleDecisionStream)
	mux.HandleFunc("GET /admin/arms", s.handleArmsHealth)
	mux.HandleFunc("POST /admin/arms", s.handleArmsSet)
	return mux
}

func (s *Server) handleBindingsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bindings": s.policies.ListBindings()})
}

type bindRequest struct {
	Tenant string   `json:"tenant"`
	Bot    string   `json:"bot"`
	Packs  []string `json:"packs"`
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" || req.Bot == "" || len(req.Packs) == 0 {
		WriteError(w, http.StatusBadRequest, "bad_request", `body must be {"tenant","bot","packs":[...]}`)
		return
	}
	binding, err := s.policies.Bind(req.Tenant, req.Bot, req.Packs)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.confLog.Record(s.admin.Actor(r), "bind", nil, binding)
	writeJSON(w, http.StatusOK, binding)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	tenant, bot := r.URL.Query().Get("tenant"), r.URL.Query().Get("bot")
	if tenant == "" || bot == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", "tenant and bot query parameters required")
		return
	}
	if !s.policies.Unbind(tenant, bot) {
		WriteError(w, http.StatusNotFound, "not_found", "no such binding")
		return
	}
	s.confLog.Record(s.admin.Actor(r), "unbind",
		map[string]string{"tenant": tenant, "bot": bot}, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handlePolicyPacks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"packs":          s.policies.Packs(),
		"policy_version": s.policies.Current().Version,
		"enforce_mode":   s.policies.EnforceMode(),
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	before := s.policies.Current().Version
	if err := s.policies.Reload(); err != nil {
		status := http.StatusBadRequest
		code := "bad_request"
		if s.policies.EnforceMode() == "block" {
			status, code = http.StatusUnprocessableEntity, "validation_failed"
		}
		WriteError(w, status, code, err.Error())
		return
	}
	after := s.policies.Current().Version
	s.confLog.Record(s.admin.Actor(r), "policy_reload", before, after)
	writeJSON(w, http.StatusOK, map[string]string{"policy_version": after})
}

func (s *Server) handlePolicyValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	writeJSON(w, http.StatusOK, s.policies.ValidateText(body))
}

func (s *Server) handleIdempRecent(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = "public"
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.idemp.Store().ListRecent(r.Context(), tenant, limit)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "idempotency store unavailable")
		return
	}
	// Keys are caller secrets; only the masked form leaves the process.
	masked := make([]idempotency.RecentEntry, 0, len(entries))
	for _, e := range entries {
		masked = append(masked, idempotency.RecentEntry{Key: idempotency.MaskKey(e.Key), Ts: e.Ts})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant, "recent": masked})
}

func (s *Server) handleIdempPurge(w http.ResponseWriter, r *http.Request) {
	tenant, key := r.URL.Query().Get("tenant"), r.URL.Query().Get("key")
	if key == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", "key query parameter required")
		return
	}
	if tenant == "" {
		tenant = "public"
	}
	existed, err := s.idemp.Store().Purge(r.Context(), tenant, key)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "idempotency store unavailable")
		return
	}
	s.logger.Info("idempotency key purged",
		"tenant", tenant, "key", idempotency.MaskKey(key), "existed", existed)
	writeJSON(w, http.StatusOK, map[string]bool{"existed": existed})
}

type quotaResetRequest struct {
	Key   string `json:"key"`
	Which string `json:"which"`
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "quotas are disabled")
		return
	}
	var req quotaResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", `body must be {"key","which"}`)
		return
	}
	which := quota.Which(req.Which)
	switch which {
	case quota.WhichDay, quota.WhichMonth, quota.WhichBoth:
	default:
		WriteError(w, http.StatusBadRequest, "bad_request", "which must be day, month, or both")
		return
	}
	if err := s.quotas.ResetKey(r.Context(), req.Key, which); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "quota store unavailable")
		return
	}
	s.confLog.Record(s.admin.Actor(r), "quota_reset", nil, req)
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, _ *http.Request) {
	if s.webhooks == nil || s.webhooks.DLQ() == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	stats, err := s.webhooks.DLQ().Stats()
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "dlq unreadable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"count":   s.webhooks.DLQ().Count(),
		"reasons": stats,
	})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "webhooks are disabled")
		return
	}
	n, err := s.webhooks.RetryAll(r.Context())
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "dlq retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil || s.webhooks.DLQ() == nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "webhooks are disabled")
		return
	}
	before := s.webhooks.DLQ().Count()
	if err := s.webhooks.DLQ().Purge(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "dlq purge failed")
		return
	}
	s.confLog.Record(s.admin.Actor(r), "dlq_purge", before, 0)
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}

func (s *Server) handleDecisionsRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"decisions": s.bus.Recent(parseFilter(r))})
}

func (s *Server) handleDecisionsArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		WriteError(w, http.StatusNotFound, "not_found", "decision archive is not configured")
		return
	}
	f := parseFilter(r)
	sort := "desc"
	if f.Sort == "ts_asc" {
		sort = "asc"
	}
	events, err := s.archive.Query(r.Context(), store.Filter{
		Tenant:    f.Tenant,
		Bot:       f.Bot,
		Family:    f.Family,
		Mode:      f.Mode,
		RuleID:    f.RuleID,
		RequestID: f.RequestID,
		FromTs:    f.FromTs,
		ToTs:      f.ToTs,
		Sort:      sort,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "archive query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": events})
}

type armsSetRequest struct {
	Ingress string `json:"ingress,omitempty"`
	Egress  string `json:"egress,omitempty"`
}

func (s *Server) handleArmsSet(w http.ResponseWriter, r *http.Request) {
	var req armsSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", `body must be {"ingress"?,"egress"?}`)
		return
	}
	ingressBefore, egressBefore, _ := s.arms.Status()
	for _, h := range []string{req.Ingress, req.Egress} {
		switch arms.Health(h) {
		case "", arms.HealthOK, arms.HealthDegraded, arms.HealthDown:
		default:
			WriteError(w, http.StatusBadRequest, "bad_request", "health must be ok, degraded, or down")
			return
		}
	}
	if req.Ingress != "" {
		s.arms.SetIngress(arms.Health(req.Ingress))
	}
	if req.Egress != "" {
		s.arms.SetEgress(arms.Health(req.Egress))
	}
	ingress, egress, mode := s.arms.Status()
	s.confLog.Record(s.admin.Actor(r), "arms",
		map[string]string{"ingress": string(ingressBefore), "egress": string(egressBefore)},
		map[string]string{"ingress": string(ingress), "egress": string(egress)})
	writeJSON(w, http.StatusOK, map[string]string{
		"ingress": string(ingress), "egress": string(egress), "mode": string(mode),
	})
}
