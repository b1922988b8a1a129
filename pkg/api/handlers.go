package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/pipeline"
	"github.com/aegis-gw/aegis/pkg/policy"
	"github.com/aegis-gw/aegis/pkg/risk"
	"github.com/aegis-gw/aegis/pkg/streamguard"
)

const evalBodyMax = 1 << 20

// evaluateRequest is the JSON body of the evaluation endpoints. Header
// values take precedence over body fields for tenant and bot.
type evaluateRequest struct {
	Text     string `json:"text"`
	Tenant   string `json:"tenant,omitempty"`
	Bot      string `json:"bot,omitempty"`
	Session  string `json:"session,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// evaluateResponse mirrors the terminal decision.
type evaluateResponse struct {
	Action        contracts.Action `json:"action"`
	Family        contracts.Family `json:"family"`
	Mode          contracts.Mode   `json:"mode"`
	IncidentID    string           `json:"incident_id"`
	PolicyVersion string           `json:"policy_version"`
	RuleIDs       []string         `json:"rule_ids,omitempty"`
	Redactions    int              `json:"redactions"`
	Tags          []string         `json:"tags,omitempty"`
	Sanitized     string           `json:"sanitized"`
	RetryAfter    int              `json:"retry_after_seconds,omitempty"`
	Verifier      any              `json:"verifier,omitempty"`
}

func identity(r *http.Request) (tenant, bot string) {
	tenant = r.Header.Get("X-Guardrail-Tenant")
	if tenant == "" {
		tenant = r.Header.Get("X-Tenant-ID")
	}
	if tenant == "" {
		tenant = "public"
	}
	bot = r.Header.Get("X-Guardrail-Bot")
	if bot == "" {
		bot = r.Header.Get("X-Bot-ID")
	}
	if bot == "" {
		bot = "default"
	}
	return tenant, bot
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// buildInput assembles the pipeline input from headers and the parsed body.
func (s *Server) buildInput(r *http.Request, req evaluateRequest, raw []byte) pipeline.Input {
	tenant, bot := identity(r)
	if req.Tenant != "" && r.Header.Get("X-Guardrail-Tenant") == "" && r.Header.Get("X-Tenant-ID") == "" {
		tenant = req.Tenant
	}
	if req.Bot != "" && r.Header.Get("X-Guardrail-Bot") == "" && r.Header.Get("X-Bot-ID") == "" {
		bot = req.Bot
	}
	session := r.Header.Get("X-Guardrail-Session")
	if session == "" {
		session = req.Session
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = r.URL.Path
	}
	return pipeline.Input{
		Tenant:      tenant,
		Bot:         bot,
		Session:     session,
		Endpoint:    endpoint,
		RequestID:   pipeline.RequestID(r),
		Fingerprint: risk.Identity(r, tenant, bot),
		Text:        req.Text,
		Body:        raw,
		Flags:       pipeline.IngressFlags(r),
		ForceClear:  r.Header.Get("X-Force-Unclear") == "1",
	}
}

func (s *Server) readEvaluate(w http.ResponseWriter, r *http.Request) (evaluateRequest, []byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, evalBodyMax))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return evaluateRequest{}, nil, false
	}
	var req evaluateRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object")
			return evaluateRequest{}, nil, false
		}
	}
	return req, raw, true
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.readEvaluate(w, r)
	if !ok {
		return
	}
	in := s.buildInput(r, req, raw)
	start := s.clock()
	out := s.pipe.Evaluate(r.Context(), in)

	s.decisionHeaders(w, out)
	w.Header().Set("X-Guardrail-Ingress-Action", string(out.Action))
	s.publish(in, out, r.URL.Path, start)
	writeJSON(w, out.Status, decisionBody(out))
}

func (s *Server) handleEgressEvaluate(w http.ResponseWriter, r *http.Request) {
	req, _, ok := s.readEvaluate(w, r)
	if !ok {
		return
	}
	in := s.buildInput(r, req, nil)
	start := s.clock()
	out := s.pipe.EvaluateEgress(r.Context(), in)

	s.decisionHeaders(w, out)
	w.Header().Set("X-Guardrail-Egress-Action", string(out.Action))
	s.publish(in, out, r.URL.Path, start)
	writeJSON(w, out.Status, decisionBody(out))
}

type batchRequest struct {
	Items []evaluateRequest `json:"items"`
}

func (s *Server) handleBatchEvaluate(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, false)
}

func (s *Server) handleEgressBatch(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, true)
}

// handleBatch runs each item through the pipeline independently. The batch
// endpoints always answer 200; per-item outcomes carry their own status.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, egress bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, evalBodyMax))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", `body must be {"items":[...]}`)
		return
	}

	start := s.clock()
	results := make([]evaluateResponse, 0, len(req.Items))
	for _, item := range req.Items {
		in := s.buildInput(r, item, nil)
		var out pipeline.Outcome
		if egress {
			out = s.pipe.EvaluateEgress(r.Context(), in)
		} else {
			out = s.pipe.Evaluate(r.Context(), in)
		}
		s.publish(in, out, r.URL.Path, start)
		results = append(results, decisionBody(out))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleEcho executes the downstream role in the idempotency scenarios: it
// reflects the request body. The idempotency middleware upstream does the
// caching and replay work.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, evalBodyMax))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = string(raw)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "payload": payload})
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleProxyChat runs the full guarded round trip: ingress evaluation on
// the last user message, the upstream call (or a canned completion when no
// upstream is configured), then egress evaluation of the reply.
func (s *Server) handleProxyChat(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" && r.Header.Get("X-API-Key") == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authorization required for proxy endpoints")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, evalBodyMax))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil || len(req.Messages) == 0 {
		WriteError(w, http.StatusBadRequest, "bad_request", `body must be {"messages":[{"role","content"}]}`)
		return
	}
	var text string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text = req.Messages[i].Content
			break
		}
	}

	in := s.buildInput(r, evaluateRequest{Text: text}, raw)
	start := s.clock()
	ingress := s.pipe.Evaluate(r.Context(), in)
	s.publish(in, ingress, r.URL.Path, start)

	s.decisionHeaders(w, ingress)
	w.Header().Set("X-Guardrail-Ingress-Action", string(ingress.Action))
	if ingress.Action == contracts.ActionDeny || ingress.Status != http.StatusOK {
		writeJSON(w, ingress.Status, map[string]any{"ingress": decisionBody(ingress)})
		return
	}

	reply := s.upstreamReply(r, ingress.Sanitized)

	out := in
	out.Text = reply
	egress := s.pipe.EvaluateEgress(r.Context(), out)
	s.publish(out, egress, r.URL.Path, start)
	w.Header().Set("X-Guardrail-Egress-Action", string(egress.Action))

	writeJSON(w, http.StatusOK, map[string]any{
		"reply":   egress.Sanitized,
		"ingress": decisionBody(ingress),
		"egress":  decisionBody(egress),
	})
}

// upstreamReply forwards to the configured upstream or fabricates a local
// completion for demos and tests.
func (s *Server) upstreamReply(r *http.Request, prompt string) string {
	if s.cfg.ProxyUpstreamURL == "" {
		return "You said: " + prompt
	}
	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ProxyUpstreamURL, bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.logger.Warn("proxy upstream failed", "error", err)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, evalBodyMax))
	if err != nil {
		return ""
	}
	return string(reply)
}

// handleEgressStreamDemo streams ?text= through the egress guard in small
// chunks. Redaction counters are only known at end of stream, so they ride
// in announced trailers.
func (s *Server) handleEgressStreamDemo(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		text = "demo stream with sk-ABCDEFGHIJKLMNOP1234 inside"
	}

	tenant, bot := identity(r)
	pol := s.policies.GetFor(tenant, bot)
	patterns := s.patterns
	if len(patterns) == 0 {
		patterns = streamPatterns(pol.Rules)
	}
	guard := streamguard.New(streamguard.Config{
		LookbackChars:    s.cfg.Stream.LookbackChars,
		FlushMinBytes:    s.cfg.Stream.FlushMinBytes,
		DenyOnPrivateKey: s.cfg.Stream.DenyOnPrivateKey,
		Patterns:         patterns,
	})

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Guardrail-Streaming", "true")
	h.Set("Trailer", "X-Guardrail-Stream-Redactions, X-Guardrail-Stream-Denied")

	flusher, _ := w.(http.Flusher)
	const chunk = 8
	runes := []rune(text)
	for i := 0; i < len(runes); i += chunk {
		if r.Context().Err() != nil {
			return
		}
		end := i + chunk
		if end > len(runes) {
			end = len(runes)
		}
		out := guard.Feed(string(runes[i:end]))
		if out != "" {
			_, _ = io.WriteString(w, out)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if guard.Denied() {
			break
		}
	}
	if tail := guard.Finish(); tail != "" {
		_, _ = io.WriteString(w, tail)
	}
	h.Set("X-Guardrail-Stream-Redactions", strconv.Itoa(guard.Redactions()))
	h.Set("X-Guardrail-Stream-Denied", strconv.FormatBool(guard.Denied()))
}

// streamPatterns derives stream redaction patterns from the redact rules
// of the bound policy.
func streamPatterns(rules []policy.CompiledRule) []streamguard.Pattern {
	out := make([]streamguard.Pattern, 0, len(rules))
	for _, cr := range rules {
		if cr.Action != policy.ActionRedact {
			continue
		}
		repl := cr.Replacement
		tag := cr.Tag
		if tag == "" {
			tag = strings.ToUpper(cr.ID)
		}
		if repl == "" {
			repl = "[REDACTED:" + tag + "]"
		}
		out = append(out, streamguard.Pattern{Regex: cr.Regexp, Tag: tag, Replacement: repl})
	}
	return out
}

// decisionHeaders stamps the terminal decision headers.
func (s *Server) decisionHeaders(w http.ResponseWriter, out pipeline.Outcome) {
	h := w.Header()
	h.Set("X-Guardrail-Decision", string(out.Action))
	h.Set("X-Guardrail-Mode", string(out.Mode))
	h.Set("X-Guardrail-Incident-ID", out.IncidentID)
	h.Set("X-Guardrail-Policy-Version", out.PolicyVersion)
	if len(out.RuleIDs) > 0 {
		h.Set("X-Guardrail-Rule-IDs", strings.Join(out.RuleIDs, ","))
	}
	if out.Redactions > 0 {
		h.Set("X-Guardrail-Redactions", strconv.Itoa(out.Redactions))
	}
	if len(out.Tags) > 0 {
		h.Set("X-Guardrail-Redaction-Reasons", strings.Join(out.Tags, ","))
	}
	if out.DecodeCount > 0 {
		h.Set("X-Guardrail-Hidden-Text", strconv.Itoa(out.DecodeCount))
	}
	if out.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(out.RetryAfter))
	}
}

func decisionBody(out pipeline.Outcome) evaluateResponse {
	resp := evaluateResponse{
		Action:        out.Action,
		Family:        out.Family,
		Mode:          out.Mode,
		IncidentID:    out.IncidentID,
		PolicyVersion: out.PolicyVersion,
		RuleIDs:       out.RuleIDs,
		Redactions:    out.Redactions,
		Tags:          out.Tags,
		Sanitized:     out.Sanitized,
		RetryAfter:    out.RetryAfter,
	}
	if out.Verifier != nil {
		resp.Verifier = map[string]any{
			"decision": out.Verifier.Decision,
			"status":   out.Verifier.Outcome.Status,
			"provider": out.Verifier.Outcome.Provider,
		}
	}
	return resp
}

// publish records the decision on the bus, the archive, and the webhooks.
// All three are best-effort and never slow the response path.
func (s *Server) publish(in pipeline.Input, out pipeline.Outcome, endpoint string, start time.Time) {
	evt := contracts.DecisionEvent{
		Ts:            contracts.EpochSeconds(s.clock()),
		IncidentID:    out.IncidentID,
		RequestID:     in.RequestID,
		Tenant:        in.Tenant,
		Bot:           in.Bot,
		Family:        out.Family,
		Mode:          out.Mode,
		Status:        out.Status,
		Endpoint:      endpoint,
		RuleIDs:       out.RuleIDs,
		PolicyVersion: out.PolicyVersion,
		LatencyMs:     float64(s.clock().Sub(start)) / float64(time.Millisecond),
		ShadowAction:  out.ShadowAction,
		ShadowRuleIDs: out.ShadowRuleIDs,
	}
	if out.ShadowPending != nil {
		// Shadow verdicts land after the response; hold the event off-path
		// until the summary arrives so it rides the same record.
		go func() {
			select {
			case sum := <-out.ShadowPending:
				evt.ShadowAction = sum.Action
				evt.ShadowRuleIDs = sum.RuleIDs
			case <-time.After(5 * time.Second):
			}
			s.emit(evt)
		}()
		return
	}
	s.emit(evt)
}

func (s *Server) emit(evt contracts.DecisionEvent) {
	s.bus.Publish(evt)
	if s.archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.archive.Insert(ctx, evt); err != nil {
				s.logger.Debug("archive insert failed", "error", err)
			}
		}()
	}
	if s.webhooks != nil {
		go s.webhooks.Fanout(context.Background(), evt)
	}
}
