// Package pipeline implements the ordered ingress decision stages: path
// and trace guards, duplicate-header and header-limit enforcement, unicode
// inspection, body decoders, archive peek, detectors, and the terminal
// decision core that composes policy, risk, escalation, and the verifier.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/metrics"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxFlags
)

// RequestID returns the normalized request id attached by the trace guard.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxRequestID).(string)
	return id
}

// IngressFlags returns the unicode flags attached by the sanitizer stage.
func IngressFlags(r *http.Request) []string {
	f, _ := r.Context().Value(ctxFlags).([]string)
	return f
}

func withFlags(ctx context.Context, flags []string) context.Context {
	return context.WithValue(ctx, ctxFlags, flags)
}

func writeJSONError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"code":%q,"detail":%q}`, code, detail)
}

// Slash homoglyphs rejected alongside plain traversal: division slash,
// fraction slash, set minus, and backslash.
var homoglyphSlashes = map[rune]bool{
	'∕': true, '⁄': true, '∖': true, '\\': true,
}

// pathViolation decodes the raw path twice and looks for traversal or
// slash homoglyphs.
func pathViolation(rawPath string) (string, bool) {
	decoded := rawPath
	for i := 0; i < 2; i++ {
		if u, err := url.PathUnescape(decoded); err == nil {
			decoded = u
		}
	}
	for _, r := range decoded {
		if homoglyphSlashes[r] {
			return "slash_homoglyph", true
		}
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "traversal", true
		}
	}
	return "", false
}

// PathGuard rejects traversal and homoglyph-slash paths with 400.
func PathGuard(reg *metrics.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	lg := logger.With("component", "path_guard")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reason, bad := pathViolation(r.URL.EscapedPath()); bad {
				if reg != nil {
					reg.Inc(metrics.IngressPathViolation, map[string]string{"reason": reason})
				}
				lg.Warn("path rejected", "reason", reason)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"bad_request","detail":"invalid path"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var (
	traceparentRe = regexp.MustCompile(`^[0-9a-f]{2}-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)
	requestIDRe   = regexp.MustCompile(`^[a-f0-9]{16,64}$`)
)

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TraceGuard drops malformed traceparent headers, normalizes or mints
// X-Request-ID, and echoes both on the response.
func TraceGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tp := r.Header.Get("traceparent"); tp != "" {
				if traceparentRe.MatchString(tp) {
					w.Header().Set("traceparent", tp)
				} else {
					r.Header.Del("traceparent")
				}
			}
			rid := strings.ToLower(r.Header.Get("X-Request-ID"))
			if !requestIDRe.MatchString(rid) {
				rid = newRequestID()
			}
			r.Header.Set("X-Request-ID", rid)
			w.Header().Set("X-Request-ID", rid)
			ctx := context.WithValue(r.Context(), ctxRequestID, rid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DupHeaderGuard enforces the unique-header set. Metric labels pass
// through a name allowlist; everything else collapses to _other.
func DupHeaderGuard(cfg config.DupHeaderConfig, reg *metrics.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	unique := lowerSet(cfg.UniqueSet)
	allowed := lowerSet(cfg.AllowNames)
	lg := logger.With("component", "dup_header_guard")
	return func(next http.Handler) http.Handler {
		if cfg.Mode == "off" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var dups []string
			for name, vals := range r.Header {
				ln := strings.ToLower(name)
				if len(vals) > 1 && unique[ln] {
					dups = append(dups, ln)
				}
			}
			if len(dups) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			sort.Strings(dups)
			for _, name := range dups {
				label := name
				if !allowed[name] {
					label = "_other"
				}
				if reg != nil {
					reg.Inc(metrics.DupHeaderTotal, map[string]string{"header": label, "mode": cfg.Mode})
				}
			}
			csv := strings.Join(dups, ",")
			if cfg.Mode == "block" {
				lg.Warn("duplicate headers blocked", "headers", csv)
				w.Header().Set("Connection", "close")
				w.Header().Set("X-Guardrail-Duplicate-Header-Blocked", csv)
				writeJSONError(w, http.StatusBadRequest, "bad_request", "duplicate headers: "+csv)
				return
			}
			w.Header().Set("X-Guardrail-Duplicate-Header-Audit", csv)
			next.ServeHTTP(w, r)
		})
	}
}

// HeaderLimits enforces max header count and max value size with 431.
func HeaderLimits(cfg config.HeaderLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	lg := logger.With("component", "header_limits")
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count := 0
			reason := ""
			for _, vals := range r.Header {
				count += len(vals)
				for _, v := range vals {
					if cfg.MaxValueBytes > 0 && len(v) > cfg.MaxValueBytes {
						reason = "value_len"
					}
				}
			}
			if reason == "" && cfg.MaxCount > 0 && count > cfg.MaxCount {
				reason = "count"
			}
			if reason == "" {
				next.ServeHTTP(w, r)
				return
			}
			lg.Warn("header limits exceeded", "reason", reason, "count", count)
			w.Header().Set("Connection", "close")
			w.Header().Set("X-Guardrail-Header-Limit-Blocked", reason)
			writeJSONError(w, http.StatusRequestHeaderFieldsTooLarge, "header_limit_exceeded", "header "+reason+" limit exceeded")
		})
	}
}

func lowerSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out
}
