package pipeline

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gw/aegis/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
}

func TestPathGuardRejectsTraversal(t *testing.T) {
	h := PathGuard(nil, discardLogger())(okHandler())
	for _, path := range []string{
		"/a/../etc/passwd",
		"/a/%2e%2e/secret",
		"/a/%252e%252e/secret", // double-encoded
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		require.Equal(t, 400, rec.Code, path)
		assert.JSONEq(t, `{"error":"bad_request","detail":"invalid path"}`, rec.Body.String())
	}
}

func TestPathGuardRejectsHomoglyphSlashes(t *testing.T) {
	h := PathGuard(nil, discardLogger())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/a/%E2%88%95etc", nil))
	assert.Equal(t, 400, rec.Code)
}

func TestPathGuardAllowsNormalPaths(t *testing.T) {
	h := PathGuard(nil, discardLogger())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/guardrail/evaluate", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestTraceGuardDropsMalformedTraceparent(t *testing.T) {
	var sawTraceparent string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTraceparent = r.Header.Get("traceparent")
	})
	h := TraceGuard()(inner)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", "not-a-trace")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, sawTraceparent)
	assert.Empty(t, rec.Header().Get("traceparent"))
}

func TestTraceGuardEchoesValidTraceparent(t *testing.T) {
	h := TraceGuard()(okHandler())
	tp := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", tp)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, tp, rec.Header().Get("traceparent"))
}

func TestTraceGuardMintsRequestID(t *testing.T) {
	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestID(r)
	})
	h := TraceGuard()(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Regexp(t, "^[a-f0-9]{32}$", got)
	assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
}

func TestTraceGuardKeepsValidRequestID(t *testing.T) {
	h := TraceGuard()(okHandler())
	rid := strings.Repeat("ab", 10)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", rid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, rid, rec.Header().Get("X-Request-ID"))
}

func TestTraceGuardReplacesInvalidRequestID(t *testing.T) {
	h := TraceGuard()(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "UPPER-and-dashes")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Regexp(t, "^[a-f0-9]{32}$", rec.Header().Get("X-Request-ID"))
}

func dupCfg(mode string) config.DupHeaderConfig {
	return config.DupHeaderConfig{
		Mode:       mode,
		UniqueSet:  []string{"content-type", "idempotency-key"},
		AllowNames: []string{"content-type"},
	}
}

func TestDupHeaderBlock(t *testing.T) {
	h := DupHeaderGuard(dupCfg("block"), nil, discardLogger())(okHandler())
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Add("Idempotency-Key", "a")
	req.Header.Add("Idempotency-Key", "b")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Equal(t, "idempotency-key", rec.Header().Get("X-Guardrail-Duplicate-Header-Blocked"))
}

func TestDupHeaderLogAttachesAudit(t *testing.T) {
	h := DupHeaderGuard(dupCfg("log"), nil, discardLogger())(okHandler())
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "content-type", rec.Header().Get("X-Guardrail-Duplicate-Header-Audit"))
}

func TestDupHeaderIgnoresNonUniqueNames(t *testing.T) {
	h := DupHeaderGuard(dupCfg("block"), nil, discardLogger())(okHandler())
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Add("Accept", "a")
	req.Header.Add("Accept", "b")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestHeaderLimitCount(t *testing.T) {
	cfg := config.HeaderLimitConfig{Enabled: true, MaxCount: 3, MaxValueBytes: 1024}
	h := HeaderLimits(cfg, discardLogger())(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	for i := 0; i < 5; i++ {
		req.Header.Add("X-Pad", "v")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 431, rec.Code)
	assert.Equal(t, "count", rec.Header().Get("X-Guardrail-Header-Limit-Blocked"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestHeaderLimitValueLen(t *testing.T) {
	cfg := config.HeaderLimitConfig{Enabled: true, MaxCount: 100, MaxValueBytes: 16}
	h := HeaderLimits(cfg, discardLogger())(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Big", strings.Repeat("v", 64))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 431, rec.Code)
	assert.Equal(t, "value_len", rec.Header().Get("X-Guardrail-Header-Limit-Blocked"))
}

func TestHeaderLimitDisabledPassesThrough(t *testing.T) {
	cfg := config.HeaderLimitConfig{Enabled: false, MaxCount: 1}
	h := HeaderLimits(cfg, discardLogger())(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("A", "1")
	req.Header.Set("B", "2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}
