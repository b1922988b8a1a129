package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

func TestHTTPProviderAssess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req httpAssessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "check this", req.Text)
		assert.Equal(t, "t1", req.Tenant)
		_ = json.NewEncoder(w).Encode(httpAssessResponse{Status: "unsafe", Reason: "exfiltration", TokensUsed: 12})
	}))
	defer srv.Close()

	p := NewHTTPProvider("guard", srv.URL, "tok", srv.Client())
	out, err := p.Assess(context.Background(), "check this", Meta{Tenant: "t1", Bot: "b1"})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictUnsafe, out.Status)
	assert.Equal(t, "guard", out.Provider)
	assert.Equal(t, 12, out.TokensUsed)
}

func TestHTTPProviderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider("guard", srv.URL, "", srv.Client())
	_, err := p.Assess(context.Background(), "x", Meta{})
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestHTTPProviderRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "maybe"})
	}))
	defer srv.Close()

	p := NewHTTPProvider("guard", srv.URL, "", srv.Client())
	_, err := p.Assess(context.Background(), "x", Meta{})
	assert.Error(t, err)
}

func TestHTTPProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider("guard", srv.URL, "", srv.Client())
	_, err := p.Assess(context.Background(), "x", Meta{})
	assert.ErrorContains(t, err, "502")
}
