package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// HTTPDoer is the client seam for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const httpAssessMaxBody = 1 << 20

// HTTPProvider assesses text by POSTing it to an external verifier
// service. The service answers {"status","reason","tokens_used"} with
// status in {safe, unsafe, ambiguous}.
type HTTPProvider struct {
	name   string
	url    string
	token  string
	client HTTPDoer
}

// NewHTTPProvider builds a provider named name posting to url. token is
// optional; client may be nil.
func NewHTTPProvider(name, url, token string, client HTTPDoer) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{name: name, url: url, token: token, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

type httpAssessRequest struct {
	Text          string `json:"text"`
	Tenant        string `json:"tenant"`
	Bot           string `json:"bot"`
	RequestID     string `json:"request_id"`
	PolicyVersion string `json:"policy_version"`
}

type httpAssessResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	TokensUsed int    `json:"tokens_used"`
}

// Assess classifies text via the remote service. A 429 becomes
// RateLimitedError carrying the server's Retry-After hint.
func (p *HTTPProvider) Assess(ctx context.Context, text string, meta Meta) (contracts.VerifierOutcome, error) {
	body, err := json.Marshal(httpAssessRequest{
		Text:          text,
		Tenant:        meta.Tenant,
		Bot:           meta.Bot,
		RequestID:     meta.RequestID,
		PolicyVersion: meta.PolicyVersion,
	})
	if err != nil {
		return contracts.VerifierOutcome{}, fmt.Errorf("marshal assess request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return contracts.VerifierOutcome{}, fmt.Errorf("build assess request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return contracts.VerifierOutcome{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return contracts.VerifierOutcome{}, &RateLimitedError{RetryAfter: retryAfterOf(resp)}
	case resp.StatusCode != http.StatusOK:
		return contracts.VerifierOutcome{}, fmt.Errorf("verifier %s answered %d", p.name, resp.StatusCode)
	}

	var parsed httpAssessResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, httpAssessMaxBody)).Decode(&parsed); err != nil {
		return contracts.VerifierOutcome{}, fmt.Errorf("decode assess response: %w", err)
	}
	status := contracts.VerdictStatus(parsed.Status)
	switch status {
	case contracts.VerdictSafe, contracts.VerdictUnsafe, contracts.VerdictAmbiguous:
	default:
		return contracts.VerifierOutcome{}, fmt.Errorf("verifier %s returned unknown status %q", p.name, parsed.Status)
	}
	return contracts.VerifierOutcome{
		Status:     status,
		Reason:     parsed.Reason,
		Provider:   p.name,
		TokensUsed: parsed.TokensUsed,
	}, nil
}

func retryAfterOf(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
