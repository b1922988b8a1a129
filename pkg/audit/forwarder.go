package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer is the seam for the forwarder's HTTP client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Forwarder ships audit NDJSON batches to an external collector over
// HTTPS: bearer token auth, gzip body, HMAC signature over "ts.body".
// Delivery is fire-and-forget; failures are logged at debug and dropped.
type Forwarder struct {
	url    string
	token  string
	secret []byte
	client HTTPDoer
	queue  chan []byte
	clock  func() time.Time
	logger *slog.Logger
}

// NewForwarder creates a Forwarder. The background sender starts
// immediately and drains until ctx is cancelled.
func NewForwarder(ctx context.Context, url, token, hmacSecret string, client HTTPDoer) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	f := &Forwarder{
		url:    url,
		token:  token,
		secret: []byte(hmacSecret),
		client: client,
		queue:  make(chan []byte, 1024),
		clock:  time.Now,
		logger: slog.Default().With("component", "audit_forwarder"),
	}
	go f.run(ctx)
	return f
}

// Enqueue adds a line for delivery. A full queue drops the line rather
// than blocking the request path.
func (f *Forwarder) Enqueue(line []byte) {
	select {
	case f.queue <- line:
	default:
		f.logger.Debug("audit forward queue full, dropping event")
	}
}

func (f *Forwarder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-f.queue:
			f.send(ctx, line)
		}
	}
}

func (f *Forwarder) send(ctx context.Context, body []byte) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		f.logger.Debug("audit forward gzip failed", "error", err)
		return
	}
	if err := gz.Close(); err != nil {
		f.logger.Debug("audit forward gzip close failed", "error", err)
		return
	}

	ts := strconv.FormatInt(f.clock().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, &buf)
	if err != nil {
		f.logger.Debug("audit forward request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Content-Encoding", "gzip")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if len(f.secret) > 0 {
		mac := hmac.New(sha256.New, f.secret)
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		req.Header.Set("X-Audit-Timestamp", ts)
		req.Header.Set("X-Audit-Signature", fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil))))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("audit forward failed", "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		f.logger.Debug("audit forward rejected", "status", resp.StatusCode)
	}
}
