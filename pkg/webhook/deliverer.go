package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/metrics"
)

// HTTPDoer is the client seam for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Delivery outcome labels for logs and DLQ reasons.
const (
	reasonCBOpen    = "cb_open"
	reasonExhausted = "retries_exhausted"
	reasonAbort4xx  = "http_4xx"
)

const retryChunkSize = 50

// Deliverer sends decision events to every configured webhook URL.
type Deliverer struct {
	cfg      config.WebhookConfig
	client   HTTPDoer
	breakers *BreakerRegistry
	dlq      *DLQ
	metrics  *metrics.Registry
	logger   *slog.Logger
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDeliverer wires the fan-out. dlq may be nil to disable dead-lettering;
// reg may be nil in tests.
func NewDeliverer(cfg config.WebhookConfig, client HTTPDoer, breakers *BreakerRegistry, dlq *DLQ, reg *metrics.Registry, logger *slog.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Deliverer{
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		dlq:      dlq,
		metrics:  reg,
		logger:   logger.With("component", "webhook"),
		clock:    time.Now,
		sleep:    ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fanout delivers evt to every configured URL concurrently and waits for
// all deliveries to settle. Callers on the request path should run it on a
// detached context in its own goroutine.
func (d *Deliverer) Fanout(ctx context.Context, evt contracts.DecisionEvent) {
	if len(d.cfg.URLs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, target := range d.cfg.URLs {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			d.deliver(ctx, target, evt)
		}(target)
	}
	wg.Wait()
}

// deliver runs the retry loop for one URL. The breaker is re-checked
// before every attempt, not just the first.
func (d *Deliverer) deliver(ctx context.Context, target string, evt contracts.DecisionEvent) {
	host := hostOf(target)
	body, err := json.Marshal(evt)
	if err != nil {
		d.logger.Error("event marshal failed", "error", err)
		return
	}

	deadline := d.clock().Add(d.cfg.BackoffHorizon)
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if !d.breakers.Allow(host) {
			d.abort(reasonCBOpen)
			d.deadLetter(reasonCBOpen, evt)
			return
		}

		status, err := d.post(ctx, target, body)
		switch {
		case err == nil && status >= 200 && status < 300:
			d.breakers.Success(host)
			return
		case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			// Permanent rejection: never retried, never dead-lettered.
			d.breakers.Failure(host)
			d.abort(reasonAbort4xx)
			d.logger.Warn("webhook rejected", "host", host, "status", status)
			return
		default:
			d.breakers.Failure(host)
			if err != nil {
				d.logger.Warn("webhook delivery failed", "host", host, "attempt", attempt, "error", err)
			} else {
				d.logger.Warn("webhook delivery failed", "host", host, "attempt", attempt, "status", status)
			}
		}

		if attempt == d.cfg.MaxRetries {
			break
		}
		delay := d.backoff(attempt)
		if d.clock().Add(delay).After(deadline) {
			d.logger.Warn("webhook backoff horizon exhausted", "host", host)
			break
		}
		if err := d.sleep(ctx, delay); err != nil {
			return
		}
	}
	d.deadLetter(reasonExhausted, evt)
}

// backoff computes decorrelated jitter: uniform(0.5, 1.5) of the
// exponential step, capped at BackoffMax.
func (d *Deliverer) backoff(attempt int) time.Duration {
	step := float64(d.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if capped := float64(d.cfg.BackoffMax); step > capped {
		step = capped
	}
	return time.Duration((0.5 + rand.Float64()) * step)
}

func (d *Deliverer) post(ctx context.Context, target string, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	sign(req.Header, d.cfg.Secret, d.clock().Unix(), body, d.cfg.SigningMode == "dual")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Deliverer) abort(reason string) {
	if d.metrics != nil {
		d.metrics.Inc(metrics.WebhookAbortTotal, map[string]string{"reason": reason})
	}
}

func (d *Deliverer) deadLetter(reason string, evt contracts.DecisionEvent) {
	if d.dlq == nil {
		return
	}
	if err := d.dlq.Append(reason, evt); err != nil {
		d.logger.Error("dlq append failed", "error", err)
	}
}

// RetryAll drains the DLQ and re-delivers in chunks, re-dead-lettering
// whatever fails again. Returns the number of records requeued.
func (d *Deliverer) RetryAll(ctx context.Context) (int, error) {
	if d.dlq == nil {
		return 0, nil
	}
	recs, err := d.dlq.Drain()
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(recs); start += retryChunkSize {
		end := start + retryChunkSize
		if end > len(recs) {
			end = len(recs)
		}
		for _, rec := range recs[start:end] {
			d.Fanout(ctx, rec.Event)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return len(recs), nil
}

// DLQ exposes the dead-letter queue for diagnostic endpoints. May be nil.
func (d *Deliverer) DLQ() *DLQ { return d.dlq }

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}
