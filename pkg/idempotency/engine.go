package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-gw/aegis/pkg/config"
	"github.com/aegis-gw/aegis/pkg/contracts"
	"github.com/aegis-gw/aegis/pkg/metrics"
)

// keyPattern is the accepted idempotency key alphabet.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._\-:/]{1,200}$`)

// X-Idempotency-Status values.
const (
	statusStored      = "stored"
	statusReplayed    = "replayed"
	statusConflict    = "conflict"
	statusObserved    = "observed"
	statusBypass      = "bypass"
	statusSkippedSize = "skipped:size"
	statusSkippedStrm = "skipped:stream"
)

const followerInitialWait = 20 * time.Millisecond

// Identity extracts the (tenant, bot) pair the engine scopes keys by.
type Identity func(r *http.Request) (tenant, bot string)

func headerIdentity(r *http.Request) (string, string) {
	tenant := r.Header.Get("X-Guardrail-Tenant")
	if tenant == "" {
		tenant = r.Header.Get("X-Tenant-ID")
	}
	if tenant == "" {
		tenant = "public"
	}
	bot := r.Header.Get("X-Guardrail-Bot")
	if bot == "" {
		bot = r.Header.Get("X-Bot-ID")
	}
	if bot == "" {
		bot = "default"
	}
	return tenant, bot
}

// Engine is the idempotency HTTP middleware: leader election per key,
// response caching, follower polling, replay accounting.
type Engine struct {
	store    Store
	cfg      config.IdempotencyConfig
	metrics  *metrics.Registry
	logger   *slog.Logger
	identity Identity
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	methods  map[string]bool
}

// NewEngine builds the engine around a Store.
func NewEngine(store Store, cfg config.IdempotencyConfig, reg *metrics.Registry, logger *slog.Logger) *Engine {
	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = true
	}
	return &Engine{
		store:    store,
		cfg:      cfg,
		metrics:  reg,
		logger:   logger.With("component", "idempotency"),
		identity: headerIdentity,
		clock:    time.Now,
		sleep:    ctxSleep,
		methods:  methods,
	}
}

// WithIdentity overrides tenant/bot extraction.
func (e *Engine) WithIdentity(fn Identity) *Engine {
	e.identity = fn
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
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

// Store exposes the backing store for the admin surface.
func (e *Engine) Store() Store { return e.store }

// Middleware wraps next with idempotency handling. Requests without a key,
// or with a method outside the configured set, pass straight through.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.methods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			key = r.Header.Get("X-Idempotency-Key")
		}
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !keyPattern.MatchString(key) {
			writeEngineError(w, http.StatusBadRequest, "bad_request", "idempotency key must match ^[A-Za-z0-9._\\-:/]{1,200}$")
			return
		}
		w.Header().Set("Idempotency-Key", key)

		if wantsStream(r) {
			w.Header().Set("X-Idempotency-Status", statusSkippedStrm)
			next.ServeHTTP(w, r)
			return
		}

		body, overflow, err := e.readBody(r)
		if err != nil {
			writeEngineError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
			return
		}
		if overflow {
			w.Header().Set("X-Idempotency-Status", statusSkippedSize)
			next.ServeHTTP(w, r)
			return
		}

		tenant, bot := e.identity(r)
		fp := contracts.PayloadFingerprint(r.Method, r.URL.Path, tenant, bot, contracts.BodyHash(body))

		if e.cfg.Mode == "observe" {
			e.observe(w, r, next, tenant, key)
			return
		}
		e.handle(w, r, next, tenant, bot, key, fp)
	})
}

// observe mode records the key in the store's recent index and counts
// would-be replays without changing any response.
func (e *Engine) observe(w http.ResponseWriter, r *http.Request, next http.Handler, tenant, key string) {
	ctx := r.Context()
	if _, err := e.store.Get(ctx, tenant, key); err == nil {
		if _, berr := e.store.BumpReplay(ctx, tenant, key, 0); berr == nil {
			e.recordReplay(tenant)
		}
	}
	w.Header().Set("X-Idempotency-Status", statusObserved)
	next.ServeHTTP(w, r)
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request, next http.Handler, tenant, bot, key, fp string) {
	ctx := r.Context()
	lg := e.logger.With("tenant", tenant, "key", MaskKey(key))

	meta, err := e.store.Meta(ctx, tenant, key)
	if err != nil {
		e.storeFailure(w, r, next, lg, err)
		return
	}

	switch {
	case meta.Locked && meta.PayloadFingerprint != fp:
		// A different payload is mid-flight under this key.
		w.Header().Set("X-Idempotency-Status", statusConflict)
		w.Header().Set("Retry-After", strconv.Itoa(int(e.cfg.LockTTL/time.Second)))
		writeEngineError(w, http.StatusConflict, "conflict", "another request with a different payload is in progress for this idempotency key")
		return

	case meta.Locked:
		e.follow(w, r, next, tenant, bot, key, fp, lg)
		return

	case meta.State == contracts.IdemStored && (meta.PayloadFingerprint == "" || meta.PayloadFingerprint == fp):
		if e.replay(w, r, tenant, key, lg) {
			return
		}
		// Value expired between Meta and Get; fall through to lead.
	}

	// Fresh run: either idle, released, or stored under a different
	// fingerprint (which a successful execution overwrites).
	e.lead(w, r, next, tenant, bot, key, fp, lg)
}

// lead runs leader election and, on success, executes downstream and caches
// the response. On a lost election it degrades to the follower path.
func (e *Engine) lead(w http.ResponseWriter, r *http.Request, next http.Handler, tenant, bot, key, fp string, lg *slog.Logger) {
	ctx := r.Context()
	acquired, owner, err := e.store.AcquireLeader(ctx, tenant, key, e.cfg.LockTTL, fp)
	if err != nil {
		e.storeFailure(w, r, next, lg, err)
		return
	}
	if !acquired {
		e.follow(w, r, next, tenant, bot, key, fp, lg)
		return
	}

	// The lock must not outlive this request, exception paths included.
	// After a successful Put the lock is already gone and this release is
	// an owner-scoped no-op.
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := e.store.Release(rctx, tenant, key, owner); rerr != nil {
			lg.Warn("lock release failed", "error", rerr)
		}
	}()

	w.Header().Set("Idempotency-Replayed", "false")
	rec := newResponseCapture(w, e.cfg.BodyMaxBytes)
	next.ServeHTTP(rec, r)

	switch {
	case rec.streamed, rec.overflowed:
		// Already tagged and passed through; nothing to cache.
	case rec.status >= http.StatusInternalServerError:
		// Server errors are not cached; a client retry gets a fresh run.
		rec.finalize("")
	default:
		body := make([]byte, rec.body.Len())
		copy(body, rec.body.Bytes())
		stored := &contracts.StoredResponse{
			StatusCode:  rec.status,
			Headers:     rec.storedHeaders(),
			Body:        body,
			ContentType: rec.Header().Get("Content-Type"),
			StoredAt:    contracts.EpochSeconds(e.clock()),
			ReplayCount: 0,
			BodySHA256:  contracts.BodyHash(body),
		}
		rec.finalize(statusStored)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if perr := e.store.Put(pctx, tenant, key, stored, e.cfg.ValueTTL); perr != nil {
			lg.Warn("store put failed", "error", perr)
		}
	}
}

// follow polls for the leader's stored response with exponential backoff
// plus jitter, up to the wait budget.
func (e *Engine) follow(w http.ResponseWriter, r *http.Request, next http.Handler, tenant, bot, key, fp string, lg *slog.Logger) {
	ctx := r.Context()
	deadline := e.clock().Add(e.cfg.WaitBudget)
	wait := followerInitialWait

	for e.clock().Before(deadline) {
		step := wait + time.Duration(rand.Int63n(int64(wait/2)+1))
		if remain := deadline.Sub(e.clock()); step > remain {
			step = remain
		}
		if err := e.sleep(ctx, step); err != nil {
			// Client went away while waiting.
			return
		}
		e.metrics.Inc(metrics.IdempBackoffTotal, map[string]string{"tenant": tenant})
		wait *= 2

		meta, err := e.store.Meta(ctx, tenant, key)
		if err != nil {
			e.storeFailure(w, r, next, lg, err)
			return
		}
		if meta.Locked {
			if meta.PayloadFingerprint != fp {
				w.Header().Set("X-Idempotency-Status", statusConflict)
				w.Header().Set("Retry-After", strconv.Itoa(int(e.cfg.LockTTL/time.Second)))
				writeEngineError(w, http.StatusConflict, "conflict", "another request with a different payload is in progress for this idempotency key")
				return
			}
			continue
		}
		if meta.State == contracts.IdemStored {
			if e.replay(w, r, tenant, key, lg) {
				return
			}
		}
		// Lock gone without a stored value (leader failed): take over.
		e.lead(w, r, next, tenant, bot, key, fp, lg)
		return
	}

	// Budget exhausted with the lock still held.
	e.metrics.Inc(metrics.IdempStuckLocksTotal, map[string]string{"tenant": tenant})
	lg.Warn("follower wait budget exhausted", "budget", e.cfg.WaitBudget)
	if e.cfg.StrictFailClosed {
		w.Header().Set("X-Idempotency-Status", statusConflict)
		w.Header().Set("Retry-After", strconv.Itoa(int(e.cfg.LockTTL/time.Second)))
		writeEngineError(w, http.StatusConflict, "conflict", "request for this idempotency key is still in progress")
		return
	}
	e.lead(w, r, next, tenant, bot, key, fp, lg)
}

// replay serves the stored response. Returns false when the value expired
// underneath us and the caller should run fresh.
func (e *Engine) replay(w http.ResponseWriter, r *http.Request, tenant, key string, lg *slog.Logger) bool {
	ctx := r.Context()
	stored, err := e.store.Get(ctx, tenant, key)
	if err != nil {
		return false
	}

	touch := time.Duration(0)
	if e.cfg.TouchOnReplay {
		touch = e.cfg.ValueTTL
	}
	count, err := e.store.BumpReplay(ctx, tenant, key, touch)
	if err != nil {
		return false
	}
	if e.cfg.TouchOnReplay {
		e.metrics.Inc(metrics.IdempTouchesTotal, map[string]string{"tenant": tenant})
	}
	e.recordReplay(tenant)

	h := w.Header()
	for name, value := range stored.Headers {
		h.Set(name, value)
	}
	if stored.ContentType != "" {
		h.Set("Content-Type", stored.ContentType)
	}
	h.Set("X-Idempotency-Status", statusReplayed)
	h.Set("Idempotency-Replayed", "true")
	h.Set("Idempotency-Replay-Count", strconv.FormatInt(count, 10))
	w.WriteHeader(stored.StatusCode)
	if _, werr := w.Write(stored.Body); werr != nil {
		lg.Debug("replay write failed", "error", werr)
	}
	return true
}

// storeFailure applies the strict_fail_closed policy to a backend error.
func (e *Engine) storeFailure(w http.ResponseWriter, r *http.Request, next http.Handler, lg *slog.Logger, err error) {
	lg.Error("idempotency store unavailable", "error", err)
	if e.cfg.StrictFailClosed {
		writeEngineError(w, http.StatusServiceUnavailable, "store_unavailable", "idempotency store unavailable")
		return
	}
	w.Header().Set("X-Idempotency-Status", statusBypass)
	next.ServeHTTP(w, r)
}

func (e *Engine) recordReplay(tenant string) {
	labels := map[string]string{"tenant": tenant}
	e.metrics.Add(metrics.IdempReplaySum, 1, labels)
	e.metrics.Inc(metrics.IdempReplayCount, labels)
}

// readBody buffers up to BodyMaxBytes and restores r.Body. overflow=true
// means the body exceeded the cap; the unread remainder is preserved.
func (e *Engine) readBody(r *http.Request) (body []byte, overflow bool, err error) {
	if r.Body == nil {
		return nil, false, nil
	}
	limited := io.LimitReader(r.Body, e.cfg.BodyMaxBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	if int64(len(buf)) > e.cfg.BodyMaxBytes {
		r.Body = readCloser{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		return nil, true, nil
	}
	r.Body = readCloser{bytes.NewReader(buf), r.Body}
	return buf, false, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeEngineError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "detail": detail})
}
