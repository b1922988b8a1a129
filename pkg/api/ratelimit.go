package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter applies a per-IP token bucket to the public endpoints. Stale
// visitors are swept in the background so the map stays bounded.
type ipLimiter struct {
	mu         sync.Mutex
	visitors   map[string]*visitor
	rps        rate.Limit
	burst      int
	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps, burst int) *ipLimiter {
	return newIPLimiterEvery(rps, burst, time.Minute)
}

func newIPLimiterEvery(rps, burst int, every time.Duration) *ipLimiter {
	l := &ipLimiter{
		visitors:   make(map[string]*visitor),
		rps:        rate.Limit(rps),
		burst:      burst,
		sweepEvery: every,
		stop:       make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Close stops the background sweeper. Safe to call more than once.
func (l *ipLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	lim := v.limiter
	l.mu.Unlock()
	return lim.Allow()
}

func (l *ipLimiter) sweep() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		select {
		case <-l.stop:
			return
		default:
		}
		cutoff := time.Now().Add(-3 * l.sweepEvery)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware enforces the limit keyed by the remote IP.
func (l *ipLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, "rate_limited", "per-IP request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
