package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiterSweepEvictsStaleVisitors(t *testing.T) {
	l := newIPLimiterEvery(1, 1, 5*time.Millisecond)
	defer l.Close()

	l.allow("1.2.3.4")
	l.mu.Lock()
	l.visitors["1.2.3.4"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.visitors) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestIPLimiterCloseStopsSweep(t *testing.T) {
	l := newIPLimiterEvery(1, 1, 5*time.Millisecond)
	l.Close()
	l.Close() // idempotent

	// Let any pass that was already ticking drain, then plant a stale
	// visitor: with the sweeper stopped it must survive.
	time.Sleep(25 * time.Millisecond)
	l.allow("5.6.7.8")
	l.mu.Lock()
	l.visitors["5.6.7.8"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()
	time.Sleep(25 * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.visitors, 1)
}
