package idempotency

import (
	"bytes"
	"net/http"
	"strings"
)

// responseCapture buffers the downstream response so the engine can decide
// the idempotency tag and cache the body after the handler returns. Headers
// are not sent to the client until the buffered body overflows, the handler
// flushes (streaming), or finalize runs.
type responseCapture struct {
	rw          http.ResponseWriter
	maxBytes    int64
	status      int
	wroteHeader bool
	passthrough bool
	streamed    bool
	overflowed  bool
	body        bytes.Buffer
}

func newResponseCapture(rw http.ResponseWriter, maxBytes int64) *responseCapture {
	return &responseCapture{rw: rw, maxBytes: maxBytes, status: http.StatusOK}
}

func (c *responseCapture) Header() http.Header { return c.rw.Header() }

func (c *responseCapture) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if c.passthrough {
		return c.rw.Write(b)
	}
	if int64(c.body.Len()+len(b)) > c.maxBytes {
		c.overflowed = true
		c.beginPassthrough(statusSkippedSize)
		return c.rw.Write(b)
	}
	return c.body.Write(b)
}

// Flush marks the response as streaming and switches to pass-through so
// handler flushes reach the client.
func (c *responseCapture) Flush() {
	if !c.passthrough {
		c.streamed = true
		c.beginPassthrough(statusSkippedStrm)
	}
	if f, ok := c.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// beginPassthrough sends the real headers tagged with status and drains the
// buffer accumulated so far.
func (c *responseCapture) beginPassthrough(tag string) {
	c.rw.Header().Set("X-Idempotency-Status", tag)
	c.rw.WriteHeader(c.status)
	if c.body.Len() > 0 {
		_, _ = c.rw.Write(c.body.Bytes())
		c.body.Reset()
	}
	c.passthrough = true
}

// finalize flushes the buffered response. An empty tag leaves the status
// header unset. No-op when the response already went through.
func (c *responseCapture) finalize(tag string) {
	if c.passthrough {
		return
	}
	if tag != "" {
		c.rw.Header().Set("X-Idempotency-Status", tag)
	}
	c.rw.WriteHeader(c.status)
	if c.body.Len() > 0 {
		_, _ = c.rw.Write(c.body.Bytes())
	}
	c.passthrough = true
}

// storedHeaders snapshots the response headers for the cache: lower-cased
// names, engine bookkeeping headers excluded.
func (c *responseCapture) storedHeaders() map[string]string {
	out := make(map[string]string, len(c.rw.Header()))
	for name, values := range c.rw.Header() {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		switch lower {
		case "x-idempotency-status", "idempotency-key", "idempotency-replayed", "idempotency-replay-count":
			continue
		}
		out[lower] = values[0]
	}
	return out
}
