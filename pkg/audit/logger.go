// Package audit records security-relevant gateway events as append-only
// NDJSON and optionally forwards them to an external collector. Audit
// failures never surface to the request path.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a structured audit record, one JSON object per NDJSON line.
type Event struct {
	ID         string         `json:"id"`
	Ts         float64        `json:"ts"`
	Tenant     string         `json:"tenant,omitempty"`
	Bot        string         `json:"bot,omitempty"`
	Kind       string         `json:"kind"`
	IncidentID string         `json:"incident_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Logger appends audit events to a writer and fans out to a Forwarder when
// one is configured.
type Logger struct {
	mu        sync.Mutex
	writer    io.Writer
	forwarder *Forwarder
	clock     func() time.Time
	logger    *slog.Logger
}

// NewLogger creates a Logger writing to w. A nil writer falls back to
// os.Stdout.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		writer: w,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithForwarder attaches the optional HTTPS forwarder.
func (l *Logger) WithForwarder(f *Forwarder) *Logger {
	l.forwarder = f
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Record writes one event. Errors are swallowed: audit is best-effort and
// must never block or fail the request being audited.
func (l *Logger) Record(kind string, evt Event) {
	evt.Kind = kind
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Ts == 0 {
		evt.Ts = float64(l.clock().UnixNano()) / 1e9
	}

	line, err := json.Marshal(evt)
	if err != nil {
		l.logger.Debug("audit marshal failed", "kind", kind, "error", err)
		return
	}

	l.mu.Lock()
	_, werr := l.writer.Write(append(line, '\n'))
	l.mu.Unlock()
	if werr != nil {
		l.logger.Debug("audit write failed", "kind", kind, "error", werr)
	}

	if l.forwarder != nil {
		l.forwarder.Enqueue(append(line, '\n'))
	}
}
