// Package bus is the in-process decision event bus: a bounded ring of
// recent events, an append-only NDJSON log, and live fan-out to
// subscribers. Publication order is the order in which Publish returns;
// a slow subscriber loses events rather than reordering or blocking the
// publisher.
package bus

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

const defaultRingSize = 2000

// Bus is the decision event bus.
type Bus struct {
	mu          sync.Mutex
	ring        []contracts.DecisionEvent
	ringSize    int
	writer      io.Writer
	subscribers map[int]chan contracts.DecisionEvent
	nextSubID   int
	clock       func() time.Time
	logger      *slog.Logger

	onSubChange func(count int) // optional gauge hook
}

// Option configures a Bus.
type Option func(*Bus)

// WithRingSize overrides the bounded history size.
func WithRingSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

// WithSubscriberGauge registers a hook called with the subscriber count on
// every subscribe/unsubscribe.
func WithSubscriberGauge(fn func(count int)) Option {
	return func(b *Bus) { b.onSubChange = fn }
}

// New creates a Bus appending NDJSON lines to w. A nil writer disables the
// persistent log.
func New(w io.Writer, opts ...Option) *Bus {
	b := &Bus{
		ringSize:    defaultRingSize,
		writer:      w,
		subscribers: make(map[int]chan contracts.DecisionEvent),
		clock:       time.Now,
		logger:      slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps ts if absent, appends to the ring and the NDJSON log, and
// fans out to live subscribers with non-blocking sends.
func (b *Bus) Publish(evt contracts.DecisionEvent) {
	if evt.Ts == 0 {
		evt.Ts = contracts.EpochSeconds(b.clock())
	}

	b.mu.Lock()
	b.ring = append(b.ring, evt)
	if len(b.ring) > b.ringSize {
		b.ring = b.ring[len(b.ring)-b.ringSize:]
	}
	if b.writer != nil {
		if line, err := json.Marshal(evt); err == nil {
			if _, werr := b.writer.Write(append(line, '\n')); werr != nil {
				b.logger.Debug("decision log write failed", "error", werr)
			}
		}
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Backpressure: the subscriber is not keeping up. Drop the
			// event for this subscriber; order of delivered events is
			// still publish order.
			_ = id
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a live event channel. The returned cancel func must
// be called on disconnect.
func (b *Bus) Subscribe() (<-chan contracts.DecisionEvent, func()) {
	ch := make(chan contracts.DecisionEvent, 64)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.onSubChange != nil {
		b.onSubChange(count)
	}

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
		remaining := len(b.subscribers)
		b.mu.Unlock()
		if b.onSubChange != nil {
			b.onSubChange(remaining)
		}
	}
	return ch, cancel
}

// Recent returns a snapshot of the ring matching the filter.
func (b *Bus) Recent(f Filter) []contracts.DecisionEvent {
	b.mu.Lock()
	snapshot := make([]contracts.DecisionEvent, len(b.ring))
	copy(snapshot, b.ring)
	b.mu.Unlock()
	return f.Apply(snapshot)
}
