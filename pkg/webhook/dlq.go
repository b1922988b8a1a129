package webhook

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aegis-gw/aegis/pkg/contracts"
)

// DLQRecord is one dead-lettered delivery.
type DLQRecord struct {
	Ts     float64                 `json:"ts"`
	TsMs   int64                   `json:"ts_ms"`
	Reason string                  `json:"reason"`
	Event  contracts.DecisionEvent `json:"event"`
}

// DLQ is the append-only NDJSON dead-letter queue. A gauge hook keeps
// guardrail_webhook_dlq_length current, seeded from disk on construction.
type DLQ struct {
	mu      sync.Mutex
	path    string
	count   int
	onCount func(n int)
	clock   func() time.Time
}

// NewDLQ opens (or creates) the queue at path and seeds the count from the
// existing file. gauge may be nil.
func NewDLQ(path string, gauge func(n int)) (*DLQ, error) {
	d := &DLQ{path: path, onCount: gauge, clock: time.Now}
	n, err := d.countOnDisk()
	if err != nil {
		return nil, err
	}
	d.count = n
	d.emitCount()
	return d, nil
}

func (d *DLQ) countOnDisk() (int, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

func (d *DLQ) emitCount() {
	if d.onCount != nil {
		d.onCount(d.count)
	}
}

// Append dead-letters one event.
func (d *DLQ) Append(reason string, evt contracts.DecisionEvent) error {
	now := d.clock()
	rec := DLQRecord{
		Ts:     contracts.EpochSeconds(now),
		TsMs:   now.UnixMilli(),
		Reason: reason,
		Event:  evt,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dlq record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append dlq: %w", err)
	}
	d.count++
	d.emitCount()
	return nil
}

// Count returns the current queue length.
func (d *DLQ) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Stats aggregates queue contents by reason.
func (d *DLQ) Stats() (map[string]int, error) {
	recs, err := d.readAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, rec := range recs {
		out[rec.Reason]++
	}
	return out, nil
}

// Drain atomically takes every record off the queue for requeueing.
func (d *DLQ) Drain() ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	recs, err := d.readAllLocked()
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(d.path, 0); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("truncate dlq: %w", err)
	}
	d.count = 0
	d.emitCount()
	return recs, nil
}

// Purge truncates the queue.
func (d *DLQ) Purge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Truncate(d.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate dlq: %w", err)
	}
	d.count = 0
	d.emitCount()
	return nil
}

func (d *DLQ) readAll() ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readAllLocked()
}

func (d *DLQ) readAllLocked() ([]DLQRecord, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()

	var out []DLQRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec DLQRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // skip corrupt lines rather than wedging the queue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
