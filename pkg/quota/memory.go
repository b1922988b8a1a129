package quota

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int64
}

type quotaEntry struct {
	day   window
	month window
}

// MemoryStore is the single-process quota backend.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*quotaEntry
	perDay   int64
	perMonth int64
	clock    func() time.Time
}

// NewMemoryStore creates a store with the given limits. A zero or negative
// limit disables that window.
func NewMemoryStore(perDay, perMonth int64) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*quotaEntry),
		perDay:   perDay,
		perMonth: perMonth,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// roll advances expired windows. Caller holds the mutex.
func (s *MemoryStore) roll(e *quotaEntry, now time.Time) {
	if ds := dayStart(now); !e.day.start.Equal(ds) {
		e.day = window{start: ds}
	}
	if ms := monthStart(now); !e.month.start.Equal(ms) {
		e.month = window{start: ms}
	}
}

func (s *MemoryStore) result(e *quotaEntry, now time.Time) Result {
	res := Result{
		Allowed:  true,
		Reason:   ReasonOK,
		DayLimit: s.perDay, MonthLimit: s.perMonth,
		DayRemaining:   remaining(s.perDay, e.day.count),
		MonthRemaining: remaining(s.perMonth, e.month.count),
		Reset:          nextDay(now),
	}

	dayBlocked := s.perDay > 0 && e.day.count >= s.perDay
	monthBlocked := s.perMonth > 0 && e.month.count >= s.perMonth
	switch {
	case dayBlocked && monthBlocked:
		// The tighter (sooner-resetting) window names the reason.
		res.Allowed, res.Reason, res.Reset = false, ReasonDay, nextDay(now)
		if nextMonth(now).Before(nextDay(now)) {
			res.Reason, res.Reset = ReasonMonth, nextMonth(now)
		}
	case dayBlocked:
		res.Allowed, res.Reason, res.Reset = false, ReasonDay, nextDay(now)
	case monthBlocked:
		res.Allowed, res.Reason, res.Reset = false, ReasonMonth, nextMonth(now)
	}
	if !res.Allowed {
		res.RetryAfter = res.Reset.Sub(now)
	}
	return res
}

func remaining(limit, count int64) int64 {
	if limit <= 0 {
		return -1
	}
	left := limit - count
	if left < 0 {
		return 0
	}
	return left
}

func (s *MemoryStore) CheckAndInc(_ context.Context, key string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.entries[key]
	if !ok {
		e = &quotaEntry{}
		s.entries[key] = e
	}
	s.roll(e, now)

	res := s.result(e, now)
	if !res.Allowed {
		return res, nil
	}
	e.day.count++
	e.month.count++
	res = s.result(e, now)
	res.Allowed = true
	res.Reason = ReasonOK
	res.RetryAfter = 0
	res.Reset = nextDay(now)
	return res, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.entries[key]
	if !ok {
		e = &quotaEntry{}
	}
	s.roll(e, now)
	return s.result(e, now), nil
}

func (s *MemoryStore) ResetKey(_ context.Context, key string, which Which) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	now := s.clock()
	if which == WhichDay || which == WhichBoth {
		e.day = window{start: dayStart(now)}
	}
	if which == WhichMonth || which == WhichBoth {
		e.month = window{start: monthStart(now)}
	}
	return nil
}
