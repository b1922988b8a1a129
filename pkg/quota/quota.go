// Package quota enforces fixed-window request quotas per key. Windows are
// UTC calendar-fixed: the day starts at 00:00:00Z and the month on the
// first at 00:00:00Z; both counters reset automatically when the window
// advances.
package quota

import (
	"context"
	"time"
)

// Reason explains why a request was blocked.
type Reason string

const (
	ReasonOK    Reason = "ok"
	ReasonDay   Reason = "day"
	ReasonMonth Reason = "month"
)

// Result is the outcome of one CheckAndInc or Peek.
type Result struct {
	Allowed        bool
	Reason         Reason
	RetryAfter     time.Duration
	DayRemaining   int64
	MonthRemaining int64
	DayLimit       int64
	MonthLimit     int64
	// Reset is when the binding window (the one that blocked, or the day
	// window when allowed) rolls over.
	Reset time.Time
}

// Which selects the window(s) an admin reset targets.
type Which string

const (
	WhichDay   Which = "day"
	WhichMonth Which = "month"
	WhichBoth  Which = "both"
)

// Store is the quota backend contract. CheckAndInc is atomic within the
// store.
type Store interface {
	CheckAndInc(ctx context.Context, key string) (Result, error)
	Peek(ctx context.Context, key string) (Result, error)
	ResetKey(ctx context.Context, key string, which Which) error
}

// dayStart truncates to the UTC day boundary.
func dayStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// monthStart returns the first of the current UTC month at midnight.
func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nextDay(t time.Time) time.Time { return dayStart(t).Add(24 * time.Hour) }

func nextMonth(t time.Time) time.Time {
	m := monthStart(t)
	return m.AddDate(0, 1, 0)
}
