package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncScript rolls expired windows and increments both counters
// when neither limit is hit, in one atomic step.
// KEYS[1] = hash key
// ARGV[1] = day window start (unix), ARGV[2] = month window start (unix)
// ARGV[3] = per-day limit (0 = unlimited), ARGV[4] = per-month limit
// ARGV[5] = inc (1 for CheckAndInc, 0 for Peek)
// Returns {allowed, day_count, month_count}
var checkAndIncScript = redis.NewScript(`
local day_start = tonumber(ARGV[1])
local month_start = tonumber(ARGV[2])
local per_day = tonumber(ARGV[3])
local per_month = tonumber(ARGV[4])
local inc = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "day_start", "day_count", "month_start", "month_count")
local ds = tonumber(state[1])
local dc = tonumber(state[2]) or 0
local ms = tonumber(state[3])
local mc = tonumber(state[4]) or 0

if ds ~= day_start then
    ds = day_start
    dc = 0
end
if ms ~= month_start then
    ms = month_start
    mc = 0
end

local allowed = 1
if per_day > 0 and dc >= per_day then
    allowed = 0
end
if per_month > 0 and mc >= per_month then
    allowed = 0
end

if allowed == 1 and inc == 1 then
    dc = dc + 1
    mc = mc + 1
end
redis.call("HMSET", KEYS[1], "day_start", ds, "day_count", dc, "month_start", ms, "month_count", mc)
redis.call("EXPIRE", KEYS[1], 40 * 86400)

return {allowed, dc, mc}
`)

// RedisStore shares quota windows across replicas.
type RedisStore struct {
	client   redis.UniversalClient
	perDay   int64
	perMonth int64
	clock    func() time.Time
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient, perDay, perMonth int64) *RedisStore {
	return &RedisStore{client: client, perDay: perDay, perMonth: perMonth, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func quotaHashKey(key string) string { return "quota:" + key }

func (s *RedisStore) run(ctx context.Context, key string, inc int) (Result, error) {
	now := s.clock()
	res, err := checkAndIncScript.Run(ctx, s.client, []string{quotaHashKey(key)},
		dayStart(now).Unix(), monthStart(now).Unix(), s.perDay, s.perMonth, inc).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("quota check: %w", err)
	}
	if len(res) != 3 {
		return Result{}, fmt.Errorf("quota check: unexpected script reply")
	}
	allowed, dc, mc := res[0] == 1, res[1], res[2]

	out := Result{
		Allowed:  allowed,
		Reason:   ReasonOK,
		DayLimit: s.perDay, MonthLimit: s.perMonth,
		DayRemaining:   remaining(s.perDay, dc),
		MonthRemaining: remaining(s.perMonth, mc),
		Reset:          nextDay(now),
	}
	if !allowed {
		dayBlocked := s.perDay > 0 && dc >= s.perDay
		monthBlocked := s.perMonth > 0 && mc >= s.perMonth
		switch {
		case dayBlocked && monthBlocked && nextMonth(now).Before(nextDay(now)):
			out.Reason, out.Reset = ReasonMonth, nextMonth(now)
		case dayBlocked:
			out.Reason, out.Reset = ReasonDay, nextDay(now)
		default:
			out.Reason, out.Reset = ReasonMonth, nextMonth(now)
		}
		out.RetryAfter = out.Reset.Sub(now)
	}
	return out, nil
}

func (s *RedisStore) CheckAndInc(ctx context.Context, key string) (Result, error) {
	return s.run(ctx, key, 1)
}

func (s *RedisStore) Peek(ctx context.Context, key string) (Result, error) {
	return s.run(ctx, key, 0)
}

func (s *RedisStore) ResetKey(ctx context.Context, key string, which Which) error {
	fields := []string{}
	switch which {
	case WhichDay:
		fields = append(fields, "day_count")
	case WhichMonth:
		fields = append(fields, "month_count")
	default:
		fields = append(fields, "day_count", "month_count")
	}
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f, 0)
	}
	if err := s.client.HSet(ctx, quotaHashKey(key), args...).Err(); err != nil {
		return fmt.Errorf("quota reset: %w", err)
	}
	return nil
}
