package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one submission attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter throttles export submissions per operator with a token bucket kept
// in Redis, so every API replica shares the same budget.
type Limiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewLimiter builds a limiter. A non-positive capacity disables limiting.
func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		prefix:   "ratelimit:exports:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token from the operator's bucket if one is available.
func (l *Limiter) Allow(ctx context.Context, operator string) (Decision, error) {
	if l.capacity <= 0 {
		return Decision{Allowed: true, Remaining: math.Inf(1)}, nil
	}
	now := l.now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + operator},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: parse tokens %q: %w", raw, err)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		d.RetryAfter = l.retryAfter(tokens)
	}
	return d, nil
}

func (l *Limiter) retryAfter(tokens float64) time.Duration {
	if l.refill <= 0 {
		return l.ttl
	}
	missing := 1 - tokens
	return time.Duration(math.Ceil(missing/l.refill*1000)) * time.Millisecond
}

// Tokens are returned as a string: Redis truncates Lua numbers to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
