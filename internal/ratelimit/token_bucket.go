// Package ratelimit throttles message intake per sender with a token bucket
// kept in Redis, so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the token balance after this call.
	Remaining float64
	// RetryAfter is how long until a token is available; zero when allowed
	// or when the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket. State lives in one Redis hash per key.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	perSec   float64
	idleTTL  time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding at most capacity tokens and refilling
// refillPerSecond tokens per second. Idle buckets expire after idleTTL.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, idleTTL time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		perSec:   refillPerSecond,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// SenderKey scopes a bucket to one inbound mail sender.
func SenderKey(sender string) string {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		sender = "unknown"
	}
	return "roster:rl:sender:" + sender
}

// Allow takes one token from key when one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	reply, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity, b.perSec, b.now().UnixMilli(), b.idleTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, eris.Wrapf(err, "rate limit %s", key)
	}
	if len(reply) != 3 {
		return Decision{}, eris.Errorf("rate limit %s: unexpected reply %v", key, reply)
	}
	d := Decision{
		Allowed:   reply[0] == 1,
		Remaining: float64(reply[1]) / 1000,
	}
	if reply[2] > 0 {
		d.RetryAfter = time.Duration(reply[2]) * time.Millisecond
	}
	return d, nil
}

// takeScript replies {allowed, remaining millitokens, retry-after ms}. Lua
// numbers come back truncated to integers, hence the millitoken scale.
var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local idle_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'ts')
local level = tonumber(state[1]) or cap
local ts = tonumber(state[2]) or now_ms

if now_ms > ts then
  level = math.min(cap, level + (now_ms - ts) * per_sec / 1000)
end

local ok = 0
local wait_ms = 0
if level >= 1 then
  ok = 1
  level = level - 1
elseif per_sec > 0 then
  wait_ms = math.ceil((1 - level) * 1000 / per_sec)
end

redis.call('HSET', KEYS[1], 'level', level, 'ts', now_ms)
if idle_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], idle_ms)
end
return {ok, math.floor(level * 1000), wait_ms}
`)
