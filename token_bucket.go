package goratelimit

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store"
)

// NewTokenBucket creates a Token Bucket rate limiter (spec §4.C).
// capacity is the maximum number of tokens (burst size).
// refillRate is the number of tokens added per second.
// Pass WithRedis for distributed mode, WithBackend for a custom
// store.Backend (e.g. store/sql), or omit both for the default
// in-process backend.
func NewTokenBucket(capacity, refillRate int64, opts ...Option) (Limiter, error) {
	if capacity <= 0 || refillRate <= 0 {
		return nil, invalidArgument("capacity and refillRate must be positive")
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &tokenBucketRedis{
			redis:      o.RedisClient,
			capacity:   capacity,
			refillRate: refillRate,
			opts:       o,
		}, nil
	}
	return &tokenBucketBackend{
		backend:    o.backendOrDefault(),
		clock:      o.clockOrDefault(),
		capacity:   capacity,
		refillRate: refillRate,
		opts:       o,
	}, nil
}

// ─── Generic backend (in-process default, or store/sql) ─────────────────────

type tokenBucketBackend struct {
	backend    store.Backend
	clock      clock.Clock
	capacity   int64
	refillRate int64
	opts       *Options
}

func (t *tokenBucketBackend) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketBackend) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	fullKey := t.opts.FormatKey(key)
	capacity := t.opts.resolveLimit(key, t.capacity)
	cost := float64(n)

	entry, decision, err := t.backend.Consume(ctx, fullKey, func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		tokens := float64(capacity)
		if !cur.LastRefill.IsZero() {
			elapsed := now.Sub(cur.LastRefill).Seconds()
			tokens = math.Min(float64(capacity), cur.Tokens+elapsed*float64(t.refillRate))
		}
		if tokens >= cost {
			return store.Entry{Tokens: tokens - cost, LastRefill: now}, store.Decision{Admit: true}
		}
		deficit := cost - tokens
		retry := time.Duration(deficit / float64(t.refillRate) * float64(time.Second))
		return store.Entry{Tokens: tokens, LastRefill: now}, store.Decision{Admit: false, RetryAfter: retry}
	})
	if err != nil {
		return t.onBackendError(capacity, err)
	}

	if decision.Admit {
		r := &Result{
			Allowed:   true,
			Remaining: int64(math.Floor(entry.Tokens)),
			Limit:     capacity,
			Metadata:  map[string]interface{}{"algorithm": "token_bucket"},
		}
		return r, nil
	}

	r := &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      capacity,
		RetryAfter: decision.RetryAfter,
		Violated:   true,
		Metadata:   map[string]interface{}{"algorithm": "token_bucket"},
	}
	return t.opts.finalizeDenial(r)
}

func (t *tokenBucketBackend) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := t.opts.FormatKey(key)
	capacity := t.opts.resolveLimit(key, t.capacity)
	entry, ok, err := t.backend.Peek(ctx, fullKey)
	if err != nil {
		return t.onBackendError(capacity, err)
	}
	tokens := float64(capacity)
	if ok {
		now := t.clock.Now()
		elapsed := now.Sub(entry.LastRefill).Seconds()
		tokens = math.Min(float64(capacity), entry.Tokens+elapsed*t.refillRateF())
	}
	return &Result{
		Allowed:   true,
		Remaining: int64(math.Floor(tokens)),
		Limit:     capacity,
		Violated:  tokens < 1,
		Metadata:  map[string]interface{}{"algorithm": "token_bucket"},
	}, nil
}

func (t *tokenBucketBackend) refillRateF() float64 { return float64(t.refillRate) }

func (t *tokenBucketBackend) Reset(ctx context.Context, key string) error {
	return t.backend.Reset(ctx, t.opts.FormatKey(key))
}

func (t *tokenBucketBackend) onBackendError(capacity int64, err error) (*Result, error) {
	if t.opts.FailOpen {
		return &Result{Allowed: true, Remaining: capacity - 1, Limit: capacity}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: capacity, Violated: true}, backendUnavailable(err)
}

// ─── Redis ────────────────────────────────────────────────────────────────────

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local tokens = max_tokens
local last_refill = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or max_tokens
  last_refill = tonumber(fields['last_refill']) or now
end

local elapsed = now - last_refill
tokens = math.min(max_tokens, tokens + elapsed * refill_rate)

local allowed = 0
local remaining = math.floor(tokens)
local retry_after_ms = 0

if tokens >= cost then
  tokens = tokens - cost
  remaining = math.floor(tokens)
  allowed = 1
else
  local deficit = cost - tokens
  retry_after_ms = math.floor((deficit / refill_rate) * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, math.ceil(max_tokens / refill_rate) + 1)

return { allowed, remaining, retry_after_ms }
`)

type tokenBucketRedis struct {
	redis      redis.UniversalClient
	capacity   int64
	refillRate int64
	opts       *Options
}

func (t *tokenBucketRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := t.opts.FormatKey(key)
	capacity := t.opts.resolveLimit(key, t.capacity)
	now := float64(time.Now().UnixNano()) / 1e9

	result, err := tokenBucketScript.Run(ctx, t.redis, []string{fullKey},
		capacity,
		t.refillRate,
		now,
		n,
	).Int64Slice()
	if err != nil {
		if t.opts.FailOpen {
			return &Result{Allowed: true, Remaining: capacity - 1, Limit: capacity}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: capacity, Violated: true}, backendUnavailable(err)
	}

	allowed := result[0] == 1
	remaining := result[1]
	retryAfterMs := result[2]

	r := &Result{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      capacity,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
		Violated:   !allowed,
		Metadata:   map[string]interface{}{"algorithm": "token_bucket"},
	}
	if !allowed {
		return t.opts.finalizeDenial(r)
	}
	return r, nil
}

func (t *tokenBucketRedis) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := t.opts.FormatKey(key)
	capacity := t.opts.resolveLimit(key, t.capacity)
	data, err := t.redis.HGetAll(ctx, fullKey).Result()
	if err != nil || len(data) == 0 {
		return &Result{Allowed: true, Remaining: capacity, Limit: capacity, Metadata: map[string]interface{}{"algorithm": "token_bucket"}}, nil
	}
	var tokens, lastRefill float64
	_, _ = fmtSscan(data["tokens"], &tokens)
	_, _ = fmtSscan(data["last_refill"], &lastRefill)
	now := float64(time.Now().UnixNano()) / 1e9
	elapsed := now - lastRefill
	tokens = minF(float64(capacity), tokens+elapsed*float64(t.refillRate))
	return &Result{
		Allowed:   true,
		Remaining: int64(tokens),
		Limit:     capacity,
		Violated:  tokens < 1,
		Metadata:  map[string]interface{}{"algorithm": "token_bucket"},
	}, nil
}

func (t *tokenBucketRedis) Reset(ctx context.Context, key string) error {
	fullKey := t.opts.FormatKey(key)
	return t.redis.Del(ctx, fullKey).Err()
}
