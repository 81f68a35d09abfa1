package goratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store"
)

// NewFixedWindow creates a Fixed Window rate limiter (spec §4.E).
// maxRequests is the maximum requests allowed per window.
// windowSeconds is the window duration in seconds. Windows are aligned
// to epoch boundaries: window-start(t) = floor(t/windowSeconds)*windowSeconds,
// so all callers agree on window edges regardless of when each first touches a key.
func NewFixedWindow(maxRequests, windowSeconds int64, opts ...Option) (Limiter, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, invalidArgument("maxRequests and windowSeconds must be positive")
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &fixedWindowRedis{
			redis:         o.RedisClient,
			maxRequests:   maxRequests,
			windowSeconds: windowSeconds,
			opts:          o,
		}, nil
	}
	return &fixedWindowBackend{
		backend:       o.backendOrDefault(),
		clock:         o.clockOrDefault(),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		opts:          o,
	}, nil
}

func alignedWindowStart(t time.Time, windowSeconds int64) time.Time {
	unix := t.Unix()
	aligned := (unix / windowSeconds) * windowSeconds
	return time.Unix(aligned, 0).UTC()
}

// ─── Generic backend (in-process default, or store/sql) ─────────────────────

type fixedWindowBackend struct {
	backend       store.Backend
	clock         clock.Clock
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (f *fixedWindowBackend) Allow(ctx context.Context, key string) (*Result, error) {
	return f.AllowN(ctx, key, 1)
}

func (f *fixedWindowBackend) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	fullKey := f.opts.FormatKey(key)
	maxReq := f.opts.resolveLimit(key, f.maxRequests)
	windowDuration := time.Duration(f.windowSeconds) * time.Second
	cost := int64(n)

	entry, decision, err := f.backend.Consume(ctx, fullKey, func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		windowStart := alignedWindowStart(now, f.windowSeconds)
		count := cur.Count
		if cur.WindowStart.Before(windowStart) {
			count = 0
		}
		if count+cost <= maxReq {
			return store.Entry{Count: count + cost, WindowStart: windowStart}, store.Decision{Admit: true}
		}
		resetAt := windowStart.Add(windowDuration)
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return store.Entry{Count: count, WindowStart: windowStart}, store.Decision{Admit: false, RetryAfter: retry}
	})
	if err != nil {
		return f.onBackendError(maxReq, err)
	}

	resetAt := entry.WindowStart.Add(windowDuration)
	if decision.Admit {
		return &Result{
			Allowed:   true,
			Remaining: maxReq - entry.Count,
			Limit:     maxReq,
			ResetAt:   resetAt,
			Metadata:  fixedWindowMeta(),
		}, nil
	}
	r := &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		ResetAt:    resetAt,
		RetryAfter: decision.RetryAfter,
		Violated:   true,
		Metadata:   fixedWindowMeta(),
	}
	return f.opts.finalizeDenial(r)
}

func (f *fixedWindowBackend) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := f.opts.FormatKey(key)
	maxReq := f.opts.resolveLimit(key, f.maxRequests)
	windowDuration := time.Duration(f.windowSeconds) * time.Second

	entry, ok, err := f.backend.Peek(ctx, fullKey)
	if err != nil {
		return f.onBackendError(maxReq, err)
	}
	now := f.clock.Now()
	windowStart := alignedWindowStart(now, f.windowSeconds)
	count := int64(0)
	if ok && !entry.WindowStart.Before(windowStart) {
		count = entry.Count
	}
	return &Result{
		Allowed:   true,
		Remaining: maxReq - count,
		Limit:     maxReq,
		ResetAt:   windowStart.Add(windowDuration),
		Violated:  count >= maxReq,
		Metadata:  fixedWindowMeta(),
	}, nil
}

func (f *fixedWindowBackend) Reset(ctx context.Context, key string) error {
	return f.backend.Reset(ctx, f.opts.FormatKey(key))
}

func (f *fixedWindowBackend) onBackendError(maxReq int64, err error) (*Result, error) {
	if f.opts.FailOpen {
		return &Result{Allowed: true, Remaining: maxReq - 1, Limit: maxReq}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: maxReq, Violated: true}, backendUnavailable(err)
}

func fixedWindowMeta() map[string]interface{} { return map[string]interface{}{"algorithm": "fixed_window"} }

// ─── Redis ────────────────────────────────────────────────────────────────────

// fixedWindowScript anchors the window to epoch boundaries
// (window_start = floor(now/window_seconds)*window_seconds) rather than
// first-touch TTL, so two callers hitting the same key agree on window
// edges regardless of when each first writes it. The aligned window
// start is folded into the Redis key itself; the key's own TTL just
// needs to outlive the remainder of the current window.
var fixedWindowScript = redis.NewScript(`
local base_key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local window_start = math.floor(now / window_seconds) * window_seconds
local key = base_key .. ':' .. tostring(window_start)
local ttl = math.ceil(window_start + window_seconds - now)
if ttl < 1 then ttl = 1 end

local count = redis.call('GET', key)
if not count then
  count = 0
else
  count = tonumber(count)
end

if count + cost <= max_requests then
  local new_count = redis.call('INCRBY', key, cost)
  redis.call('EXPIRE', key, ttl)
  local remaining = max_requests - new_count
  return { 1, remaining, ttl }
end

return { 0, 0, ttl }
`)

type fixedWindowRedis struct {
	redis         redis.UniversalClient
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (f *fixedWindowRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return f.AllowN(ctx, key, 1)
}

func (f *fixedWindowRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := f.opts.FormatKey(key)
	maxReq := f.opts.resolveLimit(key, f.maxRequests)
	now := time.Now()

	result, err := fixedWindowScript.Run(ctx, f.redis, []string{fullKey},
		maxReq,
		f.windowSeconds,
		n,
		float64(now.UnixNano())/1e9,
	).Int64Slice()
	if err != nil {
		if f.opts.FailOpen {
			return &Result{Allowed: true, Remaining: maxReq - 1, Limit: maxReq}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: maxReq, Violated: true}, backendUnavailable(err)
	}

	allowed := result[0] == 1
	remaining := result[1]
	ttlSec := result[2]

	resetAt := now.Add(time.Duration(ttlSec) * time.Second)
	r := &Result{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     maxReq,
		ResetAt:   resetAt,
		Violated:  !allowed,
		Metadata:  fixedWindowMeta(),
	}
	if !allowed {
		r.RetryAfter = time.Duration(ttlSec) * time.Second
		return f.opts.finalizeDenial(r)
	}
	return r, nil
}

func (f *fixedWindowRedis) windowedKey(key string) (string, time.Time) {
	now := time.Now()
	windowStart := alignedWindowStart(now, f.windowSeconds)
	return f.opts.FormatKey(key) + ":" + strconv.FormatInt(windowStart.Unix(), 10), windowStart
}

func (f *fixedWindowRedis) CheckState(ctx context.Context, key string) (*Result, error) {
	maxReq := f.opts.resolveLimit(key, f.maxRequests)
	windowedKey, windowStart := f.windowedKey(key)
	val, err := f.redis.Get(ctx, windowedKey).Int64()
	if err != nil {
		return &Result{Allowed: true, Remaining: maxReq, Limit: maxReq, Metadata: fixedWindowMeta()}, nil
	}
	resetAt := windowStart.Add(time.Duration(f.windowSeconds) * time.Second)
	return &Result{
		Allowed:   true,
		Remaining: maxI64(0, maxReq-val),
		Limit:     maxReq,
		ResetAt:   resetAt,
		Violated:  val >= maxReq,
		Metadata:  fixedWindowMeta(),
	}, nil
}

func (f *fixedWindowRedis) Reset(ctx context.Context, key string) error {
	windowedKey, _ := f.windowedKey(key)
	return f.redis.Del(ctx, windowedKey).Err()
}
