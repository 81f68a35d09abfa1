package goratelimit

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store"
)

// LeakyBucketMode defines the operating mode of a leaky bucket limiter.
type LeakyBucketMode string

const (
	// Policing mode drops requests that exceed capacity (hard rejection).
	Policing LeakyBucketMode = "policing"
	// Shaping mode queues requests and assigns a processing delay.
	Shaping LeakyBucketMode = "shaping"
)

// NewLeakyBucket creates a Leaky Bucket rate limiter (spec §4.D).
// capacity is the bucket size. leakRate is units leaked per second.
// mode selects Policing (hard reject) or Shaping (queue with delay).
func NewLeakyBucket(capacity, leakRate int64, mode LeakyBucketMode, opts ...Option) (Limiter, error) {
	if capacity <= 0 || leakRate <= 0 {
		return nil, invalidArgument("capacity and leakRate must be positive")
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &leakyBucketRedis{
			redis:    o.RedisClient,
			capacity: capacity,
			leakRate: leakRate,
			mode:     mode,
			opts:     o,
		}, nil
	}
	return &leakyBucketBackend{
		backend:  o.backendOrDefault(),
		clock:    o.clockOrDefault(),
		capacity: capacity,
		leakRate: leakRate,
		mode:     mode,
		opts:     o,
	}, nil
}

// ─── Generic backend (in-process default, or store/sql) ─────────────────────

// leakyBucketBackend stores queue depth in Entry.Tokens (policing mode)
// or the next-free instant in Entry.TAT (shaping mode) — both modes
// reuse the same generalized Entry shape rather than declaring their
// own storage layout.
type leakyBucketBackend struct {
	backend  store.Backend
	clock    clock.Clock
	capacity int64
	leakRate int64
	mode     LeakyBucketMode
	opts     *Options
}

func (l *leakyBucketBackend) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *leakyBucketBackend) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	if l.mode == Shaping {
		return l.allowShaping(ctx, key, n)
	}
	return l.allowPolicing(ctx, key, n)
}

func (l *leakyBucketBackend) allowPolicing(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := l.opts.FormatKey(key)
	cost := float64(n)
	limit := l.opts.resolveLimit(key, l.capacity)
	capacity := float64(limit)

	entry, decision, err := l.backend.Consume(ctx, fullKey, func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		level := cur.Tokens
		if !cur.LastRefill.IsZero() {
			elapsed := now.Sub(cur.LastRefill).Seconds()
			level = maxF(0, level-elapsed*float64(l.leakRate))
		}
		if level+cost <= capacity {
			return store.Entry{Tokens: level + cost, LastRefill: now}, store.Decision{Admit: true}
		}
		overflow := (level + cost) - capacity
		retry := time.Duration(overflow / float64(l.leakRate) * float64(time.Second))
		return store.Entry{Tokens: level, LastRefill: now}, store.Decision{Admit: false, RetryAfter: retry}
	})
	if err != nil {
		return l.onBackendError(err)
	}

	if decision.Admit {
		remaining := int64(maxF(0, math.Floor(capacity-entry.Tokens)))
		return &Result{Allowed: true, Remaining: remaining, Limit: limit, Metadata: leakyMeta()}, nil
	}
	r := &Result{Allowed: false, Remaining: 0, Limit: limit, RetryAfter: decision.RetryAfter, Violated: true, Metadata: leakyMeta()}
	return l.opts.finalizeDenial(r)
}

func (l *leakyBucketBackend) allowShaping(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := l.opts.FormatKey(key)
	cost := float64(n)
	limit := l.opts.resolveLimit(key, l.capacity)
	capacity := float64(limit)

	entry, decision, err := l.backend.Consume(ctx, fullKey, func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		nextFree := cur.TAT
		if nextFree.Before(now) {
			nextFree = now
		}
		delayDuration := nextFree.Sub(now).Seconds()
		queueDepth := delayDuration * float64(l.leakRate)

		if queueDepth+cost <= capacity {
			newNextFree := nextFree.Add(time.Duration(cost / float64(l.leakRate) * float64(time.Second)))
			return store.Entry{TAT: newNextFree}, store.Decision{Admit: true, RetryAfter: time.Duration(delayDuration * float64(time.Second))}
		}
		return store.Entry{TAT: nextFree}, store.Decision{Admit: false}
	})
	if err != nil {
		return l.onBackendError(err)
	}

	if decision.Admit {
		now := l.clock.Now()
		queueDepth := entry.TAT.Sub(now).Seconds() * float64(l.leakRate)
		remaining := int64(maxF(0, math.Floor(capacity-queueDepth)))
		return &Result{Allowed: true, Remaining: remaining, Limit: limit, RetryAfter: decision.RetryAfter, Metadata: leakyMeta()}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: limit, Violated: true, Metadata: leakyMeta()}, nil
}

func (l *leakyBucketBackend) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := l.opts.FormatKey(key)
	entry, ok, err := l.backend.Peek(ctx, fullKey)
	if err != nil {
		return l.onBackendError(err)
	}
	if !ok {
		return &Result{Allowed: true, Remaining: l.capacity, Limit: l.capacity, Metadata: leakyMeta()}, nil
	}
	now := l.clock.Now()
	if l.mode == Shaping {
		queueDepth := maxF(0, entry.TAT.Sub(now).Seconds()) * float64(l.leakRate)
		remaining := int64(maxF(0, math.Floor(float64(l.capacity)-queueDepth)))
		return &Result{Allowed: true, Remaining: remaining, Limit: l.capacity, Violated: remaining <= 0, Metadata: leakyMeta()}, nil
	}
	elapsed := now.Sub(entry.LastRefill).Seconds()
	level := maxF(0, entry.Tokens-elapsed*float64(l.leakRate))
	remaining := int64(maxF(0, math.Floor(float64(l.capacity)-level)))
	return &Result{Allowed: true, Remaining: remaining, Limit: l.capacity, Violated: remaining <= 0, Metadata: leakyMeta()}, nil
}

func (l *leakyBucketBackend) Reset(ctx context.Context, key string) error {
	return l.backend.Reset(ctx, l.opts.FormatKey(key))
}

func (l *leakyBucketBackend) onBackendError(err error) (*Result, error) {
	if l.opts.FailOpen {
		return &Result{Allowed: true, Remaining: l.capacity - 1, Limit: l.capacity}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: l.capacity, Violated: true}, backendUnavailable(err)
}

func leakyMeta() map[string]interface{} { return map[string]interface{}{"algorithm": "leaky_bucket"} }

// ─── Redis ────────────────────────────────────────────────────────────────────

var luaPolicing = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local level = 0
local last_leak = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  level = tonumber(fields['level']) or 0
  last_leak = tonumber(fields['last_leak']) or now
end

local elapsed = now - last_leak
local leaked = elapsed * leak_rate
level = math.max(0, level - leaked)

local allowed = 0
local remaining = math.max(0, math.floor(capacity - level))
local retry_after_ms = 0

if level + cost <= capacity then
  level = level + cost
  remaining = math.max(0, math.floor(capacity - level))
  allowed = 1
else
  local overflow = (level + cost) - capacity
  retry_after_ms = math.floor((overflow / leak_rate) * 1000)
end

redis.call('HSET', key, 'level', tostring(level), 'last_leak', tostring(now))
redis.call('EXPIRE', key, math.ceil(capacity / leak_rate) + 1)

return { allowed, remaining, retry_after_ms }
`)

var luaShaping = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local next_free = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  next_free = tonumber(fields['next_free']) or now
end

if next_free < now then
  next_free = now
end

local delay = next_free - now
local queue_depth = delay * leak_rate

local allowed = 0
local remaining = math.max(0, math.floor(capacity - queue_depth))
local delay_ms = 0

if queue_depth + cost <= capacity then
  delay_ms = math.floor(delay * 1000)
  next_free = next_free + (cost / leak_rate)
  allowed = 1
  queue_depth = queue_depth + cost
  remaining = math.max(0, math.floor(capacity - queue_depth))
end

redis.call('HSET', key, 'next_free', tostring(next_free))
redis.call('EXPIRE', key, math.ceil(capacity / leak_rate) + 1)

return { allowed, remaining, delay_ms }
`)

type leakyBucketRedis struct {
	redis    redis.UniversalClient
	capacity int64
	leakRate int64
	mode     LeakyBucketMode
	opts     *Options
}

func (l *leakyBucketRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *leakyBucketRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := l.opts.FormatKey(key)
	now := float64(time.Now().UnixNano()) / 1e9
	limit := l.opts.resolveLimit(key, l.capacity)

	script := luaPolicing
	if l.mode == Shaping {
		script = luaShaping
	}

	result, err := script.Run(ctx, l.redis, []string{fullKey},
		limit,
		l.leakRate,
		now,
		n,
	).Int64Slice()
	if err != nil {
		if l.opts.FailOpen {
			return &Result{Allowed: true, Remaining: limit - 1, Limit: limit}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: limit, Violated: true}, backendUnavailable(err)
	}

	allowed := result[0] == 1
	remaining := result[1]

	r := &Result{
		Allowed:  allowed,
		Remaining: remaining,
		Limit:    limit,
		Violated: !allowed,
		Metadata: leakyMeta(),
	}

	if l.mode == Policing && !allowed {
		r.RetryAfter = time.Duration(result[2]) * time.Millisecond
		return l.opts.finalizeDenial(r)
	}
	if l.mode == Shaping && allowed {
		r.RetryAfter = time.Duration(result[2]) * time.Millisecond
	}
	if l.mode == Shaping && !allowed {
		return l.opts.finalizeDenial(r)
	}

	return r, nil
}

func (l *leakyBucketRedis) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := l.opts.FormatKey(key)
	data, err := l.redis.HGetAll(ctx, fullKey).Result()
	if err != nil || len(data) == 0 {
		return &Result{Allowed: true, Remaining: l.capacity, Limit: l.capacity, Metadata: leakyMeta()}, nil
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if l.mode == Shaping {
		var nextFree float64
		_, _ = fmtSscan(data["next_free"], &nextFree)
		queueDepth := maxF(0, nextFree-now) * float64(l.leakRate)
		remaining := maxI64(0, l.capacity-int64(queueDepth))
		return &Result{Allowed: true, Remaining: remaining, Limit: l.capacity, Violated: remaining <= 0, Metadata: leakyMeta()}, nil
	}
	var level, lastLeak float64
	_, _ = fmtSscan(data["level"], &level)
	_, _ = fmtSscan(data["last_leak"], &lastLeak)
	level = maxF(0, level-(now-lastLeak)*float64(l.leakRate))
	remaining := maxI64(0, l.capacity-int64(level))
	return &Result{Allowed: true, Remaining: remaining, Limit: l.capacity, Violated: remaining <= 0, Metadata: leakyMeta()}, nil
}

func (l *leakyBucketRedis) Reset(ctx context.Context, key string) error {
	fullKey := l.opts.FormatKey(key)
	return l.redis.Del(ctx, fullKey).Err()
}
