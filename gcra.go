package goratelimit

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store"
)

// NewGCRA creates a GCRA (Generic Cell Rate Algorithm) rate limiter (spec §4.G).
// rate is the sustained request rate per second. burst is the maximum burst size.
func NewGCRA(rate, burst int64, opts ...Option) (Limiter, error) {
	if rate <= 0 || burst <= 0 {
		return nil, invalidArgument("rate and burst must be positive")
	}
	o := applyOptions(opts)
	emissionInterval := time.Second / time.Duration(rate)
	burstAllowance := emissionInterval * time.Duration(burst) // tau = T * burst

	if o.RedisClient != nil {
		return &gcraRedis{
			redis:            o.RedisClient,
			emissionInterval: emissionInterval,
			burstAllowance:   burstAllowance,
			burst:            burst,
			opts:             o,
		}, nil
	}
	return &gcraBackend{
		backend:          o.backendOrDefault(),
		clock:            o.clockOrDefault(),
		emissionInterval: emissionInterval,
		burstAllowance:   burstAllowance,
		burst:            burst,
		opts:             o,
	}, nil
}

// ─── Generic backend (in-process default, or store/sql) ─────────────────────

type gcraBackend struct {
	backend          store.Backend
	clock            clock.Clock
	emissionInterval time.Duration
	burstAllowance   time.Duration
	burst            int64
	opts             *Options
}

func (g *gcraBackend) Allow(ctx context.Context, key string) (*Result, error) {
	return g.AllowN(ctx, key, 1)
}

func (g *gcraBackend) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	fullKey := g.opts.FormatKey(key)
	burst := g.opts.resolveLimit(key, g.burst)
	burstAllowance := g.emissionInterval * time.Duration(burst)
	increment := g.emissionInterval * time.Duration(n)

	entry, decision, err := g.backend.Consume(ctx, fullKey, func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		tat := cur.TAT
		if tat.Before(now) {
			tat = now
		}
		newTAT := tat.Add(increment)
		diff := newTAT.Sub(now)

		if diff <= burstAllowance {
			return store.Entry{TAT: newTAT}, store.Decision{Admit: true}
		}
		retry := diff - burstAllowance
		return store.Entry{TAT: cur.TAT}, store.Decision{Admit: false, RetryAfter: retry}
	})
	if err != nil {
		return g.onBackendError(burst, err)
	}

	if decision.Admit {
		now := g.clock.Now()
		diff := entry.TAT.Sub(now)
		remaining := int64(math.Floor(float64(burstAllowance-diff) / float64(g.emissionInterval)))
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     burst,
			Metadata:  gcraMeta(entry.TAT),
		}, nil
	}
	r := &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      burst,
		RetryAfter: decision.RetryAfter,
		Violated:   true,
		Metadata:   gcraMeta(entry.TAT),
	}
	return g.opts.finalizeDenial(r)
}

func (g *gcraBackend) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := g.opts.FormatKey(key)
	burst := g.opts.resolveLimit(key, g.burst)
	entry, ok, err := g.backend.Peek(ctx, fullKey)
	if err != nil {
		return g.onBackendError(burst, err)
	}
	if !ok {
		return &Result{Allowed: true, Remaining: burst, Limit: burst, Metadata: gcraMeta(time.Time{})}, nil
	}
	now := g.clock.Now()
	tat := entry.TAT
	if tat.Before(now) {
		tat = now
	}
	diff := tat.Sub(now)
	burstAllowance := g.emissionInterval * time.Duration(burst)
	remaining := int64(math.Floor(float64(burstAllowance-diff) / float64(g.emissionInterval)))
	return &Result{
		Allowed:   true,
		Remaining: maxI64(0, remaining),
		Limit:     burst,
		Violated:  remaining <= 0,
		Metadata:  gcraMeta(entry.TAT),
	}, nil
}

func (g *gcraBackend) Reset(ctx context.Context, key string) error {
	return g.backend.Reset(ctx, g.opts.FormatKey(key))
}

func (g *gcraBackend) onBackendError(burst int64, err error) (*Result, error) {
	if g.opts.FailOpen {
		return &Result{Allowed: true, Remaining: burst - 1, Limit: burst}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: burst, Violated: true}, backendUnavailable(err)
}

func gcraMeta(tat time.Time) map[string]interface{} {
	return map[string]interface{}{"algorithm": "gcra", "tat": tat}
}

// ─── Redis ────────────────────────────────────────────────────────────────────

var gcraScript = redis.NewScript(`
local key = KEYS[1]
local emission_interval = tonumber(ARGV[1])
local burst_allowance = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local increment = tonumber(ARGV[4])

local tat = tonumber(redis.call('GET', key)) or now
tat = math.max(tat, now)

local new_tat = tat + increment
local diff = new_tat - now

if diff <= burst_allowance then
    redis.call('SET', key, tostring(new_tat))
    redis.call('EXPIRE', key, math.ceil(burst_allowance) + 1)
    local remaining = math.floor((burst_allowance - diff) / emission_interval)
    return { 1, remaining, 0 }
else
    local retry_after_ms = math.floor((diff - burst_allowance) * 1000)
    return { 0, 0, retry_after_ms }
end
`)

type gcraRedis struct {
	redis            redis.UniversalClient
	emissionInterval time.Duration
	burstAllowance   time.Duration
	burst            int64
	opts             *Options
}

func (g *gcraRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return g.AllowN(ctx, key, 1)
}

func (g *gcraRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := g.opts.FormatKey(key)
	burst := g.opts.resolveLimit(key, g.burst)
	now := float64(time.Now().UnixNano()) / 1e9
	increment := g.emissionInterval.Seconds() * float64(n)

	result, err := gcraScript.Run(ctx, g.redis, []string{fullKey},
		g.emissionInterval.Seconds(),
		(g.emissionInterval * time.Duration(burst)).Seconds(),
		now,
		increment,
	).Int64Slice()
	if err != nil {
		if g.opts.FailOpen {
			return &Result{Allowed: true, Remaining: burst - 1, Limit: burst}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: burst, Violated: true}, backendUnavailable(err)
	}

	allowed := result[0] == 1
	r := &Result{
		Allowed:    allowed,
		Remaining:  result[1],
		Limit:      burst,
		RetryAfter: time.Duration(result[2]) * time.Millisecond,
		Violated:   !allowed,
		Metadata:   map[string]interface{}{"algorithm": "gcra"},
	}
	if !allowed {
		return g.opts.finalizeDenial(r)
	}
	return r, nil
}

func (g *gcraRedis) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := g.opts.FormatKey(key)
	burst := g.opts.resolveLimit(key, g.burst)
	val, err := g.redis.Get(ctx, fullKey).Float64()
	if err != nil {
		return &Result{Allowed: true, Remaining: burst, Limit: burst, Metadata: map[string]interface{}{"algorithm": "gcra"}}, nil
	}
	now := float64(time.Now().UnixNano()) / 1e9
	tat := math.Max(val, now)
	diff := tat - now
	remaining := int64(math.Floor(((g.emissionInterval*time.Duration(burst)).Seconds() - diff) / g.emissionInterval.Seconds()))
	return &Result{
		Allowed:   true,
		Remaining: maxI64(0, remaining),
		Limit:     burst,
		Violated:  remaining <= 0,
		Metadata:  map[string]interface{}{"algorithm": "gcra"},
	}, nil
}

func (g *gcraRedis) Reset(ctx context.Context, key string) error {
	fullKey := g.opts.FormatKey(key)
	return g.redis.Del(ctx, fullKey).Err()
}
