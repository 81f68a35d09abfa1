package goratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store"
)

// Limiter is the core interface every admission algorithm, composite
// limiter, and policy wrapper satisfies. Implementations are safe for
// concurrent use by multiple goroutines.
//
// Allow/AllowN double as the spec's acquire_async: callers that need a
// deadline attach it to ctx, since Go's context already carries
// cancellation and deadline semantics — a separate async entry point
// would be redundant.
type Limiter interface {
	// Allow checks whether a single request identified by key should be allowed.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks whether n requests identified by key should be allowed.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// CheckState returns the current state for key without mutating it.
	CheckState(ctx context.Context, key string) (*Result, error)

	// Reset clears all rate limit state for the given key.
	Reset(ctx context.Context, key string) error
}

// Result holds the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration

	// Violated is true iff this call was denied. It is equivalent to
	// !Allowed for mutating calls, and to the caller being currently
	// over limit for CheckState.
	Violated bool

	// Metadata carries the algorithm name plus algorithm-specific
	// observability fields (theoretical-arrival-time, denial level,
	// fair share, ...).
	Metadata map[string]interface{}
}

// Options configures behavior shared across all algorithm implementations.
type Options struct {
	// Store is the pluggable low-level backend for rate limit state
	// (Eval/Get/Set/... primitives). Algorithms that need server-side
	// scripting ignore it in favor of RedisClient; it exists for
	// callers wiring a custom store.Store-compatible backend.
	Store store.Store

	// Backend is the generalized atomic-mutation contract (spec §4.B):
	// Read/Consume/Peek/Reset. When set, it takes precedence over the
	// default in-process backend for algorithms that support it
	// (token bucket, leaky bucket, fixed window, sliding window, GCRA).
	// store/sql.Backend satisfies this for a Postgres-backed deployment.
	Backend store.Backend

	// RedisClient is a Redis connection for distributed rate limiting.
	// Accepts *redis.Client, *redis.ClusterClient, *redis.Ring, or any
	// redis.UniversalClient implementation. Takes precedence over Backend.
	RedisClient redis.UniversalClient

	// KeyPrefix is prepended to all storage keys.
	// Default: "ratelimit".
	KeyPrefix string

	// FailOpen controls behavior when the backend is unreachable.
	// If true (default), requests are allowed on errors.
	// If false, requests are denied on errors.
	FailOpen bool

	// HashTag enables Redis Cluster hash-tag wrapping of user keys.
	HashTag bool

	// LimitFunc dynamically resolves the rate limit for each key.
	// Returning <= 0 falls back to the construction-time default.
	LimitFunc func(key string) int64

	// Clock supplies the current instant. Defaults to the real,
	// system-time clock; tests inject a clock.Mock for determinism.
	Clock clock.Clock

	// RaiseOnLimit controls whether a denial returns (Result, nil) with
	// Allowed=false, or (Result, *Error{Kind: KindLimitExceeded}).
	RaiseOnLimit bool
}

// Option is a functional option for configuring a Limiter.
type Option func(*Options)

// WithStore configures the limiter to use a custom store.Store backend.
func WithStore(s store.Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithBackend configures the limiter to use a custom store.Backend —
// the generalized Read/Consume/Peek/Reset contract satisfied by
// store/memory.Backend and store/sql.Backend.
func WithBackend(b store.Backend) Option {
	return func(o *Options) { o.Backend = b }
}

// WithRedis configures the limiter to use Redis as its backing store.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *Options) { o.RedisClient = client }
}

// WithKeyPrefix sets the prefix prepended to all storage keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.KeyPrefix = prefix }
}

// WithFailOpen controls behavior when the backend is unreachable.
func WithFailOpen(failOpen bool) Option {
	return func(o *Options) { o.FailOpen = failOpen }
}

// WithHashTag enables Redis Cluster hash-tag wrapping.
func WithHashTag() Option {
	return func(o *Options) { o.HashTag = true }
}

// WithLimitFunc sets a dynamic limit resolver, called on every
// Allow/AllowN with the request key.
func WithLimitFunc(fn func(key string) int64) Option {
	return func(o *Options) { o.LimitFunc = fn }
}

// WithClock overrides the time source. Intended for tests; production
// callers should leave this unset and get the real clock.
func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithRaiseOnLimit makes denials surface as a KindLimitExceeded *Error
// instead of a (Result, nil) with Allowed=false.
func WithRaiseOnLimit(v bool) Option {
	return func(o *Options) { o.RaiseOnLimit = v }
}

func defaultOptions() *Options {
	return &Options{
		KeyPrefix: "ratelimit",
		FailOpen:  true,
		Clock:     clock.New(),
	}
}

func applyOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// resolveLimit returns the dynamic limit for key, or defaultLimit when
// LimitFunc is nil or returns <= 0.
func (o *Options) resolveLimit(key string, defaultLimit int64) int64 {
	if o.LimitFunc != nil {
		if v := o.LimitFunc(key); v > 0 {
			return v
		}
	}
	return defaultLimit
}

// FormatKey builds a storage key. With HashTag enabled the user key is
// wrapped in {}: "prefix:{key}" so all derived keys for the same user
// land on the same Redis Cluster slot.
func (o *Options) FormatKey(key string) string {
	if o.HashTag {
		return o.KeyPrefix + ":{" + key + "}"
	}
	return o.KeyPrefix + ":" + key
}

// FormatKeySuffix builds a storage key with an additional suffix.
func (o *Options) FormatKeySuffix(key, suffix string) string {
	if o.HashTag {
		return o.KeyPrefix + ":{" + key + "}:" + suffix
	}
	return o.KeyPrefix + ":" + key + ":" + suffix
}

// backendOrDefault returns the configured generalized Backend, or a
// fresh default in-process one when neither Backend nor RedisClient
// was supplied.
func (o *Options) backendOrDefault() store.Backend {
	if o.Backend != nil {
		return o.Backend
	}
	return defaultMemoryBackend(o.clockOrDefault())
}

// clockOrDefault returns the configured Clock, defaulting to the real clock.
func (o *Options) clockOrDefault() clock.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clock.New()
}

// finalizeDenial applies RaiseOnLimit: on denial, either returns the
// Result as-is (Allowed=false) or wraps it in a KindLimitExceeded error.
func (o *Options) finalizeDenial(r *Result) (*Result, error) {
	if o.RaiseOnLimit {
		return r, limitExceeded(r.RetryAfter)
	}
	return r, nil
}
