package goratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store"
)

// NewSlidingWindow creates a Sliding Window Log rate limiter (spec §4.F).
// maxRequests is the maximum requests allowed per window.
// windowSeconds is the window duration in seconds.
// This algorithm stores every admission instant and has O(limit) memory
// per key. For high-throughput keys, prefer NewSlidingWindowCounter's
// weighted-approximation trade-off.
func NewSlidingWindow(maxRequests, windowSeconds int64, opts ...Option) (Limiter, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, invalidArgument("maxRequests and windowSeconds must be positive")
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &slidingWindowRedis{
			redis:         o.RedisClient,
			maxRequests:   maxRequests,
			windowSeconds: windowSeconds,
			opts:          o,
		}, nil
	}
	return &slidingWindowBackend{
		backend:       o.backendOrDefault(),
		clock:         o.clockOrDefault(),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		opts:          o,
	}, nil
}

// ─── Generic backend (in-process default, or store/sql) ─────────────────────

type slidingWindowBackend struct {
	backend       store.Backend
	clock         clock.Clock
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowBackend) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowBackend) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	fullKey := s.opts.FormatKey(key)
	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	windowDuration := time.Duration(s.windowSeconds) * time.Second
	cost := int64(n)

	entry, decision, err := s.backend.Consume(ctx, fullKey, func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		cutoff := now.Add(-windowDuration)
		live := trimTimestamps(cur.Timestamps, cutoff)

		if int64(len(live))+cost <= maxReq {
			for i := int64(0); i < cost; i++ {
				live = append(live, now)
			}
			return store.Entry{Timestamps: live}, store.Decision{Admit: true}
		}

		var retry time.Duration
		if len(live) > 0 {
			retry = live[0].Add(windowDuration).Sub(now)
			if retry < 0 {
				retry = 0
			}
		}
		return store.Entry{Timestamps: live}, store.Decision{Admit: false, RetryAfter: retry}
	})
	if err != nil {
		return s.onBackendError(maxReq, err)
	}

	if decision.Admit {
		return &Result{
			Allowed:   true,
			Remaining: maxReq - int64(len(entry.Timestamps)),
			Limit:     maxReq,
			ResetAt:   s.clock.Now().Add(windowDuration),
			Metadata:  slidingWindowMeta(),
		}, nil
	}
	r := &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		RetryAfter: decision.RetryAfter,
		Violated:   true,
		Metadata:   slidingWindowMeta(),
	}
	return s.opts.finalizeDenial(r)
}

// trimTimestamps drops entries at or before cutoff, preserving order.
func trimTimestamps(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}

func (s *slidingWindowBackend) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := s.opts.FormatKey(key)
	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	windowDuration := time.Duration(s.windowSeconds) * time.Second

	entry, ok, err := s.backend.Peek(ctx, fullKey)
	if err != nil {
		return s.onBackendError(maxReq, err)
	}
	now := s.clock.Now()
	count := int64(0)
	if ok {
		count = int64(len(trimTimestamps(entry.Timestamps, now.Add(-windowDuration))))
	}
	return &Result{
		Allowed:   true,
		Remaining: maxReq - count,
		Limit:     maxReq,
		ResetAt:   now.Add(windowDuration),
		Violated:  count >= maxReq,
		Metadata:  slidingWindowMeta(),
	}, nil
}

func (s *slidingWindowBackend) Reset(ctx context.Context, key string) error {
	return s.backend.Reset(ctx, s.opts.FormatKey(key))
}

func (s *slidingWindowBackend) onBackendError(maxReq int64, err error) (*Result, error) {
	if s.opts.FailOpen {
		return &Result{Allowed: true, Remaining: maxReq - 1, Limit: maxReq}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: maxReq, Violated: true}, backendUnavailable(err)
}

func slidingWindowMeta() map[string]interface{} { return map[string]interface{}{"algorithm": "sliding_window"} }

// ─── Redis ────────────────────────────────────────────────────────────────────

type slidingWindowRedis struct {
	redis         redis.UniversalClient
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := s.opts.FormatKey(key)
	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	now := time.Now().UnixMilli()
	windowStart := now - s.windowSeconds*1000

	err := s.redis.ZRemRangeByScore(ctx, fullKey, "0", fmt.Sprintf("%d", windowStart)).Err()
	if err != nil {
		return s.failResult(maxReq, err)
	}

	count, err := s.redis.ZCard(ctx, fullKey).Result()
	if err != nil {
		return s.failResult(maxReq, err)
	}

	cost := int64(n)
	if count+cost <= maxReq {
		pipe := s.redis.Pipeline()
		for i := 0; i < n; i++ {
			member := fmt.Sprintf("%d:%d", now, rand.Int63())
			pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(now), Member: member})
		}
		pipe.Expire(ctx, fullKey, time.Duration(s.windowSeconds)*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return s.failResult(maxReq, err)
		}
		remaining := maxReq - count - cost
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     maxReq,
			Metadata:  slidingWindowMeta(),
		}, nil
	}

	retryAfter := time.Duration(s.windowSeconds) * time.Second
	oldest, err := s.redis.ZRangeWithScores(ctx, fullKey, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		oldestMs := int64(oldest[0].Score)
		expiresAt := oldestMs + s.windowSeconds*1000
		retryMs := expiresAt - now
		if retryMs > 0 && retryMs <= s.windowSeconds*1000 {
			retryAfter = time.Duration(retryMs) * time.Millisecond
		}
	}

	r := &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		RetryAfter: retryAfter,
		Violated:   true,
		Metadata:   slidingWindowMeta(),
	}
	return s.opts.finalizeDenial(r)
}

func (s *slidingWindowRedis) CheckState(ctx context.Context, key string) (*Result, error) {
	fullKey := s.opts.FormatKey(key)
	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	now := time.Now().UnixMilli()
	windowStart := now - s.windowSeconds*1000
	count, err := s.redis.ZCount(ctx, fullKey, fmt.Sprintf("%d", windowStart), "+inf").Result()
	if err != nil {
		return &Result{Allowed: true, Remaining: maxReq, Limit: maxReq, Metadata: slidingWindowMeta()}, nil
	}
	return &Result{
		Allowed:   true,
		Remaining: maxI64(0, maxReq-count),
		Limit:     maxReq,
		Violated:  count >= maxReq,
		Metadata:  slidingWindowMeta(),
	}, nil
}

func (s *slidingWindowRedis) Reset(ctx context.Context, key string) error {
	fullKey := s.opts.FormatKey(key)
	return s.redis.Del(ctx, fullKey).Err()
}

func (s *slidingWindowRedis) failResult(maxReq int64, err error) (*Result, error) {
	if s.opts.FailOpen {
		return &Result{Allowed: true, Remaining: maxReq - 1, Limit: maxReq}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: maxReq, Violated: true}, backendUnavailable(err)
}
