package goratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/ratelimit/internal/clock"
)

// NewSlidingWindowCounter creates a Sliding Window Counter rate limiter
// (spec §4.F approximation note). This uses the weighted-counter
// approximation (~1% error) with O(1) memory per key, trading precision
// for memory against NewSlidingWindow's exact O(limit)-per-key log.
// maxRequests is the maximum requests allowed per window.
// windowSeconds is the window duration in seconds.
// Pass WithRedis for distributed mode; omit for in-memory.
func NewSlidingWindowCounter(maxRequests, windowSeconds int64, opts ...Option) (Limiter, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, invalidArgument("maxRequests and windowSeconds must be positive")
	}
	o := applyOptions(opts)

	if o.RedisClient != nil {
		return &slidingWindowCounterRedis{
			redis:         o.RedisClient,
			maxRequests:   maxRequests,
			windowSeconds: windowSeconds,
			opts:          o,
		}, nil
	}
	return &slidingWindowCounterMemory{
		states:        make(map[string]*slidingWindowCounterState),
		clock:         o.clockOrDefault(),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		opts:          o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────
//
// This algorithm keeps O(1) state per key (two counters + a window
// anchor) rather than the generalized store.Entry/store.Backend
// contract used elsewhere, since its weighted-average math doesn't map
// onto a single atomic-mutate step shared with the other algorithms.

type slidingWindowCounterState struct {
	windowStart   time.Time
	previousCount int64
	currentCount  int64
}

type slidingWindowCounterMemory struct {
	mu            sync.Mutex
	states        map[string]*slidingWindowCounterState
	clock         clock.Clock
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowCounterMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowCounterMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	now := s.clock.Now()

	state, ok := s.states[key]
	if !ok {
		state = &slidingWindowCounterState{windowStart: now}
		s.states[key] = state
	}

	windowDuration := time.Duration(s.windowSeconds) * time.Second
	s.rotate(state, now, windowDuration)

	elapsedFraction := now.Sub(state.windowStart).Seconds() / float64(s.windowSeconds)
	prevWeight := float64(state.previousCount) * (1 - elapsedFraction)
	estimatedCount := prevWeight + float64(state.currentCount)

	cost := float64(n)
	if estimatedCount+cost <= float64(maxReq) {
		state.currentCount += int64(n)
		newEstimate := prevWeight + float64(state.currentCount)
		remaining := int64(math.Max(0, math.Floor(float64(maxReq)-newEstimate)))
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     maxReq,
			Metadata:  slidingWindowCounterMeta(),
		}, nil
	}

	retryAfter := time.Duration(math.Ceil(float64(s.windowSeconds)*(1-elapsedFraction))) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	r := &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		RetryAfter: retryAfter,
		Violated:   true,
		Metadata:   slidingWindowCounterMeta(),
	}
	return s.opts.finalizeDenial(r)
}

func (s *slidingWindowCounterMemory) rotate(state *slidingWindowCounterState, now time.Time, windowDuration time.Duration) {
	for now.Sub(state.windowStart) >= windowDuration {
		state.previousCount = state.currentCount
		state.currentCount = 0
		state.windowStart = state.windowStart.Add(windowDuration)
	}
}

func (s *slidingWindowCounterMemory) CheckState(ctx context.Context, key string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	now := s.clock.Now()
	state, ok := s.states[key]
	if !ok {
		return &Result{Allowed: true, Remaining: maxReq, Limit: maxReq, Metadata: slidingWindowCounterMeta()}, nil
	}

	windowDuration := time.Duration(s.windowSeconds) * time.Second
	s.rotate(state, now, windowDuration)
	elapsedFraction := now.Sub(state.windowStart).Seconds() / float64(s.windowSeconds)
	estimatedCount := float64(state.previousCount)*(1-elapsedFraction) + float64(state.currentCount)
	remaining := int64(math.Max(0, math.Floor(float64(maxReq)-estimatedCount)))
	return &Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     maxReq,
		Violated:  remaining <= 0,
		Metadata:  slidingWindowCounterMeta(),
	}, nil
}

func (s *slidingWindowCounterMemory) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	return nil
}

func slidingWindowCounterMeta() map[string]interface{} {
	return map[string]interface{}{"algorithm": "sliding_window_counter"}
}

// ─── Redis ────────────────────────────────────────────────────────────────────

type slidingWindowCounterRedis struct {
	redis         redis.UniversalClient
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowCounterRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowCounterRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, invalidArgument("n must be positive")
	}
	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	now := time.Now().Unix()
	currentWindow := now / s.windowSeconds
	previousWindow := currentWindow - 1
	elapsed := float64(now%s.windowSeconds) / float64(s.windowSeconds)

	currentKey := s.opts.FormatKeySuffix(key, fmt.Sprintf("%d", currentWindow))
	previousKey := s.opts.FormatKeySuffix(key, fmt.Sprintf("%d", previousWindow))

	prevStr, err := s.redis.Get(ctx, previousKey).Result()
	if err != nil && err != redis.Nil {
		return s.failResult(maxReq, err)
	}
	prevCount, _ := strconv.ParseFloat(prevStr, 64)
	weightedPrev := prevCount * (1 - elapsed)

	currStr, err := s.redis.Get(ctx, currentKey).Result()
	if err != nil && err != redis.Nil {
		return s.failResult(maxReq, err)
	}
	currentCount, _ := strconv.ParseFloat(currStr, 64)

	estimatedCount := weightedPrev + currentCount
	cost := float64(n)

	if estimatedCount+cost > float64(maxReq) {
		retryAfter := int64(math.Ceil(float64(s.windowSeconds) * (1 - elapsed)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		if retryAfter > s.windowSeconds {
			retryAfter = s.windowSeconds
		}
		r := &Result{
			Allowed:    false,
			Remaining:  0,
			Limit:      maxReq,
			RetryAfter: time.Duration(retryAfter) * time.Second,
			Violated:   true,
			Metadata:   slidingWindowCounterMeta(),
		}
		return s.opts.finalizeDenial(r)
	}

	newCount, err := s.redis.IncrBy(ctx, currentKey, int64(n)).Result()
	if err != nil {
		return s.failResult(maxReq, err)
	}
	if newCount == int64(n) {
		s.redis.Expire(ctx, currentKey, time.Duration(s.windowSeconds*2)*time.Second)
	}

	newEstimate := weightedPrev + float64(newCount)
	remaining := int64(math.Max(0, math.Floor(float64(maxReq)-newEstimate)))

	return &Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     maxReq,
		Metadata:  slidingWindowCounterMeta(),
	}, nil
}

func (s *slidingWindowCounterRedis) CheckState(ctx context.Context, key string) (*Result, error) {
	maxReq := s.opts.resolveLimit(key, s.maxRequests)
	now := time.Now().Unix()
	currentWindow := now / s.windowSeconds
	previousWindow := currentWindow - 1
	elapsed := float64(now%s.windowSeconds) / float64(s.windowSeconds)

	currentKey := s.opts.FormatKeySuffix(key, fmt.Sprintf("%d", currentWindow))
	previousKey := s.opts.FormatKeySuffix(key, fmt.Sprintf("%d", previousWindow))

	prevStr, err := s.redis.Get(ctx, previousKey).Result()
	if err != nil && err != redis.Nil {
		return &Result{Allowed: true, Remaining: maxReq, Limit: maxReq, Metadata: slidingWindowCounterMeta()}, nil
	}
	prevCount, _ := strconv.ParseFloat(prevStr, 64)

	currStr, err := s.redis.Get(ctx, currentKey).Result()
	if err != nil && err != redis.Nil {
		return &Result{Allowed: true, Remaining: maxReq, Limit: maxReq, Metadata: slidingWindowCounterMeta()}, nil
	}
	currentCount, _ := strconv.ParseFloat(currStr, 64)

	estimatedCount := prevCount*(1-elapsed) + currentCount
	remaining := int64(math.Max(0, math.Floor(float64(maxReq)-estimatedCount)))
	return &Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     maxReq,
		Violated:  remaining <= 0,
		Metadata:  slidingWindowCounterMeta(),
	}, nil
}

func (s *slidingWindowCounterRedis) Reset(ctx context.Context, key string) error {
	now := time.Now().Unix()
	currentWindow := now / s.windowSeconds
	previousWindow := currentWindow - 1
	currentKey := s.opts.FormatKeySuffix(key, fmt.Sprintf("%d", currentWindow))
	previousKey := s.opts.FormatKeySuffix(key, fmt.Sprintf("%d", previousWindow))
	return s.redis.Del(ctx, currentKey, previousKey).Err()
}

func (s *slidingWindowCounterRedis) failResult(maxReq int64, err error) (*Result, error) {
	if s.opts.FailOpen {
		return &Result{Allowed: true, Remaining: maxReq - 1, Limit: maxReq}, nil
	}
	return &Result{Allowed: false, Remaining: 0, Limit: maxReq, Violated: true}, backendUnavailable(err)
}
