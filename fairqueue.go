package goratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/krishna-kudari/ratelimit/internal/clock"
)

// FairQueue admits requests against a shared global budget, split
// evenly across whichever keys are currently active, with an optional
// per-weight-class multiplier on each key's fair share (spec §4.I).
type FairQueue struct {
	mu sync.Mutex

	globalLimit int64
	window      time.Duration
	weights     map[string]float64
	maxPerKey   int64

	logs  map[string][]time.Time
	clock clock.Clock
}

// FairQueueOption configures a FairQueue at construction.
type FairQueueOption func(*FairQueue)

// WithWeightClasses sets the per-weight-class fair-share multiplier map.
func WithWeightClasses(weights map[string]float64) FairQueueOption {
	return func(f *FairQueue) { f.weights = weights }
}

// WithMaxPerKey caps any single key's admissions within the window,
// independent of its computed fair share.
func WithMaxPerKey(max int64) FairQueueOption {
	return func(f *FairQueue) { f.maxPerKey = max }
}

// NewFairQueue builds a fair-queuing limiter. globalLimit is the total
// admissions allowed across all keys per window.
func NewFairQueue(globalLimit int64, window time.Duration, opts []Option, fqOpts ...FairQueueOption) (*FairQueue, error) {
	if globalLimit <= 0 {
		return nil, invalidArgument("globalLimit must be positive")
	}
	if window <= 0 {
		return nil, invalidArgument("window must be positive")
	}
	o := applyOptions(opts)
	f := &FairQueue{
		globalLimit: globalLimit,
		window:      window,
		weights:     make(map[string]float64),
		logs:        make(map[string][]time.Time),
		clock:       o.clockOrDefault(),
	}
	for _, fo := range fqOpts {
		fo(f)
	}
	return f, nil
}

func (f *FairQueue) cleanup(key string, now time.Time) []time.Time {
	cutoff := now.Add(-f.window)
	live := trimTimestamps(f.logs[key], cutoff)
	if len(live) == 0 {
		delete(f.logs, key)
	} else {
		f.logs[key] = live
	}
	return live
}

// AllowClass checks and, on admission, records weight entries for key
// under the given weightClass (empty string selects the default
// 1.0 multiplier).
func (f *FairQueue) AllowClass(ctx context.Context, key string, weight int, weightClass string) (*Result, error) {
	if weight <= 0 {
		return nil, invalidArgument("weight must be positive")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	requests := f.cleanup(key, now)

	var total int64
	for k := range f.logs {
		total += int64(len(f.cleanup(k, now)))
	}
	if total >= f.globalLimit {
		return f.denial("global_limit", now), nil
	}
	if f.maxPerKey > 0 && int64(len(requests)) >= f.maxPerKey {
		return f.denial("per_key_limit", now), nil
	}

	numActive := int64(0)
	for _, v := range f.logs {
		if len(v) > 0 {
			numActive++
		}
	}
	if numActive < 1 {
		numActive = 1
	}
	fairShare := float64(f.globalLimit) / float64(numActive)
	class := weightClass
	if class == "" {
		class = "default"
	}
	multiplier, ok := f.weights[class]
	if !ok {
		multiplier = 1.0
	}
	adjustedFairShare := fairShare * multiplier

	if float64(len(requests)) >= adjustedFairShare {
		return f.denial("fair_share_exceeded", now), nil
	}

	for i := 0; i < weight; i++ {
		f.logs[key] = append(f.logs[key], now)
	}

	remaining := int64(adjustedFairShare) - int64(len(f.logs[key]))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     int64(adjustedFairShare),
		ResetAt:   now.Add(f.window),
		Metadata: map[string]interface{}{
			"algorithm":    "fair_queuing",
			"weight_class": weightClass,
			"fair_share":   fairShare,
		},
	}, nil
}

func (f *FairQueue) denial(reason string, now time.Time) *Result {
	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      f.globalLimit,
		ResetAt:    now.Add(f.window),
		RetryAfter: f.window,
		Violated:   true,
		Metadata: map[string]interface{}{
			"algorithm":      "fair_queuing",
			"denial_reason": reason,
		},
	}
}

// Allow is equivalent to AllowClass(ctx, key, 1, "").
func (f *FairQueue) Allow(ctx context.Context, key string) (*Result, error) {
	return f.AllowClass(ctx, key, 1, "")
}

// AllowN is equivalent to AllowClass(ctx, key, n, "").
func (f *FairQueue) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	return f.AllowClass(ctx, key, n, "")
}

// CheckState reports key's current fair share without recording a request.
func (f *FairQueue) CheckState(ctx context.Context, key string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	requests := f.cleanup(key, now)

	numActive := int64(0)
	for _, v := range f.logs {
		if len(v) > 0 {
			numActive++
		}
	}
	if numActive < 1 {
		numActive = 1
	}
	fairShare := float64(f.globalLimit) / float64(numActive)
	remaining := int64(fairShare) - int64(len(requests))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     int64(fairShare),
		ResetAt:   now.Add(f.window),
		Violated:  remaining <= 0,
		Metadata:  map[string]interface{}{"algorithm": "fair_queuing"},
	}, nil
}

// Reset clears key's request log, or every key's when key is empty.
func (f *FairQueue) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == "" {
		f.logs = make(map[string][]time.Time)
		return nil
	}
	delete(f.logs, key)
	return nil
}
