package goratelimit

import (
	"container/ring"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/krishna-kudari/ratelimit/internal/clock"
)

// AdaptiveLimiter wraps a single-key algorithm with a closed-loop
// controller that shrinks or grows the effective limit in response to
// CPU/memory pressure, recent error rate, and recent latency (spec
// §4.L). Adaptation is checked at most once per CheckInterval, driven
// by a rolling window of caller-reported outcomes.
type AdaptiveLimiter struct {
	mu sync.Mutex

	limiter    Limiter
	clock      clock.Clock
	baseLimit  int64
	curLimit   atomic.Int64
	lastCheck  time.Time
	windowSize int

	results    *ring.Ring // bool
	latencies  *ring.Ring // float64
	numResults int
	numLat     int

	cpuThreshold      float64
	memoryThreshold   float64
	errorThreshold    float64
	latencyThreshold  time.Duration
	adaptationFactor  float64
	recoveryFactor    float64
	checkInterval     time.Duration

	totalRequests int64
	totalErrors   int64
	adaptations   int64

	sampler adaptiveSampler
}

// adaptiveSampler abstracts CPU/memory sampling so tests can substitute
// deterministic values instead of reading the host machine.
type adaptiveSampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
}

type gopsutilSampler struct{}

func (gopsutilSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (gopsutilSampler) MemoryPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// AdaptiveOption configures an AdaptiveLimiter at construction.
type AdaptiveOption func(*AdaptiveLimiter)

// WithCPUThreshold sets the CPU percent above which the limit is reduced (default 80).
func WithCPUThreshold(v float64) AdaptiveOption { return func(a *AdaptiveLimiter) { a.cpuThreshold = v } }

// WithMemoryThreshold sets the memory percent above which the limit is reduced (default 85).
func WithMemoryThreshold(v float64) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.memoryThreshold = v }
}

// WithErrorThreshold sets the rolling error-rate fraction above which the limit is reduced (default 0.10).
func WithErrorThreshold(v float64) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.errorThreshold = v }
}

// WithLatencyThreshold sets the rolling average latency above which the limit is reduced (default 1s).
func WithLatencyThreshold(d time.Duration) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.latencyThreshold = d }
}

// WithAdaptationFactor sets the multiplier applied to shrink the limit on reduction (default 0.5).
func WithAdaptationFactor(v float64) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.adaptationFactor = v }
}

// WithRecoveryFactor sets the multiplier applied to grow the limit on recovery (default 1.1).
func WithRecoveryFactor(v float64) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.recoveryFactor = v }
}

// WithCheckInterval sets the minimum time between adaptation checks (default 10s).
func WithCheckInterval(d time.Duration) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.checkInterval = d }
}

// WithWindowSize sets how many recent outcomes/latencies are tracked (default 100).
func WithWindowSize(n int) AdaptiveOption { return func(a *AdaptiveLimiter) { a.windowSize = n } }

// withSampler overrides the CPU/memory sampler; unexported since it
// only exists for deterministic tests within this package.
func withSampler(s adaptiveSampler) AdaptiveOption {
	return func(a *AdaptiveLimiter) { a.sampler = s }
}

// NewAdaptiveLimiter wraps a token bucket of the given baseLimit/window
// with the adaptation controller. baseLimit is the ceiling the limit
// recovers toward; it never adapts above this value.
func NewAdaptiveLimiter(baseLimit, windowSeconds int64, opts []Option, adaptOpts ...AdaptiveOption) (*AdaptiveLimiter, error) {
	if baseLimit <= 0 {
		return nil, invalidArgument("baseLimit must be positive")
	}
	a := &AdaptiveLimiter{
		baseLimit:        baseLimit,
		windowSize:       100,
		cpuThreshold:     80.0,
		memoryThreshold:  85.0,
		errorThreshold:   0.10,
		latencyThreshold: time.Second,
		adaptationFactor: 0.5,
		recoveryFactor:   1.1,
		checkInterval:    10 * time.Second,
		sampler:          gopsutilSampler{},
	}
	for _, o := range adaptOpts {
		o(a)
	}
	a.curLimit.Store(baseLimit)
	a.results = ring.New(a.windowSize)
	a.latencies = ring.New(a.windowSize)

	o := applyOptions(opts)
	a.clock = o.clockOrDefault()
	a.lastCheck = a.clock.Now()

	limitFn := func(string) int64 { return a.curLimit.Load() }
	fullOpts := append(append([]Option{}, opts...), WithLimitFunc(limitFn))
	refillRate := maxI64(1, baseLimit/maxI64(1, windowSeconds))
	limiter, err := NewTokenBucket(baseLimit, refillRate, fullOpts...)
	if err != nil {
		return nil, err
	}
	a.limiter = limiter
	return a, nil
}

// Allow checks and, if admitted, debits the wrapped limiter, running
// the adaptation check first.
func (a *AdaptiveLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return a.AllowN(ctx, key, 1)
}

// AllowN is Allow for a weight of n.
func (a *AdaptiveLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	a.maybeAdapt()
	atomic.AddInt64(&a.totalRequests, 1)
	return a.limiter.AllowN(ctx, key, n)
}

// CheckState reports the wrapped limiter's state annotated with
// adaptive-controller metadata.
func (a *AdaptiveLimiter) CheckState(ctx context.Context, key string) (*Result, error) {
	r, err := a.limiter.CheckState(ctx, key)
	if err != nil {
		return r, err
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata["adaptive"] = true
	r.Metadata["base_limit"] = a.baseLimit
	r.Metadata["current_limit"] = a.curLimit.Load()
	r.Metadata["adaptations"] = atomic.LoadInt64(&a.adaptations)
	return r, nil
}

// Reset clears the wrapped limiter's state for key. When key is
// empty, it additionally resets the rolling outcome/latency windows
// and returns the current limit to baseLimit.
func (a *AdaptiveLimiter) Reset(ctx context.Context, key string) error {
	if err := a.limiter.Reset(ctx, key); err != nil {
		return err
	}
	if key == "" {
		a.mu.Lock()
		a.results = ring.New(a.windowSize)
		a.latencies = ring.New(a.windowSize)
		a.numResults = 0
		a.numLat = 0
		a.curLimit.Store(a.baseLimit)
		atomic.StoreInt64(&a.totalRequests, 0)
		atomic.StoreInt64(&a.totalErrors, 0)
		a.mu.Unlock()
	}
	return nil
}

// RecordSuccess records a successful request's outcome, optionally
// with its latency, feeding the rolling window the adaptation check reads.
func (a *AdaptiveLimiter) RecordSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results.Value = true
	a.results = a.results.Next()
	a.numResults = minI64(int64(a.windowSize), int64(a.numResults+1))
	if latency > 0 {
		a.latencies.Value = latency.Seconds()
		a.latencies = a.latencies.Next()
		a.numLat = minI64(int64(a.windowSize), int64(a.numLat+1))
	}
}

// RecordError records a failed request's outcome, optionally with its
// latency, and increments the lifetime error counter.
func (a *AdaptiveLimiter) RecordError(latency time.Duration) {
	a.mu.Lock()
	a.results.Value = false
	a.results = a.results.Next()
	a.numResults = minI64(int64(a.windowSize), int64(a.numResults+1))
	if latency > 0 {
		a.latencies.Value = latency.Seconds()
		a.latencies = a.latencies.Next()
		a.numLat = minI64(int64(a.windowSize), int64(a.numLat+1))
	}
	a.mu.Unlock()
	atomic.AddInt64(&a.totalErrors, 1)
}

func (a *AdaptiveLimiter) maybeAdapt() {
	a.mu.Lock()
	now := a.clock.Now()
	if now.Sub(a.lastCheck) < a.checkInterval {
		a.mu.Unlock()
		return
	}
	a.lastCheck = now

	shouldReduce := false
	// Recovery needs every sampled signal (error rate, latency) to be
	// under half its threshold; a signal with fewer than 10 samples
	// neither triggers nor blocks it.
	sampled := false
	healthy := true

	if cpuPct, err := a.sampler.CPUPercent(); err == nil && cpuPct > a.cpuThreshold {
		shouldReduce = true
	}
	if memPct, err := a.sampler.MemoryPercent(); err == nil && memPct > a.memoryThreshold {
		shouldReduce = true
	}

	if a.numResults >= 10 {
		errCount := 0
		a.results.Do(func(v interface{}) {
			if b, ok := v.(bool); ok && !b {
				errCount++
			}
		})
		errorRate := float64(errCount) / float64(a.numResults)
		sampled = true
		if errorRate > a.errorThreshold {
			shouldReduce = true
		} else if errorRate >= a.errorThreshold/2 {
			healthy = false
		}
	}

	if a.numLat >= 10 {
		var sum float64
		a.latencies.Do(func(v interface{}) {
			if f, ok := v.(float64); ok {
				sum += f
			}
		})
		avgLatency := sum / float64(a.numLat)
		sampled = true
		if avgLatency > a.latencyThreshold.Seconds() {
			shouldReduce = true
		} else if avgLatency >= a.latencyThreshold.Seconds()/2 {
			healthy = false
		}
	}
	shouldIncrease := sampled && healthy

	current := a.curLimit.Load()
	floor := int64(float64(a.baseLimit) * 0.1)
	if shouldReduce && current > floor {
		newLimit := int64(float64(current) * a.adaptationFactor)
		if newLimit < floor {
			newLimit = floor
		}
		a.curLimit.Store(newLimit)
		atomic.AddInt64(&a.adaptations, 1)
	} else if shouldIncrease && current < a.baseLimit {
		newLimit := int64(float64(current) * a.recoveryFactor)
		if newLimit > a.baseLimit {
			newLimit = a.baseLimit
		}
		a.curLimit.Store(newLimit)
		atomic.AddInt64(&a.adaptations, 1)
	}
	a.mu.Unlock()
}

// AdaptiveMetrics is a point-in-time snapshot of the controller's state.
type AdaptiveMetrics struct {
	BaseLimit     int64
	CurrentLimit  int64
	TotalRequests int64
	TotalErrors   int64
	ErrorRate     float64
	AvgLatency    time.Duration
	CPUPercent    float64
	MemoryPercent float64
	Adaptations   int64
	WindowSamples int
}

// GetMetrics returns a snapshot of the controller's rolling statistics
// and a fresh CPU/memory sample.
func (a *AdaptiveLimiter) GetMetrics() AdaptiveMetrics {
	a.mu.Lock()
	errCount := 0
	a.results.Do(func(v interface{}) {
		if b, ok := v.(bool); ok && !b {
			errCount++
		}
	})
	var errorRate float64
	if a.numResults > 0 {
		errorRate = float64(errCount) / float64(a.numResults)
	}
	var sum float64
	a.latencies.Do(func(v interface{}) {
		if f, ok := v.(float64); ok {
			sum += f
		}
	})
	var avgLatency float64
	if a.numLat > 0 {
		avgLatency = sum / float64(a.numLat)
	}
	numResults := a.numResults
	a.mu.Unlock()

	cpuPct, _ := a.sampler.CPUPercent()
	memPct, _ := a.sampler.MemoryPercent()

	return AdaptiveMetrics{
		BaseLimit:     a.baseLimit,
		CurrentLimit:  a.curLimit.Load(),
		TotalRequests: atomic.LoadInt64(&a.totalRequests),
		TotalErrors:   atomic.LoadInt64(&a.totalErrors),
		ErrorRate:     errorRate,
		AvgLatency:    time.Duration(avgLatency * float64(time.Second)),
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		Adaptations:   atomic.LoadInt64(&a.adaptations),
		WindowSamples: numResults,
	}
}

// SetThresholds updates any subset of the adaptation thresholds at
// runtime; a nil/zero pointer argument leaves that threshold unchanged.
func (a *AdaptiveLimiter) SetThresholds(cpu, memory, errorRate *float64, latency *time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cpu != nil {
		a.cpuThreshold = *cpu
	}
	if memory != nil {
		a.memoryThreshold = *memory
	}
	if errorRate != nil {
		a.errorThreshold = *errorRate
	}
	if latency != nil {
		a.latencyThreshold = *latency
	}
}
