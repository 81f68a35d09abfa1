package goratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/ratelimit/internal/clock"
)

// fakeSampler reports fixed CPU/memory percentages so adaptation tests
// don't depend on the host machine's actual load.
type fakeSampler struct {
	cpu float64
	mem float64
}

func (f fakeSampler) CPUPercent() (float64, error)    { return f.cpu, nil }
func (f fakeSampler) MemoryPercent() (float64, error) { return f.mem, nil }

func TestAdaptiveLimiter_InvalidBaseLimit(t *testing.T) {
	_, err := NewAdaptiveLimiter(0, 60, nil)
	require.Error(t, err)
}

func TestAdaptiveLimiter_StartsAtBaseLimit(t *testing.T) {
	a, err := NewAdaptiveLimiter(100, 60, nil, withSampler(fakeSampler{cpu: 10, mem: 10}))
	require.NoError(t, err)
	require.EqualValues(t, 100, a.curLimit.Load())
}

func TestAdaptiveLimiter_ReducesUnderCPUPressure(t *testing.T) {
	mc := clock.NewMock()
	a, err := NewAdaptiveLimiter(100, 60, []Option{WithClock(mc)},
		withSampler(fakeSampler{cpu: 95, mem: 10}),
		WithCheckInterval(time.Second),
	)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 100, a.curLimit.Load(), "first check happens immediately but check interval gating means no reduction yet on the very first call")

	mc.Advance(2 * time.Second)
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 50, a.curLimit.Load())
}

func TestAdaptiveLimiter_NeverReducesBelowTenPercentFloor(t *testing.T) {
	mc := clock.NewMock()
	a, err := NewAdaptiveLimiter(100, 60, []Option{WithClock(mc)},
		withSampler(fakeSampler{cpu: 99, mem: 10}),
		WithCheckInterval(time.Second),
	)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		mc.Advance(2 * time.Second)
		_, err = a.Allow(ctx, "k")
		require.NoError(t, err)
	}
	require.EqualValues(t, 10, a.curLimit.Load())
}

func TestAdaptiveLimiter_RecoversTowardBaseLimitWhenHealthy(t *testing.T) {
	mc := clock.NewMock()
	sampler := fakeSampler{cpu: 95, mem: 10}
	a, err := NewAdaptiveLimiter(100, 60, []Option{WithClock(mc)},
		withSampler(sampler),
		WithCheckInterval(time.Second),
	)
	require.NoError(t, err)

	ctx := context.Background()
	mc.Advance(2 * time.Second)
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 50, a.curLimit.Load())

	a.sampler = fakeSampler{cpu: 5, mem: 5}
	for i := 0; i < 20; i++ {
		a.RecordSuccess(10 * time.Millisecond)
	}
	mc.Advance(2 * time.Second)
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.Greater(t, a.curLimit.Load(), int64(50))
}

func TestAdaptiveLimiter_ReducesOnHighErrorRate(t *testing.T) {
	mc := clock.NewMock()
	a, err := NewAdaptiveLimiter(100, 60, []Option{WithClock(mc)},
		withSampler(fakeSampler{cpu: 1, mem: 1}),
		WithCheckInterval(time.Second),
		WithErrorThreshold(0.2),
	)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		a.RecordError(0)
	}

	ctx := context.Background()
	mc.Advance(2 * time.Second)
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.Less(t, a.curLimit.Load(), int64(100))
}

func TestAdaptiveLimiter_ReducesOnHighLatency(t *testing.T) {
	mc := clock.NewMock()
	a, err := NewAdaptiveLimiter(100, 60, []Option{WithClock(mc)},
		withSampler(fakeSampler{cpu: 1, mem: 1}),
		WithCheckInterval(time.Second),
		WithLatencyThreshold(100*time.Millisecond),
	)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		a.RecordSuccess(500 * time.Millisecond)
	}

	ctx := context.Background()
	mc.Advance(2 * time.Second)
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.Less(t, a.curLimit.Load(), int64(100))
}

func TestAdaptiveLimiter_CheckStateReportsControllerMetadata(t *testing.T) {
	a, err := NewAdaptiveLimiter(100, 60, nil, withSampler(fakeSampler{cpu: 1, mem: 1}))
	require.NoError(t, err)

	ctx := context.Background()
	state, err := a.CheckState(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, true, state.Metadata["adaptive"])
	require.EqualValues(t, 100, state.Metadata["base_limit"])
	require.EqualValues(t, 100, state.Metadata["current_limit"])
}

func TestAdaptiveLimiter_ResetRestoresBaseLimit(t *testing.T) {
	mc := clock.NewMock()
	a, err := NewAdaptiveLimiter(100, 60, []Option{WithClock(mc)},
		withSampler(fakeSampler{cpu: 95, mem: 10}),
		WithCheckInterval(time.Second),
	)
	require.NoError(t, err)

	ctx := context.Background()
	mc.Advance(2 * time.Second)
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 50, a.curLimit.Load())

	require.NoError(t, a.Reset(ctx, ""))
	require.EqualValues(t, 100, a.curLimit.Load())
}

func TestAdaptiveLimiter_GetMetricsSnapshot(t *testing.T) {
	a, err := NewAdaptiveLimiter(100, 60, nil, withSampler(fakeSampler{cpu: 42, mem: 33}))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.Allow(ctx, "k")
	require.NoError(t, err)

	m := a.GetMetrics()
	require.EqualValues(t, 100, m.BaseLimit)
	require.EqualValues(t, 1, m.TotalRequests)
	require.Equal(t, float64(42), m.CPUPercent)
	require.Equal(t, float64(33), m.MemoryPercent)
}

func TestAdaptiveLimiter_SetThresholdsUpdatesSubset(t *testing.T) {
	a, err := NewAdaptiveLimiter(100, 60, nil, withSampler(fakeSampler{cpu: 1, mem: 1}))
	require.NoError(t, err)

	newCPU := 50.0
	a.SetThresholds(&newCPU, nil, nil, nil)
	require.Equal(t, 50.0, a.cpuThreshold)
	require.Equal(t, 85.0, a.memoryThreshold)
}
