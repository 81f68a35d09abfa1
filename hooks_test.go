package goratelimit

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHooks_Register_UnknownEventIsNoop(t *testing.T) {
	h := &Hooks{}
	h.Register("not_a_real_event", func(ctx context.Context, key string, weight int, arg interface{}) {
		t.Fatal("unknown event must never fire")
	})
	require.Empty(t, h.BeforeCheck)
	require.Empty(t, h.AfterCheck)
}

func TestWrap_FiresAllowAndAfterCheck(t *testing.T) {
	inner, err := NewTokenBucket(5, 1)
	require.NoError(t, err)

	var before, after, allow, deny int32
	h := &Hooks{}
	h.Register("before_check", func(ctx context.Context, key string, weight int, arg interface{}) {
		atomic.AddInt32(&before, 1)
	})
	h.Register("after_check", func(ctx context.Context, key string, weight int, arg interface{}) {
		atomic.AddInt32(&after, 1)
	})
	h.Register("on_allow", func(ctx context.Context, key string, weight int, arg interface{}) {
		atomic.AddInt32(&allow, 1)
	})
	h.Register("on_deny", func(ctx context.Context, key string, weight int, arg interface{}) {
		atomic.AddInt32(&deny, 1)
	})

	limiter := Wrap(inner, h)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.EqualValues(t, 1, atomic.LoadInt32(&before))
	require.EqualValues(t, 1, atomic.LoadInt32(&after))
	require.EqualValues(t, 1, atomic.LoadInt32(&allow))
	require.EqualValues(t, 0, atomic.LoadInt32(&deny))
}

func TestWrap_FiresOnDenyWhenExhausted(t *testing.T) {
	inner, err := NewTokenBucket(1, 1)
	require.NoError(t, err)

	var deny int32
	h := &Hooks{}
	h.Register("on_deny", func(ctx context.Context, key string, weight int, arg interface{}) {
		atomic.AddInt32(&deny, 1)
	})

	limiter := Wrap(inner, h)
	ctx := context.Background()

	_, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	res, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.EqualValues(t, 1, atomic.LoadInt32(&deny))
}

func TestWrap_HookPanicIsRecovered(t *testing.T) {
	inner, err := NewTokenBucket(5, 1)
	require.NoError(t, err)

	h := &Hooks{}
	h.Register("before_check", func(ctx context.Context, key string, weight int, arg interface{}) {
		panic("boom")
	})

	limiter := Wrap(inner, h)
	res, err := limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestWrap_CheckStateAndResetPassThrough(t *testing.T) {
	inner, err := NewTokenBucket(5, 1)
	require.NoError(t, err)

	limiter := Wrap(inner, &Hooks{})
	ctx := context.Background()

	_, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)

	state, err := limiter.CheckState(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 4, state.Remaining)

	require.NoError(t, limiter.Reset(ctx, "k"))
	state, err = limiter.CheckState(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 5, state.Remaining)
}
