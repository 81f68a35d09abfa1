package goratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/ratelimit/internal/clock"
)

func TestHierarchicalTokenBucket_InvalidArgs(t *testing.T) {
	_, err := NewHierarchicalTokenBucket(0, 10, 10, 1, time.Second)
	require.Error(t, err)

	_, err = NewHierarchicalTokenBucket(10, 10, 10, 0, time.Second)
	require.Error(t, err)
}

func TestHierarchicalTokenBucket_AdmitsWithinAllLevels(t *testing.T) {
	mc := clock.NewMock()
	h, err := NewHierarchicalTokenBucket(100, 10, 5, 1, time.Second, WithClock(mc))
	require.NoError(t, err)

	ctx := context.Background()
	res, err := h.AllowTenant(ctx, "user-1", 1, "tenant-a")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(4), res.Remaining)
	require.Equal(t, int64(99), res.Metadata["global_remaining"])
	require.Equal(t, int64(9), res.Metadata["tenant_remaining"])
}

func TestHierarchicalTokenBucket_UserLevelExhausted(t *testing.T) {
	mc := clock.NewMock()
	h, err := NewHierarchicalTokenBucket(100, 100, 2, 1, time.Second, WithClock(mc))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.AllowTenant(ctx, "user-1", 2, "")
	require.NoError(t, err)

	res, err := h.AllowTenant(ctx, "user-1", 1, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.True(t, res.Violated)
	require.Equal(t, "user:user-1", res.Metadata["denied_at_level"])
}

func TestHierarchicalTokenBucket_TenantLevelExhausted(t *testing.T) {
	mc := clock.NewMock()
	h, err := NewHierarchicalTokenBucket(100, 2, 100, 1, time.Second, WithClock(mc))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.AllowTenant(ctx, "user-1", 2, "tenant-a")
	require.NoError(t, err)

	res, err := h.AllowTenant(ctx, "user-2", 1, "tenant-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, "tenant:tenant-a", res.Metadata["denied_at_level"])
}

func TestHierarchicalTokenBucket_RefillsOverTime(t *testing.T) {
	mc := clock.NewMock()
	h, err := NewHierarchicalTokenBucket(100, 100, 2, 1, time.Second, WithClock(mc))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.AllowTenant(ctx, "user-1", 2, "")
	require.NoError(t, err)

	res, err := h.AllowTenant(ctx, "user-1", 1, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	mc.Advance(2 * time.Second)
	res, err = h.AllowTenant(ctx, "user-1", 1, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestHierarchicalTokenBucket_ResetClearsHierarchy(t *testing.T) {
	mc := clock.NewMock()
	h, err := NewHierarchicalTokenBucket(100, 100, 2, 1, time.Second, WithClock(mc))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.AllowTenant(ctx, "user-1", 2, "")
	require.NoError(t, err)

	require.NoError(t, h.Reset(ctx, ""))

	res, err := h.AllowTenant(ctx, "user-1", 2, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestHierarchicalTokenBucket_CheckStateDoesNotMutate(t *testing.T) {
	mc := clock.NewMock()
	h, err := NewHierarchicalTokenBucket(100, 100, 5, 1, time.Second, WithClock(mc))
	require.NoError(t, err)

	ctx := context.Background()
	state, err := h.CheckState(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), state.Remaining)

	state, err = h.CheckState(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), state.Remaining)
}
