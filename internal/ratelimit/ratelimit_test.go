package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, limit, window)
}

func TestAllow_PermitsUpToLimit(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "tenant-1")
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestAllow_RejectsPastLimitWithRetryAfter(t *testing.T) {
	l := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "tenant-1")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, retryAfter, err := l.Allow(ctx, "tenant-1")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter, 0)
}

func TestAllow_TracksTenantsIndependently(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "tenant-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "tenant-2")
	require.NoError(t, err)
	require.True(t, allowed)
}
