package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDeviceBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewDeviceBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, allowed)

	// Buckets are isolated per device.
	allowed, _, err = bucket.Allow(ctx, "device-2")
	require.NoError(t, err)
	require.True(t, allowed)

	// Refill cannot be tested against miniredis: the Lua script takes its
	// clock from Go's time.Now, not from the fake server.
}
