//go:build integration
// +build integration

package idempotency

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctr, err := tcredis.Run(t.Context(), "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(t.Context())
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStateTrackerIntegration(t *testing.T) {
	client := setupRedis(t)
	tr := New(client, WithPrefix("test:"), WithLockDuration(time.Second), WithStateTTL(time.Minute))
	ctx := t.Context()

	state, err := tr.Acquire(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateNone, state)

	state, err = tr.Acquire(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, state)

	proceed, err := tr.Begin(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, proceed, "in-progress messages are processed again")

	require.NoError(t, tr.Complete(ctx, "m-1"))
	proceed, err = tr.Begin(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, proceed)

	ttl, err := client.TTL(ctx, "test:m-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)

	require.NoError(t, tr.Forget(ctx, "m-1"))
	proceed, err = tr.Begin(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, proceed)

	require.NoError(t, client.Set(ctx, "test:m-2", "garbage", 0).Err())
	_, err = tr.Begin(ctx, "m-2")
	require.ErrorIs(t, err, ErrInvalidState)
}
