//go:build integration
// +build integration

package deadletter

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
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

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctr, err := tcpostgres.Run(t.Context(), "postgres:17-alpine",
		tcpostgres.WithDatabase("unimq"),
		tcpostgres.WithUsername("unimq"),
		tcpostgres.WithPassword("unimq"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRedisStreamIntegration(t *testing.T) {
	client := setupRedis(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sink := NewRedisStream(client, 100, WithClock(clk))

	require.NoError(t, sink.DeadLetter(t.Context(), testMessage("m-1"), "first"))
	clk.Advance(time.Second)
	require.NoError(t, sink.DeadLetter(t.Context(), testMessage("m-2"), "second"))

	n, err := client.XLen(t.Context(), "dlq:orders").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	recs, err := sink.List(t.Context(), "orders", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "m-2", recs[0].MessageID)
	assert.Equal(t, "second", recs[0].Reason)
	assert.Equal(t, NewRecord(testMessage("m-1"), "first", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), recs[1])
}

func TestPostgresIntegration(t *testing.T) {
	pool := setupPostgres(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sink := NewPostgres(pool, instrument.NewNoop(), WithClock(clk))
	require.NoError(t, sink.Migrate(t.Context()))
	require.NoError(t, sink.Migrate(t.Context()))

	require.NoError(t, sink.DeadLetter(t.Context(), testMessage("m-1"), "first"))
	clk.Advance(time.Minute)
	require.NoError(t, sink.DeadLetter(t.Context(), testMessage("m-2"), "second"))
	clk.Advance(time.Minute)
	require.NoError(t, sink.DeadLetter(t.Context(), testMessage("m-1"), "again"))

	noEnqueue := testMessage("m-3")
	noEnqueue.EnqueuedAt = time.Time{}
	noEnqueue.Topic = "payments"
	require.NoError(t, sink.DeadLetter(t.Context(), noEnqueue, "bad"))

	recs, err := sink.List(t.Context(), "orders", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2, "same message id upserts")
	assert.Equal(t, "m-1", recs[0].MessageID)
	assert.Equal(t, "again", recs[0].Reason)
	assert.Equal(t, map[string]string{"trace": "abc"}, recs[0].Headers)
	assert.Equal(t, "customer-7", recs[0].Key)
	assert.True(t, recs[0].EnqueuedAt.Equal(testMessage("m-1").EnqueuedAt))

	recs, err = sink.List(t.Context(), "payments", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].EnqueuedAt.IsZero())
}
