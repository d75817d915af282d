//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
)

func startRedis(ctx context.Context, t *testing.T) *redis.Client {
	t.Helper()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start redis")

	addr, err := ctr.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRealtime_RoundTripAndInvalidate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c := NewRealtime(startRedis(ctx, t), time.Minute, discardLogger())

	id := int64(4)
	calls := 0
	load := func(context.Context, *int64) ([]models.ZoneSnapshot, error) {
		calls++
		return snapshot(id), nil
	}

	for i := 0; i < 2; i++ {
		snaps, err := c.GetOrLoad(ctx, &id, load)
		require.NoError(t, err)
		assert.Equal(t, snapshot(id), snaps)
	}
	_, err := c.GetOrLoad(ctx, nil, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "second zone read is served from redis")

	c.ZoneSynced(ctx, ingest.ZoneResult{ZoneID: id, Status: ingest.StatusFailed})
	_, ok, err := c.Get(ctx, &id)
	require.NoError(t, err)
	assert.True(t, ok, "failed syncs keep the cache")

	c.ZoneSynced(ctx, ingest.ZoneResult{ZoneID: id, Status: ingest.StatusPartial})
	_, ok, err = c.Get(ctx, &id)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, nil)
	require.NoError(t, err)
	assert.False(t, ok, "all-zones snapshot is dropped too")
}
