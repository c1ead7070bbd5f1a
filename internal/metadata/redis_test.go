package metadata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"pumpfeed/internal/domain"
)

// setupRedis starts a Redis container and returns a client for it.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	})
	return client
}

func TestRedisJobStore(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	store := NewRedisJobStore(client)

	added, err := store.Add(ctx, domain.MetadataJob{Mint: otherMint, EnqueuedAt: 2000})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.Add(ctx, domain.MetadataJob{Mint: testMint, EnqueuedAt: 1000})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.Add(ctx, domain.MetadataJob{Mint: testMint, EnqueuedAt: 3000})
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, store.Update(ctx, domain.MetadataJob{Mint: testMint, Attempts: 2}))

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, testMint, pending[0].Mint)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, int64(1000), pending[0].EnqueuedAt)
	assert.Equal(t, 0, pending[1].Attempts)

	require.NoError(t, store.Exhaust(ctx, testMint))
	require.NoError(t, store.Remove(ctx, otherMint))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	added, err = store.Add(ctx, domain.MetadataJob{Mint: testMint, EnqueuedAt: 4000})
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRedisLock(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "metadata:tick", time.Minute)
	b := NewRedisLock(client, "metadata:tick", time.Minute)

	release, ok := a.TryLock(ctx)
	require.True(t, ok)

	_, ok = b.TryLock(ctx)
	assert.False(t, ok)

	release()
	releaseB, ok := b.TryLock(ctx)
	assert.True(t, ok)
	releaseB()
}
