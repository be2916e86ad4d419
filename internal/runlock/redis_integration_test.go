//go:build integration

package runlock

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func openRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBillingRunLockOutlivesTTLWhileHeld(t *testing.T) {
	client := openRedis(t)
	ctx := context.Background()
	lock := newBillingRunLock(client, 300*time.Millisecond, zap.NewNop())
	key := fmt.Sprintf(keyBillingRun, "2024-02-01")

	token, ok, err := lock.TryLock(ctx, "2024-02-01")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(time.Second)
	held, err := client.Get(ctx, key).Result()
	require.NoError(t, err, "lock expired while the run still held it")
	require.Equal(t, token, held)

	_, ok, err = lock.TryLock(ctx, "2024-02-01")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, lock.Release(ctx, "2024-02-01", token))
	n, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBillingRunLockExpiresAfterRunContextEnds(t *testing.T) {
	client := openRedis(t)
	lock := newBillingRunLock(client, 300*time.Millisecond, zap.NewNop())

	runCtx, cancel := context.WithCancel(context.Background())
	_, ok, err := lock.TryLock(runCtx, "2024-03-01")
	require.NoError(t, err)
	require.True(t, ok)
	cancel()

	time.Sleep(time.Second)
	token, ok, err := lock.TryLock(context.Background(), "2024-03-01")
	require.NoError(t, err)
	require.True(t, ok, "abandoned lock should lapse after its ttl")
	require.NoError(t, lock.Release(context.Background(), "2024-03-01", token))
}
