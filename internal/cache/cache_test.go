package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/strokelab/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	return rc
}

// setupMiniredis returns a RedisCache backed by an in-process server.
func setupMiniredis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisCacheFromClient(client), mr
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := cache.NewRedisCache("not a url")
	assert.Error(t, err)
}

// --- Set / Get / Delete ---

func TestSetGet_Roundtrip(t *testing.T) {
	rc, _ := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second))

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	rc, _ := setupMiniredis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "expiry:key", []byte("temp"), time.Second))
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	mr.FastForward(2 * time.Second)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	rc, _ := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))
	require.NoError(t, rc.Delete(ctx, "del:key"))

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, rc.Delete(ctx, "does:not:exist"))
}

// --- Job progress ---

func TestJobProgress_NeverRegresses(t *testing.T) {
	rc, _ := setupMiniredis(t)
	ctx := context.Background()
	jobID := uuid.New()

	_, found, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)

	for _, tt := range []struct{ set, want int }{{33, 33}, {66, 66}, {33, 66}, {0, 66}, {99, 99}} {
		got, err := rc.SetJobProgress(ctx, jobID, tt.set, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	pct, found, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 99, pct)
}

func TestJobProgress_ConcurrentWritersKeepMax(t *testing.T) {
	rc, _ := setupMiniredis(t)
	ctx := context.Background()
	jobID := uuid.New()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(pct int) {
			defer wg.Done()
			_, err := rc.SetJobProgress(ctx, jobID, pct, time.Minute)
			assert.NoError(t, err)
		}(i * 5)
	}
	wg.Wait()

	pct, _, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 100, pct)
}

func TestJobProgress_Expires(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	jobID := uuid.New()

	_, err := rc.SetJobProgress(ctx, jobID, 50, time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, found, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("10.0.0.1")

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}

	mr.FastForward(11 * time.Second)
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Against a real Redis ---

func TestRedisCache_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, rc.Ping(ctx))

	jobID := uuid.New()
	_, err := rc.SetJobProgress(ctx, jobID, 40, time.Minute)
	require.NoError(t, err)
	got, err := rc.SetJobProgress(ctx, jobID, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 40, got)
}

// --- Cache Key Builders ---

func TestKeys(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222:progress", cache.JobProgressKey(jobID))
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222:report", cache.ReportKey(jobID))
	assert.Equal(t, "ratelimit:10.0.0.1", cache.RateLimitKey("10.0.0.1"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	jobID := uuid.New()
	keys := map[string]bool{
		cache.JobProgressKey(jobID):   true,
		cache.ReportKey(jobID):        true,
		cache.RateLimitKey("client"): true,
	}
	assert.Len(t, keys, 3, "all keys should be unique")
}
