//go:build integration

package cache

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/ratelimit"
)

var rc *RedisCache

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(10 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("failed to start container: %s", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("failed to obtain container host: %s", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		log.Fatalf("failed to obtain container port: %s", err)
	}
	rc = NewRedisCache(host+":"+port.Port(), "", 0)

	code := m.Run()

	if err := rc.Close(); err != nil {
		log.Printf("failed to close redis client: %s", err)
	}
	if err := container.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func TestHistoryCacheRoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	hc := NewHistoryCache(rc)
	now := time.Now().UTC().Truncate(time.Millisecond)
	page := []models.Message{
		{ID: 2, ThreadID: 7, Seq: 2, SenderID: 1, Content: "second", State: models.StateRead, CreatedAt: now, ReadAt: &now},
		{ID: 1, ThreadID: 7, Seq: 1, SenderID: 2, Content: "first", State: models.StateDelivered, CreatedAt: now},
	}

	_, ok := hc.Get(ctx, 7, 0, 50)
	assert.False(t, ok)

	hc.Set(ctx, 7, 0, 50, page)
	hc.Set(ctx, 7, 2, 50, page[1:])
	got, ok := hc.Get(ctx, 7, 0, 50)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Content)
	require.NotNil(t, got[0].ReadAt)
	assert.True(t, now.Equal(*got[0].ReadAt))

	hc.Invalidate(ctx, 7)
	_, ok = hc.Get(ctx, 7, 0, 50)
	assert.False(t, ok)
	_, ok = hc.Get(ctx, 7, 2, 50)
	assert.False(t, ok, "every page of the thread is dropped")
}

func TestPresenceCache(t *testing.T) {
	ctx := context.Background()
	pc := NewPresenceCache(rc)

	require.NoError(t, pc.SetOnline(ctx, 11))
	require.NoError(t, pc.SetOnline(ctx, 12))
	assert.True(t, pc.IsOnline(ctx, 11))

	users, err := pc.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{11, 12}, users)

	require.NoError(t, pc.SetOffline(ctx, 11))
	assert.False(t, pc.IsOnline(ctx, 11))
}

func TestRedisRateStore(t *testing.T) {
	ctx := context.Background()
	store := ratelimit.NewRedisStore(rc.Client())
	base := time.Now()

	for i := 0; i < 3; i++ {
		ok, _, err := store.Admit(ctx, "itest", base.Add(time.Duration(i)*time.Millisecond), time.Minute, 3)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, oldest, err := store.Admit(ctx, "itest", base.Add(10*time.Millisecond), time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, base.UnixMilli(), oldest.UnixMilli())

	dup, err := store.MarkContent(ctx, "itest", "abc", base, time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = store.MarkContent(ctx, "itest", "abc", base, time.Minute)
	require.NoError(t, err)
	assert.True(t, dup)
}
