package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/events"
	"github.com/ignite/dispatch-engine/internal/service/queue"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Claim.Backend = "memory"
	return cfg
}

func TestNew_InMemory(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.IsType(t, events.NopPublisher{}, a.Publisher)

	id, err := a.Queue.Enqueue(context.Background(), queue.EnqueueRequest{
		TenantID: "t1", Recipient: "ada@example.com", Subject: "Hi", TextContent: "hello",
	})
	require.NoError(t, err)

	// No provider is configured, so processing fails terminally.
	res, err := a.Queue.ProcessOne(context.Background(), id, queue.ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeFailed, res.Outcome)
	assert.False(t, res.ShouldRetry)
}

func TestNew_RedisClaimBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Claim.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis)
}

func TestNew_RedisBackendWithoutRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.Claim.Backend = "redis"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRunWorkers_StopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(ctx, memoryConfig().Queue) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}
