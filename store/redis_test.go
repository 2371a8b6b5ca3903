package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisFixture(t *testing.T) *Redis {
	if testing.Short() {
		t.Skip("skipping redis integration test")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := NewRedis(ctx, RedisConfig{Addr: addr, PingInterval: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDecodeValue(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1.0}, decodeValue(`{"a":1}`))
	assert.Equal(t, "plain", decodeValue("plain"))
	assert.Equal(t, "devices/c1/locations:by:timestamp", indexKey(LocationsPath("c1"), DefaultOrderKey))
}

func TestRedisFetchLast(t *testing.T) {
	r := redisFixture(t)
	ctx := context.Background()
	path := LocationsPath("test-" + uuid.NewString())

	for i, k := range []string{"a", "b", "c"} {
		_, err := r.Push(ctx, path, k, events.Record{"lat": 1, "lng": 1, "timestamp": 1700000000 + i})
		require.NoError(t, err)
	}

	children, err := r.FetchLast(ctx, path, DefaultOrderKey, 2)

	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys(children))
}

func TestRedisSubscribe(t *testing.T) {
	r := redisFixture(t)
	ctx := context.Background()
	path := MotionLastPath("test-" + uuid.NewString())

	received := make(chan Snapshot, 4)
	defer r.Subscribe(path, Query{}, func(s Snapshot) { received <- s }, nil)()

	first := <-received
	assert.False(t, first.Exists, "confirmation re-reads the missing value")

	require.NoError(t, r.Set(ctx, path, events.Record{"status": "MOTION", "timestamp": 5}))

	select {
	case snap := <-received:
		assert.True(t, snap.Exists)
		assert.Equal(t, "MOTION", snap.Value.(map[string]any)["status"])
	case <-time.After(3 * time.Second):
		t.Fatal("update was not delivered")
	}
}
