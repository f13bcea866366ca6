package services

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "order:1")
	require.NoError(t, err)

	_, ok, err := l.TryLock(ctx, "order:1")
	require.NoError(t, err)
	assert.False(t, ok, "held key")

	other, ok, err := l.TryLock(ctx, "order:2")
	require.NoError(t, err)
	require.True(t, ok, "independent key")
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "order:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	again, ok, err := l.TryLock(ctx, "order:1")
	require.NoError(t, err)
	require.True(t, ok)
	again()

	l.mu.Lock()
	assert.Empty(t, l.locks, "released keys are forgotten")
	l.mu.Unlock()
}

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "group:7")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

// TestRedisLocker needs a reachable server in REDIS_ADDR.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "test:" + uuid.NewString() + ":"
	a := NewRedisLocker(client, prefix, time.Second)
	b := NewRedisLocker(client, prefix, time.Second)

	unlock, ok, err := a.TryLock(ctx, "order:1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "order:1")
	require.NoError(t, err)
	assert.False(t, ok, "another instance holds the lease")

	unlock()
	unlockB, err := b.Lock(ctx, "order:1")
	require.NoError(t, err)
	unlockB()

	// a lease that expired and was taken over is not released by its old holder
	stale, ok, err := a.TryLock(ctx, "order:2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, client.Del(ctx, prefix+"lock:order:2").Err())
	fresh, ok, err := b.TryLock(ctx, "order:2")
	require.NoError(t, err)
	require.True(t, ok)
	stale()
	exists, err := client.Exists(ctx, prefix+"lock:order:2").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
	fresh()
}
