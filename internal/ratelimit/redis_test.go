package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCounter(client), mr
}

func TestRedisCounter_AdmitWindow(t *testing.T) {
	c, mr := newRedisCounter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := c.Admit(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i)
	}
	ok, err := c.Admit(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request should be rejected")

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "3", got, "rejection must not increment")
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(61 * time.Second)
	ok, err = c.Admit(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window should reset after expiry")
}

func TestRedisCounter_AdmitIsAtomic(t *testing.T) {
	c, _ := newRedisCounter(t)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Admit(ctx, "burst", 5, time.Minute)
			if err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), admitted.Load())
}

func TestRedisCounter_Incr(t *testing.T) {
	c, mr := newRedisCounter(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "v", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Hour, mr.TTL("v"))

	mr.FastForward(30 * time.Minute)
	n, err = c.Incr(ctx, "v", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 30*time.Minute, mr.TTL("v"), "later increments keep the original expiry")
}

func TestRedisCounter_Flags(t *testing.T) {
	c, mr := newRedisCounter(t)
	ctx := context.Background()

	on, err := c.Flag(ctx, FlagGlobal)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, c.SetFlag(ctx, FlagGlobal, time.Hour))
	on, err = c.Flag(ctx, FlagGlobal)
	require.NoError(t, err)
	assert.True(t, on)

	mr.FastForward(time.Hour + time.Second)
	on, err = c.Flag(ctx, FlagGlobal)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestRedisCounter_StoreDown(t *testing.T) {
	c, mr := newRedisCounter(t)
	mr.Close()
	_, err := c.Admit(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}
