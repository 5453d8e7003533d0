package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10)
	defer c.Close()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Set(ctx, "expired", []byte("v"), -time.Second))
	_, err = c.Get(ctx, "expired")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_EvictsAtCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(2)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Hour))

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryClient_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10)
	defer c.Close()

	require.NoError(t, c.Set(ctx, DocumentCacheKey(1, "meta"), []byte("x"), time.Minute))
	require.NoError(t, c.Set(ctx, DocumentCacheKey(12, "meta"), []byte("y"), time.Minute))
	require.NoError(t, c.DeleteByPrefix(ctx, "doc:1:"))

	_, err := c.Get(ctx, "doc:1:meta")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "doc:12:meta")
	assert.NoError(t, err)
}

func TestMemoryClient_PubSub(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10)
	defer c.Close()

	ch1, unsub1, err := c.Subscribe(ctx, "events")
	require.NoError(t, err)
	ch2, unsub2, err := c.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, c.Publish(ctx, "events", []byte("one")))
	require.NoError(t, c.Publish(ctx, "other", []byte("ignored")))

	assert.Equal(t, []byte("one"), <-ch1)
	assert.Equal(t, []byte("one"), <-ch2)

	unsub1()
	unsub1()
	_, open := <-ch1
	assert.False(t, open)

	require.NoError(t, c.Publish(ctx, "events", []byte("two")))
	assert.Equal(t, []byte("two"), <-ch2)
}

func TestNew_Drivers(t *testing.T) {
	b, err := New(Options{Driver: "memory", MaxEntries: 5})
	require.NoError(t, err)
	assert.IsType(t, &MemoryClient{}, b)
	require.NoError(t, b.Close())

	_, err = New(Options{Driver: "memcached"})
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "a:b:c", CacheKey("a", "b", "c"))
	assert.Equal(t, "doc:42:meta", DocumentCacheKey(42, "meta"))
}
