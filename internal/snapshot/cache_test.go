package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*DistributedCache, *miniredis.Miniredis) {
	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	return NewDistributedCache(rdb, 3*time.Minute, 20*time.Second), mini
}

func TestCache_SetThenGet(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	snaps := testSnapshots(2)
	version := c.Set(ctx, snaps)
	require.Equal(t, int64(1), version)

	found, gotVersion, got := c.TryGet(ctx)
	require.True(t, found)
	assert.Equal(t, int64(1), gotVersion)
	require.Len(t, got, 2)
	assert.Equal(t, snaps[0].ProfileID, got[0].ProfileID)
	assert.Equal(t, snaps[0].Embeddings, got[0].Embeddings)
}

func TestCache_VersionMonotonic(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), c.Set(ctx, testSnapshots(1)))
	assert.Equal(t, int64(2), c.Set(ctx, testSnapshots(1)))
	assert.Equal(t, int64(3), c.Set(ctx, testSnapshots(1)))
}

func TestCache_EmptyMiss(t *testing.T) {
	c, _ := setupCache(t)
	found, version, snaps := c.TryGet(context.Background())
	assert.False(t, found)
	assert.Zero(t, version)
	assert.Nil(t, snaps)
}

func TestCache_PayloadExpiry(t *testing.T) {
	c, mini := setupCache(t)
	ctx := context.Background()

	c.Set(ctx, testSnapshots(1))
	mini.FastForward(3*time.Minute + time.Second)

	found, _, _ := c.TryGet(ctx)
	assert.False(t, found)
}

func TestCache_Invalidate(t *testing.T) {
	c, mini := setupCache(t)
	ctx := context.Background()

	require.Equal(t, int64(1), c.Set(ctx, testSnapshots(1)))
	c.Invalidate(ctx)

	// Version bumped so stale payloads are refused downstream.
	v, err := c.rdb.Get(ctx, versionKey).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// Payload lives only a few more seconds.
	mini.FastForward(6 * time.Second)
	found, _, _ := c.TryGet(ctx)
	assert.False(t, found)
}

func TestCache_CorruptPayloadIsMiss(t *testing.T) {
	c, mini := setupCache(t)
	require.NoError(t, mini.Set(payloadKey, "{not json"))

	found, _, _ := c.TryGet(context.Background())
	assert.False(t, found)
}

func TestCache_LockLifecycle(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	ok, token := c.TryAcquireLock(ctx)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Held: second acquire loses.
	ok2, _ := c.TryAcquireLock(ctx)
	assert.False(t, ok2)

	// Wrong token does not release.
	c.ReleaseLock(ctx, "not-the-token")
	ok3, _ := c.TryAcquireLock(ctx)
	assert.False(t, ok3)

	// Right token releases.
	c.ReleaseLock(ctx, token)
	ok4, token4 := c.TryAcquireLock(ctx)
	assert.True(t, ok4)
	assert.NotEqual(t, token, token4)
}

func TestCache_LockExpires(t *testing.T) {
	c, mini := setupCache(t)
	ctx := context.Background()

	ok, _ := c.TryAcquireLock(ctx)
	require.True(t, ok)

	mini.FastForward(21 * time.Second)

	ok2, _ := c.TryAcquireLock(ctx)
	assert.True(t, ok2)
}

func TestCache_RedisDownDegrades(t *testing.T) {
	c, mini := setupCache(t)
	ctx := context.Background()
	mini.Close()

	found, version, snaps := c.TryGet(ctx)
	assert.False(t, found)
	assert.Zero(t, version)
	assert.Nil(t, snaps)

	assert.Equal(t, int64(0), c.Set(ctx, testSnapshots(1)))

	ok, token := c.TryAcquireLock(ctx)
	assert.False(t, ok)
	assert.Empty(t, token)

	// Neither of these may panic or error out.
	c.Invalidate(ctx)
	c.ReleaseLock(ctx, "anything")
}

func TestCache_NilVariant(t *testing.T) {
	var c *DistributedCache
	ctx := context.Background()

	found, version, snaps := c.TryGet(ctx)
	assert.False(t, found)
	assert.Zero(t, version)
	assert.Nil(t, snaps)

	assert.Equal(t, int64(0), c.Set(ctx, testSnapshots(1)))

	// Single instance: there is nothing to coordinate, caller leads.
	ok, token := c.TryAcquireLock(ctx)
	assert.True(t, ok)
	assert.Empty(t, token)

	c.Invalidate(ctx)
	c.ReleaseLock(ctx, token)
}
