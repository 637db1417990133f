package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/doc_intel_server/internal/testutil"
)

func TestChunkCache_SetGet(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	c := NewChunkCache(client, 10*time.Minute)
	ctx := context.Background()

	_, hit, err := c.Get(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "job-1", 0, json.RawMessage(`{"summary":"a"}`)))

	got, hit, err := c.Get(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.JSONEq(t, `{"summary":"a"}`, string(got))

	assert.True(t, mr.Exists("job:job-1:chunk:0"))
	assert.Equal(t, 10*time.Minute, mr.TTL("job:job-1:chunk:0"))
}

func TestChunkCache_Expires(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	c := NewChunkCache(client, 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "job-1", 3, json.RawMessage(`{}`)))
	mr.FastForward(11 * time.Minute)

	_, hit, err := c.Get(ctx, "job-1", 3)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestChunkCache_DeleteAll(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	c := NewChunkCache(client, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, "job-1", i, json.RawMessage(`{}`)))
	}
	require.NoError(t, c.Set(ctx, "job-2", 0, json.RawMessage(`{}`)))

	require.NoError(t, c.DeleteAll(ctx, "job-1", 3))

	assert.False(t, mr.Exists(ChunkKey("job-1", 0)))
	assert.False(t, mr.Exists(ChunkKey("job-1", 2)))
	assert.True(t, mr.Exists(ChunkKey("job-2", 0)))

	assert.NoError(t, c.DeleteAll(ctx, "job-1", 0))
}

func TestChunkCache_Unavailable(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	c := NewChunkCache(client, time.Minute)
	mr.Close()

	_, _, err := c.Get(context.Background(), "job-1", 0)
	assert.Error(t, err)
}

func TestStatusCache(t *testing.T) {
	client, mr := testutil.SetupTestRedis(t)
	c := NewStatusCache(client)
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		entry, err := c.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("set with ttl", func(t *testing.T) {
		err := c.Set(ctx, "job-1", &StatusEntry{Status: "pending", OwnerID: "u1", Plan: "pro"}, 30*time.Minute)
		require.NoError(t, err)

		entry, err := c.Get(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "pending", entry.Status)
		assert.Equal(t, "u1", entry.OwnerID)
		assert.NotZero(t, entry.UpdatedAt)
		assert.Equal(t, 30*time.Minute, mr.TTL("job:job-1"))

		mr.FastForward(31 * time.Minute)
		entry, err = c.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "job-2", &StatusEntry{Status: "processing"}, 0))
		assert.Equal(t, time.Duration(0), mr.TTL("job:job-2"))

		require.NoError(t, c.Delete(ctx, "job-2"))
		assert.False(t, mr.Exists("job:job-2"))
	})
}
