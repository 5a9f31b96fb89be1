package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests talk to a real server: DEDUPFS_TEST_REDIS=redis://localhost:6379
func connect(t *testing.T) *Cache {
	url := os.Getenv("DEDUPFS_TEST_REDIS")
	if url == "" {
		t.Skip("DEDUPFS_TEST_REDIS not set")
	}
	c, err := New(context.Background(), Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func Test_SetGetDelete(t *testing.T) {
	c := connect(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	require.NoError(t, c.Set(ctx, key, []byte("v"), time.Minute))
	v, err := c.Get(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	ok, err := c.Exists(ctx, key)
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, c.Delete(ctx, key))
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, models.ErrCacheMiss)
	assert.ErrorIs(t, c.Expire(ctx, key, time.Second), models.ErrCacheMiss)
}

func Test_Decrement(t *testing.T) {
	c := connect(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	defer c.Delete(ctx, key)

	_, err := c.Decrement(ctx, key)
	assert.ErrorIs(t, err, models.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, key, []byte("1"), time.Minute))
	n, err := c.Decrement(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = c.Decrement(ctx, key)
	assert.ErrorIs(t, err, models.ErrExhausted)
}
