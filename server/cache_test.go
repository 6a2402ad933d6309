package server

import (
	"context"
	"testing"
	"time"

	"github.com/IMQS/recordsearch/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(loggedIn bool, ids ...int64) *CacheEntry {
	return &CacheEntry{
		DatatypeID:       1,
		SearchKey:        "dt_id=1|2=abelsonite",
		SearchedFields:   []int64{2},
		Unsorted:         ids,
		Sorted:           ids,
		LoggedIn:         loggedIn,
		PermissionDigest: "anonymous",
		Created:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// exerciseCacheStore runs the behaviour that every backend must share
func exerciseCacheStore(t *testing.T, c CacheStore) {
	ctx := context.Background()
	const hash = "0cc175b9c0f1b6a831c399e269772661"

	entry, err := c.Get(ctx, 1, hash, schema.NotLoggedIn)
	require.NoError(t, err)
	assert.Nil(t, entry, "empty cache")

	require.NoError(t, c.Put(ctx, 1, hash, schema.NotLoggedIn, sampleEntry(false, 1, 35, 63, 83)))
	entry, err = c.Get(ctx, 1, hash, schema.NotLoggedIn)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []int64{1, 35, 63, 83}, entry.Sorted)
	assert.Equal(t, "dt_id=1|2=abelsonite", entry.SearchKey)
	assert.False(t, entry.LoggedIn)
	assert.True(t, entry.Created.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	// Login states are separate partitions
	entry, err = c.Get(ctx, 1, hash, schema.LoggedIn)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// As are datatypes
	entry, err = c.Get(ctx, 2, hash, schema.NotLoggedIn)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// A write replaces the previous entry
	require.NoError(t, c.Put(ctx, 1, hash, schema.NotLoggedIn, sampleEntry(false, 63)))
	entry, err = c.Get(ctx, 1, hash, schema.NotLoggedIn)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []int64{63}, entry.Sorted)

	require.NoError(t, c.Put(ctx, 1, hash, schema.LoggedIn, sampleEntry(true, 97)))
	require.NoError(t, c.Flush(ctx))
	for _, state := range []string{schema.LoggedIn, schema.NotLoggedIn} {
		entry, err = c.Get(ctx, 1, hash, state)
		require.NoError(t, err)
		assert.Nil(t, entry, "flushed %v", state)
	}
}

func TestMemoryCache(t *testing.T) {
	c := newMemoryCache(4)
	exerciseCacheStore(t, c)

	// Callers get their own copy
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, 1, "h", schema.NotLoggedIn, sampleEntry(false, 1)))
	first, _ := c.Get(ctx, 1, "h", schema.NotLoggedIn)
	first.Cached = true
	first.DatatypeID = 99
	first.Sorted[0] = 999
	first.Unsorted = append(first.Unsorted[:0], 998)
	second, _ := c.Get(ctx, 1, "h", schema.NotLoggedIn)
	assert.False(t, second.Cached)
	assert.Equal(t, int64(1), second.DatatypeID)
	assert.Equal(t, []int64{1}, second.Sorted)
	assert.Equal(t, []int64{1}, second.Unsorted)

	// As does the writer
	written := sampleEntry(false, 5)
	require.NoError(t, c.Put(ctx, 2, "h", schema.NotLoggedIn, written))
	written.Sorted[0] = 999
	stored, _ := c.Get(ctx, 2, "h", schema.NotLoggedIn)
	assert.Equal(t, []int64{5}, stored.Sorted)
}

func TestMemoryCacheShards(t *testing.T) {
	c := newMemoryCache(0)
	assert.Len(t, c.shards, defaultCacheShards)

	ctx := context.Background()
	for dt := int64(1); dt <= 100; dt++ {
		require.NoError(t, c.Put(ctx, dt, "h", schema.NotLoggedIn, sampleEntry(false, dt)))
	}
	assert.Equal(t, 100, c.size())
	used := 0
	for _, s := range c.shards {
		if len(s.entries) != 0 {
			used++
		}
	}
	assert.Greater(t, used, 1, "keys should be spread over shards")
}

func TestDatabaseCache(t *testing.T) {
	e := setupEngine(t, cacheBackendDatabase)
	_, ok := e.Cache.(*dbCache)
	require.True(t, ok, "expected the database cache backend, got %T", e.Cache)
	exerciseCacheStore(t, e.Cache)
}

func TestRedisCache(t *testing.T) {
	if !*redis_cache {
		t.Skip("Run with -redis to test the redis cache backend")
	}
	e := setupEngine(t, cacheBackendRedis)
	_, ok := e.Cache.(*redisCache)
	require.True(t, ok, "expected the redis cache backend, got %T", e.Cache)
	exerciseCacheStore(t, e.Cache)
}

func TestSearchThroughDatabaseCache(t *testing.T) {
	e := setupEngine(t, cacheBackendDatabase)
	populate(t, e)
	anon := schema.Anonymous()
	params := map[string]any{"dt_id": 1, "2": "abelsonite"}

	first := expectSearch(t, e, anon, params, 1, 35, 63, 83)
	assert.False(t, first.Cached)
	second := expectSearch(t, e, anon, params, 1, 35, 63, 83)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SearchKey, second.SearchKey)
	assert.Equal(t, first.Sorted, second.Sorted)
}
