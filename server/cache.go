package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pierrec/xxHash/xxHash32"
)

// CacheEntry is the result of one search, as computed for one visibility regime
type CacheEntry struct {
	DatatypeID       int64
	SearchKey        string  // Canonical encoding of the key
	SearchedFields   []int64 // Datafields that carried a structured term
	Unsorted         []int64
	Sorted           []int64
	LoggedIn         bool
	PermissionDigest string
	Created          time.Time

	Cached bool `json:"-"` // True when this entry was served from the cache
}

func (c *CacheEntry) clone() *CacheEntry {
	copied := *c
	copied.SearchedFields = slices.Clone(c.SearchedFields)
	copied.Unsorted = slices.Clone(c.Unsorted)
	copied.Sorted = slices.Clone(c.Sorted)
	return &copied
}

// CacheStore holds search results, keyed by target datatype, key hash and login state.
// Get returns nil without an error when there is no entry.
// Put replaces any previous entry for the same key in a single write.
type CacheStore interface {
	Get(ctx context.Context, datatypeID int64, hash, loginState string) (*CacheEntry, error)
	Put(ctx context.Context, datatypeID int64, hash, loginState string, entry *CacheEntry) error
	Flush(ctx context.Context) error
	Close() error
}

func cacheKey(datatypeID int64, hash, loginState string) string {
	return fmt.Sprintf("%v:%v:%v", datatypeID, hash, loginState)
}

type memoryCacheShard struct {
	lock    sync.RWMutex
	entries map[string]*CacheEntry
}

// memoryCache is an in-process cache. Keys are spread over shards by their xxHash, so that
// concurrent searches seldom wait on the same lock.
type memoryCache struct {
	shards []*memoryCacheShard
}

func newMemoryCache(numShards int) *memoryCache {
	if numShards <= 0 {
		numShards = defaultCacheShards
	}
	c := &memoryCache{}
	for i := 0; i < numShards; i++ {
		c.shards = append(c.shards, &memoryCacheShard{entries: map[string]*CacheEntry{}})
	}
	return c
}

func (c *memoryCache) shard(key string) *memoryCacheShard {
	return c.shards[xxHash32.Checksum([]byte(key), 1)%uint32(len(c.shards))]
}

func (c *memoryCache) Get(ctx context.Context, datatypeID int64, hash, loginState string) (*CacheEntry, error) {
	key := cacheKey(datatypeID, hash, loginState)
	s := c.shard(key)
	s.lock.RLock()
	entry := s.entries[key]
	s.lock.RUnlock()
	if entry == nil {
		return nil, nil
	}
	// Stored entries are never modified, but the caller may modify its copy
	return entry.clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, datatypeID int64, hash, loginState string, entry *CacheEntry) error {
	key := cacheKey(datatypeID, hash, loginState)
	copied := entry.clone()
	copied.Cached = false
	s := c.shard(key)
	s.lock.Lock()
	s.entries[key] = copied
	s.lock.Unlock()
	return nil
}

func (c *memoryCache) Flush(ctx context.Context) error {
	for _, s := range c.shards {
		s.lock.Lock()
		s.entries = map[string]*CacheEntry{}
		s.lock.Unlock()
	}
	return nil
}

func (c *memoryCache) Close() error {
	return nil
}

func (c *memoryCache) size() int {
	n := 0
	for _, s := range c.shards {
		s.lock.RLock()
		n += len(s.entries)
		s.lock.RUnlock()
	}
	return n
}
