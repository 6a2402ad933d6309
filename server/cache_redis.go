package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisFlushBatch = 500

// redisCache keeps entries as JSON strings under "<prefix>:<datatype>:<hash>:<login state>"
type redisCache struct {
	rdb    *redis.Client
	prefix string
}

func newRedisCache(ctx context.Context, cfg ConfigRedis) (*redisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: time.Duration(cfg.DialTimeoutSeconds) * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DialTimeoutSeconds)*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Could not reach redis at %v: %w", cfg.Addr, err)
	}
	return &redisCache{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}, nil
}

func (c *redisCache) key(datatypeID int64, hash, loginState string) string {
	return c.prefix + ":" + cacheKey(datatypeID, hash, loginState)
}

func (c *redisCache) Get(ctx context.Context, datatypeID int64, hash, loginState string) (*CacheEntry, error) {
	raw, err := c.rdb.Get(ctx, c.key(datatypeID, hash, loginState)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	entry := &CacheEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, fmt.Errorf("Corrupt cache entry: %w", err)
	}
	return entry, nil
}

func (c *redisCache) Put(ctx context.Context, datatypeID int64, hash, loginState string, entry *CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(datatypeID, hash, loginState), raw, 0).Err()
}

// Flush removes every key under our prefix. Other users of the same redis database are left alone.
func (c *redisCache) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+":*", redisFlushBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) != 0 {
			if err := c.rdb.Unlink(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *redisCache) Close() error {
	return c.rdb.Close()
}
