/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache is a read-through cache. Values are msgpack encoded.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the cached value into data. It reports false on a miss.
	Get(ctx context.Context, key string, data interface{}) (bool, error)

	// Once returns the cached value of key, calling load at most once per
	// process for concurrent misses and caching its result for ttl.
	Once(ctx context.Context, key string, data interface{}, ttl time.Duration, load func() (interface{}, error)) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// RedisCache keeps a local TinyLFU tier in front of Redis, so hot catalog
// prices during a sale are served without a network hop.
type RedisCache struct {
	cache *cache.Cache
}

const (
	DefaultLocalSize = 128000
	DefaultLocalTTL  = time.Minute
)

func NewRedisCache(client redis.UniversalClient, localSize int, localTTL time.Duration) *RedisCache {
	if localSize <= 0 {
		localSize = DefaultLocalSize
	}
	if localTTL <= 0 {
		localTTL = DefaultLocalTTL
	}
	return &RedisCache{cache: cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localSize, localTTL),
	})}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: value,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) (bool, error) {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Once(ctx context.Context, key string, data interface{}, ttl time.Duration, load func() (interface{}, error)) error {
	return r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
		Do: func(*cache.Item) (interface{}, error) {
			return load()
		},
	})
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
