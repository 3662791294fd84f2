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
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, 100, time.Minute)
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "price:42", "28.99", time.Minute))

	var got string
	found, err := c.Get(ctx, "price:42", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "28.99", got)
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t)

	var got string
	found, err := c.Get(context.Background(), "price:404", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, got)
}

func TestOnceLoadsOnce(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int32

	load := func() (interface{}, error) {
		calls.Add(1)
		return "10.00", nil
	}

	for i := 0; i < 3; i++ {
		var got string
		require.NoError(t, c.Once(ctx, "price:7", &got, time.Minute, load))
		assert.Equal(t, "10.00", got)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestOnceDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var got string
	err := c.Once(ctx, "price:8", &got, time.Minute, func() (interface{}, error) {
		return nil, errors.New("catalog down")
	})
	assert.EqualError(t, err, "catalog down")

	err = c.Once(ctx, "price:8", &got, time.Minute, func() (interface{}, error) {
		return "3.50", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "3.50", got)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "price:42", "28.99", time.Minute))
	require.NoError(t, c.Delete(ctx, "price:42"))

	var got string
	found, err := c.Get(ctx, "price:42", &got)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, c.Delete(ctx, "price:missing"))
}
