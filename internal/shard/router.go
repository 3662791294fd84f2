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

package shard

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// LogicalOrders is the only sharded logical table.
const LogicalOrders = "orders"

var (
	ErrNoShardContext    = errors.New("shard: no active shard scope in context")
	ErrInvalidShardCount = errors.New("shard: shard count must be a power of two between 1 and 4096")
)

type scopeKey struct{}

// Scope is the binding of the logical table to one physical table.
type Scope struct {
	index    int
	physical string
	released atomic.Bool
}

func (s *Scope) Index() int {
	return s.index
}

func (s *Scope) Released() bool {
	return s.released.Load()
}

type Router struct {
	shardCount int
	mask       int64
}

func NewRouter(shardCount int) (*Router, error) {
	if shardCount < 1 || shardCount > 4096 || bits.OnesCount(uint(shardCount)) != 1 {
		return nil, ErrInvalidShardCount
	}
	return &Router{shardCount: shardCount, mask: int64(shardCount - 1)}, nil
}

func (r *Router) ShardCount() int {
	return r.shardCount
}

// ShardOf returns key mod N.
func (r *Router) ShardOf(key int64) int {
	return int(key & r.mask)
}

func (r *Router) PhysicalName(index int) string {
	return fmt.Sprintf("%s_%d", LogicalOrders, index)
}

// Tables lists every physical table, in shard order.
func (r *Router) Tables() []string {
	tables := make([]string, r.shardCount)
	for i := range tables {
		tables[i] = r.PhysicalName(i)
	}
	return tables
}

// WithShard runs fn with the logical orders table bound to the shard of key.
// The scope is released on every exit path; a panic in fn is re-raised after
// the release.
func (r *Router) WithShard(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	index := r.ShardOf(key)
	scope := &Scope{index: index, physical: r.PhysicalName(index)}
	defer scope.released.Store(true)

	return fn(context.WithValue(ctx, scopeKey{}, scope))
}

// Table resolves a logical table name inside a scope. Names other than
// LogicalOrders are not sharded and come back unchanged.
func (r *Router) Table(ctx context.Context, logical string) (string, error) {
	if logical != LogicalOrders {
		return logical, nil
	}
	scope, ok := ScopeFrom(ctx)
	if !ok || scope.Released() {
		return "", ErrNoShardContext
	}
	return scope.physical, nil
}

func ScopeFrom(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok
}
