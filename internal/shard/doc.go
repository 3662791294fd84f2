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

// Package shard maps the logical orders table onto one of N physical tables.
//
// # Routing
//
// The shard of a key is key mod N, where N is the power-of-two shard count
// shared with the id generator. Buyer ids and genetic order ids of the same
// buyer resolve to the same shard, so an order can be found by either.
//
//	buyer 1001 ──┐
//	             ├── 1001 mod 4 = 1 ──► orders_1
//	order  ...01 ┘
//
// # Scopes
//
// A Router binds the logical name to a physical one for the duration of a
// callback:
//
//	err := router.WithShard(ctx, buyerID, func(ctx context.Context) error {
//		table, err := router.Table(ctx, LogicalOrders)
//		...
//	})
//
// The binding travels in the context handed to the callback and is released
// when the callback returns, fails or panics. A context that never entered a
// scope, or whose scope was released, makes Table fail with ErrNoShardContext
// rather than silently falling back to the logical table.
package shard
