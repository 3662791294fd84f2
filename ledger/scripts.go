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

package ledger

import "github.com/redis/go-redis/v9"

// KEYS[1] stock key, KEYS[2] marker key
// ARGV[1] order id, ARGV[2] marker ttl in ms
// -1 already reserved, 0 out of stock, 1 reserved
var reserveScript = redis.NewScript(`
if redis.call('exists', KEYS[2]) == 1 then
	return -1
end
local stock = tonumber(redis.call('get', KEYS[1]))
if stock == nil or stock <= 0 then
	return 0
end
redis.call('decr', KEYS[1])
redis.call('set', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS[1] stock key, KEYS[2] marker key, KEYS[3] rollback guard key
// ARGV[1] order id, ARGV[2] guard ttl in ms, ARGV[3] "1" when the marker must
// still hold the order id
// The guard makes the increment happen once per order, with or without the
// marker. The marker is deleted only when it belongs to the order.
var rollbackScript = redis.NewScript(`
local marker = redis.call('get', KEYS[2])
if ARGV[3] == '1' and marker ~= ARGV[1] then
	return 0
end
if not redis.call('set', KEYS[3], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 0
end
if marker == ARGV[1] then
	redis.call('del', KEYS[2])
end
redis.call('incr', KEYS[1])
return 1
`)

// KEYS[1] stock key
// ARGV[1] stock
var preheatScript = redis.NewScript(`
if redis.call('set', KEYS[1], ARGV[1], 'NX') then
	return 1
end
return 0
`)
