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

package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when the lock is owned by someone else, or expired.
var ErrNotHeld = errors.New("lock is not held")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Locker is a single-key lease. The token identifies the holder so that only
// the holder can release or extend it.
type Locker struct {
	client redis.UniversalClient
	key    string
	token  string
}

// NewLocker creates a lock with a random holder token.
func NewLocker(client redis.UniversalClient, key string) *Locker {
	return NewLockerWithToken(client, key, uuid.NewString())
}

func NewLockerWithToken(client redis.UniversalClient, key, token string) *Locker {
	return &Locker{client: client, key: key, token: token}
}

func (l *Locker) Key() string {
	return l.key
}

// TryLock acquires the lock for ttl. It reports false when another holder
// owns it.
func (l *Locker) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if res == int64(0) {
		return fmt.Errorf("release lock %s: %w", l.key, ErrNotHeld)
	}
	return nil
}

// Extend pushes the expiry of a held lock to ttl from now.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if res == int64(0) {
		return fmt.Errorf("extend lock %s: %w", l.key, ErrNotHeld)
	}
	return nil
}
