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

package txmsg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// All keys share one hash tag so the message and index updates can run in a
// MULTI block on a cluster.
const (
	halfIndexKey  = "txmsg:{half}:index"
	halfKeyPrefix = "txmsg:{half}:msg:"
)

func halfKey(id string) string {
	return halfKeyPrefix + id
}

// RedisStore keeps half messages in a hash per message and a sorted set
// scored by the time the message was last touched. A hash lives exactly as
// long as its index entry: both are written and removed in one MULTI block,
// and the hash carries no TTL, so a due message can always be checked back
// or discarded.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Prepare(ctx context.Context, msg *Message) error {
	key := halfKey(msg.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"topic", msg.Topic,
			"body", msg.Body,
			"created_at", msg.CreatedAt.UnixMilli(),
			"checks", msg.Checks,
		)
		pipe.ZAdd(ctx, halfIndexKey, redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: msg.ID})
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	fields, err := s.client.HGetAll(ctx, halfKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return decodeHalf(id, fields)
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, halfKey(id))
		pipe.ZRem(ctx, halfIndexKey, id)
		return nil
	})
	return err
}

func (s *RedisStore) Due(ctx context.Context, before time.Time, limit int) ([]*Message, error) {
	ids, err := s.client.ZRangeByScore(ctx, halfIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.Get(ctx, id)
		switch {
		case errors.Is(err, ErrMessageNotFound):
			// Hash deleted outside the store; there is nothing left to decide.
			logrus.WithField("message_id", id).Warn("dropping index entry of a missing half message")
			if err := s.client.ZRem(ctx, halfIndexKey, id).Err(); err != nil {
				return msgs, err
			}
		case err != nil:
			// Keep the entry so the message is due again on the next pass.
			logrus.WithField("message_id", id).Errorf("read half message: %v", err)
		default:
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (s *RedisStore) MarkChecked(ctx context.Context, id string, at time.Time) (int, error) {
	var checks *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		checks = pipe.HIncrBy(ctx, halfKey(id), "checks", 1)
		pipe.ZAddXX(ctx, halfIndexKey, redis.Z{Score: float64(at.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(checks.Val()), nil
}

func decodeHalf(id string, fields map[string]string) (*Message, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("half message %s: bad created_at: %w", id, err)
	}
	checks, err := strconv.Atoi(fields["checks"])
	if err != nil {
		return nil, fmt.Errorf("half message %s: bad checks: %w", id, err)
	}
	return &Message{
		ID:        id,
		Topic:     fields["topic"],
		Body:      []byte(fields["body"]),
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		Checks:    checks,
	}, nil
}
