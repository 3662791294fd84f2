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

package flashsale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/flashsale/config"
	redis_db "github.com/blnkfinance/flashsale/internal/redis-db"
	"github.com/blnkfinance/flashsale/internal/txmsg"
	"github.com/blnkfinance/flashsale/model"
)

// Queue is the asynq side of the broker. It publishes committed purchase
// intents, arms delayed timeout checks and forwards dead letters.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	queues    config.QueueConfig
	delay     time.Duration
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewQueueWithOpt(opt, conf.Queue, conf.Sale.TimeoutCheckDelay()), nil
}

// NewQueueWithOpt builds a Queue on explicit connection options.
func NewQueueWithOpt(opt asynq.RedisConnOpt, queues config.QueueConfig, timeoutDelay time.Duration) *Queue {
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		queues:    queues,
		delay:     timeoutDelay,
	}
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.Warnf("close queue inspector: %v", err)
	}
	return q.Client.Close()
}

func (q *Queue) retention() time.Duration {
	return time.Duration(q.queues.RetentionSec) * time.Second
}

// enqueue treats a task id that is already known to the broker as success.
func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := q.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithField("type", task.Type()).Debug("task already enqueued")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"type": task.Type(), "id": info.ID, "queue": info.Queue}).Debug("task enqueued")
	return nil
}

// Publish makes a committed half message deliverable. The message id is the
// asynq task id, so a re-commit after a lost answer is delivered once.
func (q *Queue) Publish(ctx context.Context, msg *txmsg.Message) error {
	task := asynq.NewTask(msg.Topic, msg.Body)
	return q.enqueue(ctx, task,
		asynq.TaskID(msg.ID),
		asynq.Queue(msg.Topic),
		asynq.MaxRetry(q.queues.MaxRetry),
		asynq.Retention(q.retention()),
	)
}

func timeoutTaskID(orderID int64) string {
	return fmt.Sprintf("timeout:%d", orderID)
}

// ScheduleTimeoutCheck arms the payment window of an order. Arming an order
// that already has a pending check is a no-op.
func (q *Queue) ScheduleTimeoutCheck(ctx context.Context, orderID int64) error {
	payload, err := model.OrderTimeoutCheck{OrderID: orderID}.ToJSON()
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.queues.OrderTimeoutQueue, payload)
	return q.enqueue(ctx, task,
		asynq.TaskID(timeoutTaskID(orderID)),
		asynq.Queue(q.queues.OrderTimeoutQueue),
		asynq.ProcessIn(q.delay),
		asynq.MaxRetry(q.queues.MaxRetry),
		asynq.Retention(q.retention()),
	)
}

// ForwardDeadLetter moves a terminally failed task onto the dead letter
// queue, where it is never retried.
func (q *Queue) ForwardDeadLetter(ctx context.Context, letter model.DeadLetter) error {
	payload, err := letter.ToJSON()
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(q.queues.DeadLetterQueue),
		asynq.MaxRetry(0),
		asynq.Retention(q.retention()),
	}
	if letter.TaskID != "" {
		opts = append(opts, asynq.TaskID(fmt.Sprintf("dead:%s:%s", letter.Queue, letter.TaskID)))
	}
	return q.enqueue(ctx, asynq.NewTask(q.queues.DeadLetterQueue, payload), opts...)
}
