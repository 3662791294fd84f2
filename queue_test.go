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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/flashsale/config"
	"github.com/blnkfinance/flashsale/internal/txmsg"
	"github.com/blnkfinance/flashsale/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewQueueWithOpt(asynq.RedisClientOpt{Addr: mr.Addr()}, config.QueueConfig{
		PurchaseQueue:     config.PurchaseQueue,
		OrderTimeoutQueue: config.OrderTimeoutQueue,
		DeadLetterQueue:   config.DeadLetterQueue,
		MaxRetry:          5,
	}, 15*time.Minute)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueuePublishDeduplicatesByMessageID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	msg := &txmsg.Message{ID: purchaseMessageID(12), Topic: config.PurchaseQueue, Body: []byte(`{"orderId":12}`)}

	require.NoError(t, q.Publish(ctx, msg))
	require.NoError(t, q.Publish(ctx, msg))

	info, err := q.Inspector.GetTaskInfo(config.PurchaseQueue, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State)
	assert.Equal(t, 5, info.MaxRetry)

	tasks, err := q.Inspector.ListPendingTasks(config.PurchaseQueue)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestQueueScheduleTimeoutCheck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.ScheduleTimeoutCheck(ctx, 99))
	require.NoError(t, q.ScheduleTimeoutCheck(ctx, 99))

	info, err := q.Inspector.GetTaskInfo(config.OrderTimeoutQueue, timeoutTaskID(99))
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStateScheduled, info.State)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), info.NextProcessAt, time.Minute)

	check, err := model.DecodeOrderTimeoutCheck(info.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(99), check.OrderID)
}

func TestQueueForwardDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	letter := model.DeadLetter{TaskType: config.PurchaseQueue, Queue: config.PurchaseQueue, TaskID: "purchase:3", Payload: "{"}

	require.NoError(t, q.ForwardDeadLetter(context.Background(), letter))

	info, err := q.Inspector.GetTaskInfo(config.DeadLetterQueue, "dead:purchase:purchase:3")
	require.NoError(t, err)
	assert.Equal(t, 0, info.MaxRetry)
}
