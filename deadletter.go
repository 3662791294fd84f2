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
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/flashsale/internal/notification"
	"github.com/blnkfinance/flashsale/model"
)

// DeadLetterSink receives tasks that will not be retried again.
type DeadLetterSink interface {
	ForwardDeadLetter(ctx context.Context, letter model.DeadLetter) error
}

// NewDeadLetterForwarder returns the error handler of the consumer servers.
// Tasks that exhausted their retries or were rejected as poison are copied
// to the sink. Failures on the dead letter queue itself are only logged.
func NewDeadLetterForwarder(sink DeadLetterSink, deadLetterQueue string) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		queue, _ := asynq.GetQueueName(ctx)
		taskID, _ := asynq.GetTaskID(ctx)

		logger := logrus.WithFields(logrus.Fields{
			"type":      task.Type(),
			"queue":     queue,
			"task_id":   taskID,
			"retried":   retried,
			"max_retry": maxRetry,
		})

		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			logger.WithError(err).Warn("task failed, will retry")
			return
		}
		if queue == deadLetterQueue {
			logger.WithError(err).Error("dead letter task failed")
			return
		}

		letter := model.DeadLetter{
			TaskType: task.Type(),
			Queue:    queue,
			TaskID:   taskID,
			Payload:  string(task.Payload()),
			Error:    err.Error(),
			Retried:  retried,
			MaxRetry: maxRetry,
			FailedAt: time.Now().UTC(),
		}
		if ferr := sink.ForwardDeadLetter(ctx, letter); ferr != nil {
			logger.WithError(ferr).Error("could not forward task to the dead letter queue")
			notification.NotifyError(ferr)
			return
		}
		logger.WithError(err).Error("task moved to the dead letter queue")
	})
}

// ProcessDeadLetter is the handler of the dead letter queue. It records and
// alerts on every letter and never asks for a retry.
func ProcessDeadLetter(_ context.Context, t *asynq.Task) error {
	var letter model.DeadLetter
	if err := json.Unmarshal(t.Payload(), &letter); err != nil {
		logrus.WithField("payload", string(t.Payload())).Errorf("undecodable dead letter: %v", err)
		notification.Alert("Undecodable dead letter", map[string]string{"Payload": string(t.Payload())})
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"type":      letter.TaskType,
		"queue":     letter.Queue,
		"task_id":   letter.TaskID,
		"payload":   letter.Payload,
		"error":     letter.Error,
		"retried":   letter.Retried,
		"max_retry": letter.MaxRetry,
		"failed_at": letter.FailedAt,
	}).Error("dead letter received")

	notification.Alert("Dead letter on "+letter.Queue, map[string]string{
		"Type":    letter.TaskType,
		"Task":    letter.TaskID,
		"Error":   letter.Error,
		"Retried": strconv.Itoa(letter.Retried) + "/" + strconv.Itoa(letter.MaxRetry),
		"Payload": letter.Payload,
	})
	return nil
}
