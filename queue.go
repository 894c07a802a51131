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

package bankfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/blnkfinance/bankfeed/config"
	redis_db "github.com/blnkfinance/bankfeed/internal/redis-db"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TaskSyncAccount   = "sync_account"
	TaskEventDelivery = "event_delivery"
)

// Queue represents a queue for handling sync and event delivery tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      *config.Configuration
}

// SyncTaskPayload is the body of a sync_account task.
type SyncTaskPayload struct {
	Provider string `json:"provider"`
	PipelineRequest
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		conf:      conf,
	}
}

// SyncTaskID is the task id shared by every sync request for one account,
// so at most one is queued at a time.
func SyncTaskID(connectionID, accountID string) string {
	return fmt.Sprintf("sync:%s:%s", connectionID, accountID)
}

// EnqueueSync queues a pipeline run for an account.
//
// Parameters:
// - ctx context.Context: Context for the enqueue call.
// - payload SyncTaskPayload: Provider and account to sync.
//
// Returns:
// - bool: False when a run for the account is already queued.
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueSync(ctx context.Context, payload SyncTaskPayload) (bool, error) {
	if payload.Provider == "" || payload.ConnectionID == "" || payload.AccountID == "" {
		return false, errors.New("provider, connection_id and account_id are required")
	}
	if payload.CorrelationID == "" {
		payload.CorrelationID = NewCorrelationID()
	}

	IPayload, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(SyncTaskID(payload.ConnectionID, payload.AccountID)),
		asynq.Queue(q.conf.Queue.SyncQueue),
		asynq.Unique(time.Duration(q.conf.Queue.UniqueWindowSeconds) * time.Second),
		asynq.MaxRetry(q.conf.Sync.RetryAttempts),
	}
	if timeout := q.conf.Sync.RunTimeout(); timeout > 0 {
		taskOptions = append(taskOptions, asynq.Timeout(timeout))
	}

	task := asynq.NewTask(TaskSyncAccount, IPayload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.WithFields(logrus.Fields{
			"connection_id": payload.ConnectionID,
			"account_id":    payload.AccountID,
		}).Info("sync already queued for account")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logrus.WithFields(logrus.Fields{
		"task_id":        info.ID,
		"queue":          info.Queue,
		"correlation_id": payload.CorrelationID,
	}).Info("sync enqueued")
	return true, nil
}

// EnqueueEvent queues outbound delivery of an event to the notification
// webhook. It is a no-op when no webhook URL is configured.
func (q *Queue) EnqueueEvent(ctx context.Context, event model.Event) error {
	if q.conf.Notification.Webhook.Url == "" {
		return nil
	}
	IPayload, err := json.Marshal(NewWebhook{Event: event.Name, Payload: event})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskEventDelivery, IPayload, asynq.Queue(q.conf.Queue.EventQueue), asynq.MaxRetry(5))
	_, err = q.Client.EnqueueContext(ctx, task)
	return err
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// QueueEmitter delivers events to the outbound webhook through the queue.
type QueueEmitter struct {
	Queue *Queue
}

func (e QueueEmitter) Emit(ctx context.Context, event model.Event) error {
	if e.Queue == nil {
		return nil
	}
	return e.Queue.EnqueueEvent(ctx, event)
}
