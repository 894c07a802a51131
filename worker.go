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

	"github.com/blnkfinance/bankfeed/internal/apierror"
	redlock "github.com/blnkfinance/bankfeed/internal/lock"
	"github.com/blnkfinance/bankfeed/internal/retry"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Inbound provider events that mean new transactions may be available.
const (
	WebhookTransactionsUpdated = "transactions.updated"
	WebhookAccountSynced       = "account.synced"
)

// SyncEnqueuer queues sync runs.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, payload SyncTaskPayload) (bool, error)
}

type syncTriggerData struct {
	ConnectionID      string `json:"connection_id"`
	AccountID         string `json:"account_id"`
	ProviderAccountID string `json:"provider_account_id"`
}

// SyncTrigger returns a webhook handler that enqueues a sync for the account
// an event names. The account comes from data.account_id, else the event's
// account; the connection from data.connection_id, else the provider name.
// Events that name no account are logged and acknowledged.
func SyncTrigger(queue SyncEnqueuer, providerName string) WebhookHandler {
	return func(ctx context.Context, event model.WebhookEvent) error {
		var data syncTriggerData
		if len(event.Data) > 0 && string(event.Data) != "null" {
			if err := json.Unmarshal(event.Data, &data); err != nil {
				logrus.WithField("event", event.Type).WithError(err).Warn("webhook data is not an object, using event account")
			}
		}
		accountID := data.AccountID
		if accountID == "" {
			accountID = event.Account
		}
		if accountID == "" {
			logrus.WithField("event", event.Type).Warn("webhook names no account, nothing to sync")
			return nil
		}
		connectionID := data.ConnectionID
		if connectionID == "" {
			connectionID = providerName
		}

		_, err := queue.EnqueueSync(ctx, SyncTaskPayload{
			Provider: providerName,
			PipelineRequest: PipelineRequest{
				SyncRequest: SyncRequest{
					ConnectionID:      connectionID,
					AccountID:         accountID,
					ProviderAccountID: data.ProviderAccountID,
				},
				CorrelationID: CorrelationID(ctx),
			},
		})
		return err
	}
}

// ProcessSyncTask processes a sync_account task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the SyncTaskPayload.
//
// Returns:
// - error: nil on success; errors that retrying cannot fix are marked SkipRetry.
func (b *Bankfeed) ProcessSyncTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid sync payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := logrus.WithFields(logrus.Fields{
		"provider":       payload.Provider,
		"connection_id":  payload.ConnectionID,
		"account_id":     payload.AccountID,
		"correlation_id": payload.CorrelationID,
	})

	result, err := b.RunSync(ctx, payload.Provider, payload.PipelineRequest)
	if errors.Is(err, redlock.ErrLockHeld) {
		logger.Info("sync already running for account, will retry")
		return err
	}
	if err != nil {
		if !shouldRetryTask(err) {
			logger.WithError(err).Error("sync failed permanently")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logger.WithError(err).Warn("sync failed, will retry")
		return err
	}

	logger.WithFields(logrus.Fields{
		"synced":     result.Synced,
		"inserted":   result.Inserted,
		"duplicates": result.Duplicates,
		"rejected":   result.Rejected,
		"pages":      result.Pages,
	}).Info("sync task completed")
	return nil
}

// shouldRetryTask lets asynq retry transient failures, an open breaker and
// runs cut short by the run timeout.
func shouldRetryTask(err error) bool {
	if retry.IsTransient(err) || apierror.IsCode(err, apierror.ErrCircuitOpen) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
