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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/blnkfinance/bankfeed/config"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// NewWebhook represents the structure of an outbound webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// processHTTP sends a webhook notification via HTTP POST request. When a
// webhook secret is configured the body is signed the same way inbound
// deliveries are verified.
//
// Parameters:
// - ctx context.Context: Request context.
// - client *http.Client: HTTP client used for delivery.
// - conf *config.Configuration: Source of the URL, headers and secret.
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request fails or the receiver answers outside 2XX.
func processHTTP(ctx context.Context, client *http.Client, conf *config.Configuration, data NewWebhook) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}
	if conf.Webhook.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(conf.Webhook.Secret, ts, jsonData))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	// Check if the status code is not in the 2XX success range
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery failed with status code %d", resp.StatusCode)
	}
	logrus.WithField("event", data.Event).Info("webhook notification sent successfully")
	return nil
}

// ProcessEventDelivery processes an event_delivery task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails.
func (b *Bankfeed) ProcessEventDelivery(ctx context.Context, task *asynq.Task) error {
	if b.config.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid event payload: %v: %w", err, asynq.SkipRetry)
	}
	return processHTTP(ctx, b.httpClient, b.config, payload)
}
