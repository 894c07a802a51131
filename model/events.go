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

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event names emitted by the sync pipeline.
const (
	EventSyncFailed             = "sync.failed"
	EventSyncThresholdBreached  = "sync.failure_threshold_breached"
	EventSyncZeroTransactions   = "sync.zero_transactions"
	EventSyncLatencySLABreached = "sync.latency_sla_breached"
	EventSyncCompleted          = "sync.completed"
	EventIngestionCompleted     = "ingestion.completed"
	EventPipelineCompleted      = "pipeline.completed"
)

// Event is an operational signal raised during a sync run. Every event emitted
// by one run shares the run's CorrelationID.
type Event struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"event"`
	CorrelationID string                 `json:"correlation_id"`
	ConnectionID  string                 `json:"connection_id"`
	AccountID     string                 `json:"account_id"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     time.Time              `json:"timestamp"`
}

// WebhookEvent is the inbound push notification body: {event, data, account, timestamp}.
type WebhookEvent struct {
	Type      string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Account   string          `json:"account"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// EventID derives the dedupe identity of an inbound event from its type,
// account, timestamp and a hash of the raw payload.
func (w WebhookEvent) EventID(rawBody []byte) string {
	body := sha256.Sum256(rawBody)
	fingerprint := fmt.Sprintf("%s|%s|%s|%s", w.Type, w.Account, string(w.Timestamp), hex.EncodeToString(body[:]))
	sum := sha256.Sum256([]byte(fingerprint))
	return "whe_" + hex.EncodeToString(sum[:16])
}
