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

import "time"

const (
	SyncRunCompleted = "completed"
	SyncRunFailed    = "failed"
)

// SyncRun is the audit row written once per pipeline run.
type SyncRun struct {
	CorrelationID string    `json:"correlation_id"`
	ConnectionID  string    `json:"connection_id"`
	AccountID     string    `json:"account_id"`
	Provider      string    `json:"provider"`
	Status        string    `json:"status"`
	Pages         int       `json:"pages"`
	Synced        int       `json:"synced"`
	Inserted      int       `json:"inserted"`
	Duplicates    int       `json:"duplicates"`
	Rejected      int       `json:"rejected"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}
