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
	"errors"
	"regexp"
	"time"

	"github.com/blnkfinance/bankfeed"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// TriggerSync is the body of POST /connections/:connection_id/accounts/:account_id/sync.
type TriggerSync struct {
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id"`
	Currency          string    `json:"currency"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	// Wait runs the sync inside the request instead of queueing it.
	Wait bool `json:"wait"`
}

func (t *TriggerSync) ValidateTriggerSync() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Provider, validation.Required),
		validation.Field(&t.Currency, validation.Match(currencyCode).Error("currency must be a 3 letter ISO code")),
		validation.Field(&t.End, validation.By(func(interface{}) error {
			if !t.Start.IsZero() && !t.End.IsZero() && t.End.Before(t.Start) {
				return errors.New("end must not be before start")
			}
			return nil
		})),
	)
}

func (t *TriggerSync) ToPipelineRequest(connectionID, accountID string) bankfeed.PipelineRequest {
	return bankfeed.PipelineRequest{
		SyncRequest: bankfeed.SyncRequest{
			ConnectionID:      connectionID,
			AccountID:         accountID,
			ProviderAccountID: t.ProviderAccountID,
			Start:             t.Start,
			End:               t.End,
		},
		Currency: t.Currency,
	}
}

// SyncAccepted is returned when a sync was handed to the queue.
type SyncAccepted struct {
	Queued        bool   `json:"queued"`
	TaskID        string `json:"task_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
