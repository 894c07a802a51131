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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/bankfeed/internal/notification"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type correlationKey struct{}

// WithCorrelationID threads a run's correlation id through ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewCorrelationID returns a fresh run id.
func NewCorrelationID() string {
	return "run_" + uuid.New().String()
}

// EventEmitter publishes operational events. Implementations report their
// own failures; callers go through emit, which only logs them.
type EventEmitter interface {
	Emit(ctx context.Context, event model.Event) error
}

// NewEvent builds an event stamped with the correlation id held by ctx.
func NewEvent(ctx context.Context, name string, scope model.SyncScope, data map[string]interface{}) model.Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return model.Event{
		ID:            model.GenerateUUIDWithSuffix("evt"),
		Name:          name,
		CorrelationID: CorrelationID(ctx),
		ConnectionID:  scope.ConnectionID,
		AccountID:     scope.AccountID,
		Data:          data,
		Timestamp:     time.Now().UTC(),
	}
}

func emit(ctx context.Context, emitter EventEmitter, event model.Event) {
	if emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("event", event.Name).Errorf("event emitter panicked: %v", r)
		}
	}()
	if err := emitter.Emit(ctx, event); err != nil {
		logrus.WithFields(logrus.Fields{
			"event":          event.Name,
			"correlation_id": event.CorrelationID,
			"account_id":     event.AccountID,
		}).WithError(err).Warn("failed to emit event")
	}
}

// LogEmitter writes every event to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, event model.Event) error {
	entry := logrus.WithFields(logrus.Fields{
		"event":          event.Name,
		"event_id":       event.ID,
		"correlation_id": event.CorrelationID,
		"connection_id":  event.ConnectionID,
		"account_id":     event.AccountID,
	})
	for k, v := range event.Data {
		entry = entry.WithField(k, v)
	}
	switch event.Name {
	case model.EventSyncFailed, model.EventSyncThresholdBreached:
		entry.Error("sync event")
	case model.EventSyncZeroTransactions, model.EventSyncLatencySLABreached:
		entry.Warn("sync event")
	default:
		entry.Info("sync event")
	}
	return nil
}

// MultiEmitter fans an event out to every emitter and joins their errors.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event model.Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertEmitter forwards operator-facing events to a notifier.
type AlertEmitter struct {
	Notifier notification.Notifier
	Names    map[string]bool
}

// NewAlertEmitter alerts on the threshold breach and zero-transaction
// signals unless names are given.
func NewAlertEmitter(notifier notification.Notifier, names ...string) *AlertEmitter {
	if len(names) == 0 {
		names = []string{model.EventSyncThresholdBreached, model.EventSyncZeroTransactions}
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &AlertEmitter{Notifier: notifier, Names: set}
}

func (a *AlertEmitter) Emit(ctx context.Context, event model.Event) error {
	if a.Notifier == nil || !a.Names[event.Name] {
		return nil
	}
	fields := map[string]string{
		"Connection":  event.ConnectionID,
		"Account":     event.AccountID,
		"Correlation": event.CorrelationID,
	}
	for k, v := range event.Data {
		fields[k] = fmt.Sprint(v)
	}
	return a.Notifier.Notify(ctx, notification.Alert{
		Title:  alertTitle(event.Name),
		Fields: fields,
		Time:   event.Timestamp,
	})
}

func alertTitle(name string) string {
	switch name {
	case model.EventSyncThresholdBreached:
		return "Bank sync failing repeatedly"
	case model.EventSyncZeroTransactions:
		return "Bank sync returned no transactions"
	case model.EventSyncLatencySLABreached:
		return "Bank sync exceeded latency SLA"
	}
	return name
}
