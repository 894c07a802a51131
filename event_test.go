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
	"strings"
	"testing"

	"github.com/blnkfinance/bankfeed/internal/notification"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	alerts []notification.Alert
}

func (c *captureNotifier) Notify(_ context.Context, alert notification.Alert) error {
	c.alerts = append(c.alerts, alert)
	return nil
}

type failingEmitter struct{ err error }

func (f failingEmitter) Emit(context.Context, model.Event) error { return f.err }

type panickingEmitter struct{}

func (panickingEmitter) Emit(context.Context, model.Event) error { panic("emitter bug") }

func TestNewEventCarriesCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "run_abc")
	event := NewEvent(ctx, model.EventSyncCompleted, model.SyncScope{ConnectionID: "c", AccountID: "a"}, nil)

	assert.True(t, strings.HasPrefix(event.ID, "evt_"))
	assert.Equal(t, "run_abc", event.CorrelationID)
	assert.Equal(t, "a", event.AccountID)
	assert.NotNil(t, event.Data)
	assert.False(t, event.Timestamp.IsZero())
	assert.True(t, strings.HasPrefix(NewCorrelationID(), "run_"))
}

func TestMultiEmitterJoinsErrors(t *testing.T) {
	rec := &recordingEmitter{}
	m := MultiEmitter{failingEmitter{errors.New("first")}, nil, rec, failingEmitter{errors.New("second")}}

	err := m.Emit(context.Background(), model.Event{Name: model.EventSyncFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, 1, rec.count(model.EventSyncFailed))
}

func TestEmitNeverPropagates(t *testing.T) {
	assert.NotPanics(t, func() {
		emit(context.Background(), panickingEmitter{}, model.Event{Name: model.EventSyncFailed})
		emit(context.Background(), failingEmitter{errors.New("down")}, model.Event{Name: model.EventSyncFailed})
		emit(context.Background(), nil, model.Event{Name: model.EventSyncFailed})
	})
}

func TestAlertEmitterFiltersByName(t *testing.T) {
	notifier := &captureNotifier{}
	alerts := NewAlertEmitter(notifier)

	for _, name := range []string{model.EventSyncFailed, model.EventSyncThresholdBreached, model.EventSyncCompleted, model.EventSyncZeroTransactions} {
		require.NoError(t, alerts.Emit(context.Background(), model.Event{
			Name:      name,
			AccountID: "acct-1",
			Data:      map[string]interface{}{"consecutive_failures": 3},
		}))
	}

	require.Len(t, notifier.alerts, 2)
	assert.Equal(t, "Bank sync failing repeatedly", notifier.alerts[0].Title)
	assert.Equal(t, "3", notifier.alerts[0].Fields["consecutive_failures"])
	assert.Equal(t, "acct-1", notifier.alerts[0].Fields["Account"])
	assert.Equal(t, "Bank sync returned no transactions", notifier.alerts[1].Title)
}

func TestAlertEmitterCustomNames(t *testing.T) {
	notifier := &captureNotifier{}
	alerts := NewAlertEmitter(notifier, model.EventSyncLatencySLABreached)
	require.NoError(t, alerts.Emit(context.Background(), model.Event{Name: model.EventSyncLatencySLABreached}))
	require.NoError(t, alerts.Emit(context.Background(), model.Event{Name: model.EventSyncThresholdBreached}))
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "Bank sync exceeded latency SLA", notifier.alerts[0].Title)
}
