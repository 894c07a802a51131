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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewQueue(testConfig(mr.Addr()))
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestEnqueueSyncIsUniquePerAccount(t *testing.T) {
	q, _ := newTestQueue(t)
	payload := SyncTaskPayload{
		Provider:        "mono",
		PipelineRequest: PipelineRequest{SyncRequest: SyncRequest{ConnectionID: "conn-1", AccountID: "acct-1"}},
	}

	queued, err := q.EnqueueSync(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = q.EnqueueSync(context.Background(), payload)
	require.NoError(t, err)
	assert.False(t, queued)

	info, err := q.Inspector.GetTaskInfo("bankfeed_sync", SyncTaskID("conn-1", "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, TaskSyncAccount, info.Type)

	var stored SyncTaskPayload
	require.NoError(t, json.Unmarshal(info.Payload, &stored))
	assert.Equal(t, "acct-1", stored.AccountID)
	assert.NotEmpty(t, stored.CorrelationID)

	other := payload
	other.AccountID = "acct-2"
	queued, err = q.EnqueueSync(context.Background(), other)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestEnqueueSyncRequiresAccount(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.EnqueueSync(context.Background(), SyncTaskPayload{Provider: "mono"})
	assert.Error(t, err)
}

func TestEnqueueEvent(t *testing.T) {
	q, _ := newTestQueue(t)
	event := model.Event{ID: "evt_1", Name: model.EventSyncFailed, AccountID: "acct-1"}

	require.NoError(t, q.EnqueueEvent(context.Background(), event))
	pending, err := q.Inspector.ListPendingTasks("bankfeed_events")
	if err == nil {
		assert.Empty(t, pending)
	}

	q.conf.Notification.Webhook.Url = "https://hooks.example.com/bankfeed"
	require.NoError(t, QueueEmitter{Queue: q}.Emit(context.Background(), event))

	pending, err = q.Inspector.ListPendingTasks("bankfeed_events")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TaskEventDelivery, pending[0].Type)

	var delivered NewWebhook
	require.NoError(t, json.Unmarshal(pending[0].Payload, &delivered))
	assert.Equal(t, model.EventSyncFailed, delivered.Event)
}
