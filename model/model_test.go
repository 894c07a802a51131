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
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestPagingNextCursor(t *testing.T) {
	tests := []struct {
		name     string
		paging   Paging
		expected string
	}{
		{name: "next token", paging: Paging{Next: "abc"}, expected: "abc"},
		{name: "cursor key", paging: Paging{Cursor: "c-2"}, expected: "c-2"},
		{name: "next_cursor key", paging: Paging{NextToken: "nc"}, expected: "nc"},
		{name: "token wins over counters", paging: Paging{Next: "tok", Page: intPtr(1), Pages: intPtr(3)}, expected: "tok"},
		{name: "links next", paging: Paging{Links: &PagingLinks{Next: "https://api.example.com/tx?page=2"}}, expected: "https://api.example.com/tx?page=2"},
		{name: "page counters", paging: Paging{Page: intPtr(2), Pages: intPtr(4)}, expected: "page:3"},
		{name: "last page", paging: Paging{Page: intPtr(4), Pages: intPtr(4)}, expected: ""},
		{name: "blank token ignored", paging: Paging{Next: "  "}, expected: ""},
		{name: "empty", paging: Paging{}, expected: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.paging.NextCursor())
		})
	}
}

func TestPageDecodesNextCursorKey(t *testing.T) {
	var page Page
	require.NoError(t, json.Unmarshal([]byte(`{"paging":{"next_cursor":"nc-7"},"data":[{"id":"tx-1"}]}`), &page))
	assert.Equal(t, "nc-7", page.Paging.NextToken)
	assert.Equal(t, "nc-7", page.Paging.NextCursor())
	assert.Len(t, page.Data, 1)
}

func TestPinPageCursor(t *testing.T) {
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	pinned := PinPageCursor("page:4", start, end)
	page, gotStart, gotEnd, ok := UnpinPageCursor(pinned)
	require.True(t, ok)
	assert.Equal(t, "page:4", page)
	assert.True(t, start.Equal(gotStart))
	assert.True(t, end.Equal(gotEnd))

	assert.Equal(t, "c2", PinPageCursor("c2", start, end))
	for _, cursor := range []string{"c2", "page:4", "https://api.example.com/tx?page=2", "page:4|bad|2024-05-01T00:00:00Z"} {
		got, _, _, ok := UnpinPageCursor(cursor)
		assert.False(t, ok, cursor)
		assert.Equal(t, cursor, got)
	}
}

func TestRawTransactionDecode(t *testing.T) {
	payload := `{
		"id": "tx-1", "amount": 12500, "type": "credit", "date": "2024-05-01",
		"balance": "500000", "category": "POS",
		"meta": {"reversed": "true", "original_transaction_id": "tx-0", "channel": "card"}
	}`
	var raw RawTransaction
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	assert.Equal(t, RawAmount("12500"), raw.Amount)
	assert.Equal(t, RawAmount("500000"), raw.Balance)
	require.NotNil(t, raw.Meta)
	assert.True(t, raw.Meta.Reversed)
	assert.Equal(t, "tx-0", raw.Meta.OriginalTransactionID)
	assert.Equal(t, "card", raw.Meta.Extra["channel"])
	assert.False(t, raw.IsHold())
}

func TestRawMetaHold(t *testing.T) {
	var raw RawTransaction
	require.NoError(t, json.Unmarshal([]byte(`{"id":"h","amount":0,"meta":{"is_hold":true}}`), &raw))
	assert.True(t, raw.IsHold())
}

func TestDedupeKeyIsStable(t *testing.T) {
	a := RawTransaction{ID: "tx-1", Amount: "100", Date: "2024-05-01", Type: "Credit"}
	b := RawTransaction{ID: "tx-1", Amount: "100", Date: "2024-05-01", Type: "credit", Narration: "different"}
	c := RawTransaction{ID: "tx-1", Amount: "101", Date: "2024-05-01", Type: "credit"}

	assert.Equal(t, DedupeKey(a), DedupeKey(b))
	assert.NotEqual(t, DedupeKey(a), DedupeKey(c))
	assert.Len(t, DedupeKey(a), 64)
}

func TestCanonicalTransactionValidate(t *testing.T) {
	txn := CanonicalTransaction{ProviderTransactionID: "tx-1", TransactionType: TransactionTypeDebit, Amount: decimal.NewFromInt(5)}
	assert.NoError(t, txn.Validate())
	assert.True(t, txn.SignedAmount().Equal(decimal.NewFromInt(-5)))

	txn.TransactionType = "transfer"
	assert.Error(t, txn.Validate())

	txn.TransactionType = TransactionTypeCredit
	txn.Amount = decimal.NewFromInt(-1)
	assert.Error(t, txn.Validate())

	txn.Amount = decimal.NewFromInt(1)
	txn.IsReversal = true
	txn.OriginalTransactionID = "tx-1"
	assert.Error(t, txn.Validate())
}

func TestWebhookEventID(t *testing.T) {
	body := []byte(`{"event":"transactions.updated","account":"acc","timestamp":1714550400}`)
	var event WebhookEvent
	require.NoError(t, json.Unmarshal(body, &event))

	id := event.EventID(body)
	assert.Equal(t, id, event.EventID(body))
	assert.NotEqual(t, id, event.EventID([]byte(`{"event":"transactions.updated","account":"acc","timestamp":1714550401}`)))
}

func TestParseTransactionType(t *testing.T) {
	typ, ok := ParseTransactionType(" DEBIT ")
	assert.True(t, ok)
	assert.Equal(t, TransactionTypeDebit, typ)

	_, ok = ParseTransactionType("refund")
	assert.False(t, ok)
}
