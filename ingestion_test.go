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
	"testing"
	"time"

	"github.com/blnkfinance/bankfeed/database/mocks"
	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var ingestScope = model.SyncScope{ConnectionID: "conn-1", AccountID: "acct-1"}

func canonical(id string) model.CanonicalTransaction {
	return model.CanonicalTransaction{
		TransactionID:         model.GenerateUUIDWithSuffix("btx"),
		ProviderTransactionID: id,
		ConnectionID:          ingestScope.ConnectionID,
		AccountID:             ingestScope.AccountID,
		Amount:                decimal.NewFromFloat(gofakeit.Price(1, 5000)),
		Currency:              "NGN",
		TransactionType:       model.TransactionTypeCredit,
		TransactionDate:       time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Description:           gofakeit.Sentence(4),
	}
}

func insertedIDs(txns []*model.CanonicalTransaction) []string {
	ids := make([]string, 0, len(txns))
	for _, t := range txns {
		ids = append(ids, t.ProviderTransactionID)
	}
	return ids
}

func TestIngestTransactionsSkipsStoredAndRepeated(t *testing.T) {
	store := new(mocks.MockDataSource)
	emitter := &recordingEmitter{}
	sink := &fakeSink{}
	svc := NewIngestionService(store, emitter, sink)

	txns := []model.CanonicalTransaction{canonical("tx-1"), canonical("tx-2"), canonical("tx-2"), canonical("tx-3")}

	store.On("ExistingTransactionIDs", mock.Anything, "acct-1", []string{"tx-1", "tx-2", "tx-2", "tx-3"}).
		Return(map[string]bool{"tx-1": true}, nil)
	store.On("InsertTransactions", mock.Anything, mock.MatchedBy(func(batch []*model.CanonicalTransaction) bool {
		return assert.ObjectsAreEqual([]string{"tx-2", "tx-3"}, insertedIDs(batch))
	})).Return(2, nil)

	result, err := svc.IngestTransactions(context.Background(), ingestScope, txns)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 2, result.Duplicates)

	event, ok := emitter.last(model.EventIngestionCompleted)
	require.True(t, ok)
	assert.Equal(t, 2, event.Data["inserted"])
	assert.Contains(t, sink.stages, metrics.StagePersist+":"+metrics.OutcomeSuccess)
	store.AssertExpectations(t)
}

func TestIngestTransactionsSecondCallIsAllDuplicates(t *testing.T) {
	store := new(mocks.MockDataSource)
	svc := NewIngestionService(store, nil, nil)
	txns := []model.CanonicalTransaction{canonical("tx-1"), canonical("tx-2")}

	store.On("ExistingTransactionIDs", mock.Anything, "acct-1", []string{"tx-1", "tx-2"}).
		Return(map[string]bool{"tx-1": true, "tx-2": true}, nil)

	result, err := svc.IngestTransactions(context.Background(), ingestScope, txns)
	require.NoError(t, err)
	assert.Equal(t, model.IngestionResult{Inserted: 0, Duplicates: 2}, result)
	store.AssertNotCalled(t, "InsertTransactions", mock.Anything, mock.Anything)
}

func TestIngestTransactionsConcurrentWriterConflicts(t *testing.T) {
	store := new(mocks.MockDataSource)
	svc := NewIngestionService(store, nil, nil)
	txns := []model.CanonicalTransaction{canonical("tx-1"), canonical("tx-2")}

	store.On("ExistingTransactionIDs", mock.Anything, "acct-1", mock.Anything).Return(map[string]bool{}, nil)
	store.On("InsertTransactions", mock.Anything, mock.Anything).Return(1, nil)

	result, err := svc.IngestTransactions(context.Background(), ingestScope, txns)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Duplicates)
}

func TestIngestTransactionsEmptyBatch(t *testing.T) {
	store := new(mocks.MockDataSource)
	svc := NewIngestionService(store, nil, nil)

	result, err := svc.IngestTransactions(context.Background(), ingestScope, nil)
	require.NoError(t, err)
	assert.Equal(t, model.IngestionResult{}, result)
	store.AssertNotCalled(t, "ExistingTransactionIDs", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestTransactionsRejectsForeignAccount(t *testing.T) {
	store := new(mocks.MockDataSource)
	svc := NewIngestionService(store, nil, nil)
	other := canonical("tx-9")
	other.AccountID = "acct-2"

	_, err := svc.IngestTransactions(context.Background(), ingestScope, []model.CanonicalTransaction{canonical("tx-1"), other})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))
	store.AssertNotCalled(t, "ExistingTransactionIDs", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestTransactionsStorageFailure(t *testing.T) {
	store := new(mocks.MockDataSource)
	emitter := &recordingEmitter{}
	sink := &fakeSink{}
	svc := NewIngestionService(store, emitter, sink)

	store.On("ExistingTransactionIDs", mock.Anything, "acct-1", mock.Anything).Return(map[string]bool{}, nil)
	store.On("InsertTransactions", mock.Anything, mock.Anything).
		Return(0, apierror.NewAPIError(apierror.ErrInternalServer, "insert failed", errors.New("connection reset")))

	_, err := svc.IngestTransactions(context.Background(), ingestScope, []model.CanonicalTransaction{canonical("tx-1")})
	require.Error(t, err)
	assert.Equal(t, 0, emitter.count(model.EventIngestionCompleted))
	assert.Contains(t, sink.stages, metrics.StagePersist+":"+metrics.OutcomeError)
}
