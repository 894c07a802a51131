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

package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionColumns = []string{
	"transaction_id", "provider_transaction_id", "connection_id", "account_id", "provider_account_id",
	"reference", "amount", "currency", "transaction_type", "transaction_date", "value_date",
	"description", "narration", "status", "balance_after", "counterparty", "tags", "meta_data",
	"is_reversal", "original_transaction_id", "is_hold", "created_at",
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func newCanonical(accountID string) *model.CanonicalTransaction {
	balance := decimal.RequireFromString("5000.00")
	return &model.CanonicalTransaction{
		TransactionID:         model.GenerateUUIDWithSuffix("btxn"),
		ProviderTransactionID: gofakeit.UUID(),
		ConnectionID:          "conn-1",
		AccountID:             accountID,
		Amount:                decimal.RequireFromString("125.00"),
		Currency:              "NGN",
		TransactionType:       model.TransactionTypeCredit,
		TransactionDate:       time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		BalanceAfter:          &balance,
		Counterparty:          &model.Counterparty{Name: gofakeit.Name()},
		Tags:                  []string{"pos", "credit"},
		MetaData:              map[string]interface{}{"provenance": "bankfeed:mono"},
		CreatedAt:             time.Now(),
	}
}

func TestExistingTransactionIDs_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT provider_transaction_id")).
		WithArgs("acct-1", sqlmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	_, err = ds.ExistingTransactionIDs(context.Background(), "acct-1", []string{"tx-1"})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInternalServer))
}

func TestExistingTransactionIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT provider_transaction_id FROM bankfeed.bank_transactions")).
		WithArgs("acct-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"provider_transaction_id"}).AddRow("tx-2"))

	existing, err := ds.ExistingTransactionIDs(context.Background(), "acct-1", []string{"tx-1", "tx-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"tx-2": true}, existing)
	assert.NoError(t, mock.ExpectationsWereMet())

	empty, err := ds.ExistingTransactionIDs(context.Background(), "acct-1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInsertTransactions_SingleCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	first := newCanonical("acct-1")
	second := newCanonical("acct-1")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO bankfeed.bank_transactions")
	prep.ExpectExec().WithArgs(anyArgs(22)...).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(anyArgs(22)...).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := ds.InsertTransactions(context.Background(), []*model.CanonicalTransaction{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTransactions_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO bankfeed.bank_transactions")
	prep.ExpectExec().WithArgs(anyArgs(22)...).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(anyArgs(22)...).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = ds.InsertTransactions(context.Background(), []*model.CanonicalTransaction{newCanonical("a"), newCanonical("a")})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInternalServer))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTransactions_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	inserted, err := Datasource{Conn: db}.InsertTransactions(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(transactionColumns).AddRow(
		"btxn_1", "tx-1", "conn-1", "acct-1", "prov-acct",
		"ref-1", "125.00", "NGN", "credit", date, nil,
		"POS purchase", "", "successful", "5000.00", []byte(`{"name":"Ada"}`), "{pos,credit}", []byte(`{"provenance":"bankfeed:mono"}`),
		false, nil, false, date,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM bankfeed.bank_transactions WHERE transaction_id = $1")).
		WithArgs("btxn_1").
		WillReturnRows(rows)

	txn, err := ds.GetTransaction(context.Background(), "btxn_1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txn.ProviderTransactionID)
	assert.Equal(t, "125.00", txn.Amount.StringFixed(2))
	require.NotNil(t, txn.BalanceAfter)
	assert.Equal(t, "5000.00", txn.BalanceAfter.StringFixed(2))
	assert.Equal(t, []string{"pos", "credit"}, txn.Tags)
	require.NotNil(t, txn.Counterparty)
	assert.Equal(t, "Ada", txn.Counterparty.Name)
	assert.Nil(t, txn.ValueDate)
	assert.Equal(t, "bankfeed:mono", txn.MetaData["provenance"])
}

func TestGetTransaction_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE transaction_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(transactionColumns))

	_, err = Datasource{Conn: db}.GetTransaction(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}

func TestRecordAndListSyncRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}
	started := time.Now().Add(-time.Second)
	run := model.SyncRun{
		CorrelationID: "corr-1", ConnectionID: "conn-1", AccountID: "acct-1", Provider: "mono",
		Status: model.SyncRunCompleted, Pages: 2, Synced: 3, Inserted: 2, Duplicates: 1,
		StartedAt: started, FinishedAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO bankfeed.sync_runs").
		WithArgs(anyArgs(13)...).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, ds.RecordSyncRun(context.Background(), run))

	mock.ExpectQuery("FROM bankfeed.sync_runs").
		WithArgs("conn-1", "acct-1", 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"correlation_id", "connection_id", "account_id", "provider", "status", "pages",
			"synced", "inserted", "duplicates", "rejected", "error", "started_at", "finished_at",
		}).AddRow("corr-1", "conn-1", "acct-1", "mono", "completed", 2, 3, 2, 1, 0, "", started, run.FinishedAt))

	runs, err := ds.ListSyncRuns(context.Background(), "conn-1", "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
