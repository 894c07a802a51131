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

	"github.com/blnkfinance/bankfeed/model"
)

// IDataSource is the ledger store the ingestion pipeline writes to.
type IDataSource interface {
	bankTransaction
	syncRun
}

type bankTransaction interface {
	ExistingTransactionIDs(ctx context.Context, accountID string, providerTransactionIDs []string) (map[string]bool, error) // Already stored ids for (account, provider id)
	InsertTransactions(ctx context.Context, txns []*model.CanonicalTransaction) (int, error)                                // Inserts a batch in one commit
	GetTransaction(ctx context.Context, transactionID string) (*model.CanonicalTransaction, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*model.CanonicalTransaction, error)
}

type syncRun interface {
	RecordSyncRun(ctx context.Context, run model.SyncRun) error
	ListSyncRuns(ctx context.Context, connectionID, accountID string, limit int) ([]model.SyncRun, error)
}
