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

package mocks

import (
	"context"

	"github.com/blnkfinance/bankfeed/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) ExistingTransactionIDs(ctx context.Context, accountID string, providerTransactionIDs []string) (map[string]bool, error) {
	args := m.Called(ctx, accountID, providerTransactionIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *MockDataSource) InsertTransactions(ctx context.Context, txns []*model.CanonicalTransaction) (int, error) {
	args := m.Called(ctx, txns)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) GetTransaction(ctx context.Context, transactionID string) (*model.CanonicalTransaction, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CanonicalTransaction), args.Error(1)
}

func (m *MockDataSource) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*model.CanonicalTransaction, error) {
	args := m.Called(ctx, accountID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.CanonicalTransaction), args.Error(1)
}

func (m *MockDataSource) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDataSource) ListSyncRuns(ctx context.Context, connectionID, accountID string, limit int) ([]model.SyncRun, error) {
	args := m.Called(ctx, connectionID, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SyncRun), args.Error(1)
}
