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
	"time"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// IngestionStore is what ingestion needs from the ledger store.
type IngestionStore interface {
	ExistingTransactionIDs(ctx context.Context, accountID string, providerTransactionIDs []string) (map[string]bool, error)
	InsertTransactions(ctx context.Context, txns []*model.CanonicalTransaction) (int, error)
}

type IngestionService struct {
	store   IngestionStore
	emitter EventEmitter
	metrics metrics.Sink
}

func NewIngestionService(store IngestionStore, emitter EventEmitter, sink metrics.Sink) *IngestionService {
	if emitter == nil {
		emitter = LogEmitter{}
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &IngestionService{store: store, emitter: emitter, metrics: sink}
}

// IngestTransactions persists the transactions of one (connection, account)
// that the store has not seen, as a single batch. Duplicates, whether already
// stored or repeated inside txns, are counted and never fail the call.
//
// Parameters:
// - ctx context.Context: Carries the run's correlation id.
// - scope model.SyncScope: The account every transaction belongs to.
// - txns []model.CanonicalTransaction: Output of the transformer.
//
// Returns:
// - model.IngestionResult: Inserted and duplicate counts.
// - error: Only storage failures or a transaction from another account.
func (s *IngestionService) IngestTransactions(ctx context.Context, scope model.SyncScope, txns []model.CanonicalTransaction) (model.IngestionResult, error) {
	ctx, span := otel.Tracer("bankfeed.ingestion").Start(ctx, "IngestTransactions")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", scope.AccountID), attribute.Int("batch.size", len(txns)))

	started := time.Now()
	result, err := s.ingest(ctx, scope, txns)
	elapsed := time.Since(started)

	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveStage(ctx, metrics.StagePersist, metrics.OutcomeError, elapsed)
		s.metrics.IncError(ctx, metrics.StagePersist, apierror.Reason(err))
		return model.IngestionResult{}, err
	}
	s.metrics.ObserveStage(ctx, metrics.StagePersist, metrics.OutcomeSuccess, elapsed)

	logrus.WithFields(logrus.Fields{
		"connection_id":  scope.ConnectionID,
		"account_id":     scope.AccountID,
		"correlation_id": CorrelationID(ctx),
		"inserted":       result.Inserted,
		"duplicates":     result.Duplicates,
	}).Info("transactions ingested")

	emit(ctx, s.emitter, NewEvent(ctx, model.EventIngestionCompleted, scope, map[string]interface{}{
		"inserted":   result.Inserted,
		"duplicates": result.Duplicates,
	}))
	return result, nil
}

func (s *IngestionService) ingest(ctx context.Context, scope model.SyncScope, txns []model.CanonicalTransaction) (model.IngestionResult, error) {
	var result model.IngestionResult
	if len(txns) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(txns))
	for i := range txns {
		if txns[i].AccountID != scope.AccountID {
			return result, apierror.NewAPIError(apierror.ErrInvalidInput,
				"transaction "+txns[i].ProviderTransactionID+" does not belong to account "+scope.AccountID, nil)
		}
		ids = append(ids, txns[i].ProviderTransactionID)
	}

	existing, err := s.store.ExistingTransactionIDs(ctx, scope.AccountID, ids)
	if err != nil {
		return result, err
	}

	pending := make([]*model.CanonicalTransaction, 0, len(txns))
	batch := make(map[string]bool, len(txns))
	for i := range txns {
		id := txns[i].ProviderTransactionID
		if existing[id] || batch[id] {
			result.Duplicates++
			continue
		}
		batch[id] = true
		pending = append(pending, &txns[i])
	}
	if len(pending) == 0 {
		return result, nil
	}

	inserted, err := s.store.InsertTransactions(ctx, pending)
	if err != nil {
		return model.IngestionResult{}, err
	}
	// Rows lost to a concurrent writer surface as conflicts, not inserts.
	result.Inserted = inserted
	result.Duplicates += len(pending) - inserted
	return result, nil
}
