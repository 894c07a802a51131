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

	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/blnkfinance/bankfeed/internal/transform"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// RunRecorder stores the audit row of a pipeline run.
type RunRecorder interface {
	RecordSyncRun(ctx context.Context, run model.SyncRun) error
}

// PipelineRequest is a sync request plus the caller's view of the account.
type PipelineRequest struct {
	SyncRequest
	Currency      string `json:"currency,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type PipelineResult struct {
	CorrelationID string        `json:"correlation_id"`
	Synced        int           `json:"synced"`
	Inserted      int           `json:"inserted"`
	Duplicates    int           `json:"duplicates"`
	Rejected      int           `json:"rejected"`
	Pages         int           `json:"pages"`
	Duration      time.Duration `json:"duration"`
}

func (r PipelineResult) IngestionResult() model.IngestionResult {
	return model.IngestionResult{Inserted: r.Inserted, Duplicates: r.Duplicates}
}

// Pipeline runs sync, transform and ingestion for one provider.
type Pipeline struct {
	provider    string
	sync        *SyncService
	transformer *transform.Transformer
	ingestion   *IngestionService
	emitter     EventEmitter
	metrics     metrics.Sink
	runs        RunRecorder
}

func NewPipeline(providerName string, sync *SyncService, transformer *transform.Transformer, ingestion *IngestionService, emitter EventEmitter, sink metrics.Sink, runs RunRecorder) *Pipeline {
	if emitter == nil {
		emitter = LogEmitter{}
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Pipeline{
		provider:    providerName,
		sync:        sync,
		transformer: transformer,
		ingestion:   ingestion,
		emitter:     emitter,
		metrics:     sink,
		runs:        runs,
	}
}

// Run syncs the account, transforms every new payload and ingests the batch.
// The cursor only moves after ingestion succeeds. Payloads the transformer
// rejects are counted and logged; they do not fail the run.
func (p *Pipeline) Run(ctx context.Context, req PipelineRequest) (PipelineResult, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = CorrelationID(ctx)
	}
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	ctx = WithCorrelationID(ctx, correlationID)

	ctx, span := otel.Tracer("bankfeed.pipeline").Start(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.String("correlation_id", correlationID))

	scope := req.Scope()
	result := PipelineResult{CorrelationID: correlationID}
	started := time.Now()

	acct := transform.Account{
		ConnectionID:      req.ConnectionID,
		AccountID:         req.AccountID,
		ProviderAccountID: req.providerAccountID(),
		Currency:          req.Currency,
	}

	syncResult, err := p.sync.SyncAndApply(ctx, req.SyncRequest, func(ctx context.Context, delta SyncResult) error {
		transformStarted := time.Now()
		txns, rejected := p.transformer.TransformAll(delta.Transactions, acct)
		outcome := metrics.OutcomeSuccess
		if len(rejected) > 0 {
			outcome = metrics.OutcomeError
		}
		p.metrics.ObserveStage(ctx, metrics.StageTransform, outcome, time.Since(transformStarted))
		for _, r := range rejected {
			p.metrics.IncError(ctx, metrics.StageTransform, "validation")
			logrus.WithFields(logrus.Fields{
				"correlation_id":          correlationID,
				"account_id":              req.AccountID,
				"provider_transaction_id": r.ProviderTransactionID,
			}).WithError(r.Err).Warn("transaction rejected by transformer")
		}
		result.Rejected = len(rejected) + delta.Skipped

		ingested, err := p.ingestion.IngestTransactions(ctx, scope, txns)
		if err != nil {
			return err
		}
		result.Inserted = ingested.Inserted
		result.Duplicates = ingested.Duplicates
		return nil
	})
	result.Synced = len(syncResult.Transactions)
	result.Pages = syncResult.Pages
	result.Duration = time.Since(started)

	p.recordRun(ctx, req, result, started, err)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	emit(ctx, p.emitter, NewEvent(ctx, model.EventPipelineCompleted, scope, map[string]interface{}{
		"provider":   p.provider,
		"synced":     result.Synced,
		"persisted":  result.Inserted,
		"duplicates": result.Duplicates,
		"rejected":   result.Rejected,
		"pages":      result.Pages,
	}))
	return result, nil
}

func (p *Pipeline) recordRun(ctx context.Context, req PipelineRequest, result PipelineResult, started time.Time, runErr error) {
	if p.runs == nil {
		return
	}
	run := model.SyncRun{
		CorrelationID: result.CorrelationID,
		ConnectionID:  req.ConnectionID,
		AccountID:     req.AccountID,
		Provider:      p.provider,
		Status:        model.SyncRunCompleted,
		Pages:         result.Pages,
		Synced:        result.Synced,
		Inserted:      result.Inserted,
		Duplicates:    result.Duplicates,
		Rejected:      result.Rejected,
		StartedAt:     started,
		FinishedAt:    started.Add(result.Duration),
	}
	if runErr != nil {
		run.Status = model.SyncRunFailed
		run.Error = runErr.Error()
	}
	if err := p.runs.RecordSyncRun(ctx, run); err != nil {
		logrus.WithField("correlation_id", result.CorrelationID).WithError(err).Warn("failed to record sync run")
	}
}
