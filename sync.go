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
	"time"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/blnkfinance/bankfeed/internal/provider"
	"github.com/blnkfinance/bankfeed/internal/retry"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultLookback = 90 * 24 * time.Hour

// ProviderAPI is the slice of the provider client the sync loop needs.
type ProviderAPI interface {
	Name() string
	FetchTransactions(ctx context.Context, req provider.PageRequest) (model.Page, error)
}

// SyncStateStore holds the per-account cursor and the set of dedupe keys
// already processed. Commit must store both atomically.
type SyncStateStore interface {
	GetCursor(ctx context.Context, scope model.SyncScope) (*model.SyncCursor, error)
	IsNew(ctx context.Context, scope model.SyncScope, dedupeKey string) (bool, error)
	Commit(ctx context.Context, scope model.SyncScope, cursor string, keys []string) error
}

// SyncRequest selects the account to sync. A zero Start or End falls back to
// the lookback window ending now. ProviderAccountID defaults to AccountID.
type SyncRequest struct {
	ConnectionID      string    `json:"connection_id"`
	AccountID         string    `json:"account_id"`
	ProviderAccountID string    `json:"provider_account_id,omitempty"`
	Start             time.Time `json:"start,omitempty"`
	End               time.Time `json:"end,omitempty"`
}

func (r SyncRequest) Scope() model.SyncScope {
	return model.SyncScope{ConnectionID: r.ConnectionID, AccountID: r.AccountID}
}

func (r SyncRequest) providerAccountID() string {
	if r.ProviderAccountID != "" {
		return r.ProviderAccountID
	}
	return r.AccountID
}

// SyncResult is the delta of one run: only transactions not seen before.
type SyncResult struct {
	Transactions []model.RawTransaction
	DedupeKeys   []string
	Pages        int
	Cursor       string
	Skipped      int
	Truncated    bool
	Duration     time.Duration
}

// ApplyFunc consumes a fetched delta before the cursor moves. An error
// aborts the run and leaves the stored cursor untouched.
type ApplyFunc func(ctx context.Context, result SyncResult) error

type SyncOptions struct {
	Lookback   time.Duration
	LatencySLA time.Duration
	PageSize   int
	// MaxPages bounds one run. Zero means no bound; a bounded run persists
	// the next cursor so the following run continues from there.
	MaxPages int
	Now      func() time.Time
}

type SyncService struct {
	provider ProviderAPI
	store    SyncStateStore
	retry    *retry.Orchestrator
	failures *FailureTracker
	emitter  EventEmitter
	metrics  metrics.Sink
	opts     SyncOptions
}

type SyncOption func(*SyncService)

func WithRetry(o *retry.Orchestrator) SyncOption {
	return func(s *SyncService) { s.retry = o }
}

func WithFailureTracker(f *FailureTracker) SyncOption {
	return func(s *SyncService) { s.failures = f }
}

func WithEmitter(e EventEmitter) SyncOption {
	return func(s *SyncService) { s.emitter = e }
}

func WithSyncMetrics(m metrics.Sink) SyncOption {
	return func(s *SyncService) { s.metrics = m }
}

func WithSyncOptions(opts SyncOptions) SyncOption {
	return func(s *SyncService) { s.opts = opts }
}

// NewSyncService wires a sync loop for one provider.
//
// Parameters:
// - p ProviderAPI: The provider client pages are fetched from.
// - store SyncStateStore: Cursor and dedupe storage.
// - opts ...SyncOption: Retry policy, failure tracker, emitter, metrics and options.
//
// Returns:
// - *SyncService: The configured service.
func NewSyncService(p ProviderAPI, store SyncStateStore, opts ...SyncOption) *SyncService {
	s := &SyncService{provider: p, store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry == nil {
		s.retry = retry.New(retry.DefaultPolicy("fetch_transactions"))
	}
	if s.failures == nil {
		s.failures = NewFailureTracker(3)
	}
	if s.emitter == nil {
		s.emitter = LogEmitter{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.opts.Lookback <= 0 {
		s.opts.Lookback = DefaultLookback
	}
	if s.opts.Now == nil {
		s.opts.Now = time.Now
	}
	return s
}

func (s *SyncService) Failures() *FailureTracker { return s.failures }

// SyncAccount fetches every page after the stored cursor, keeps only new
// transactions and advances the cursor. A second call against an unchanged
// upstream returns an empty delta.
func (s *SyncService) SyncAccount(ctx context.Context, req SyncRequest) (SyncResult, error) {
	return s.SyncAndApply(ctx, req, nil)
}

// SyncAndApply is SyncAccount with a consumer that runs between the fetch
// and the cursor commit. Nothing is committed unless every page was fetched
// and apply succeeded.
//
// Parameters:
// - ctx context.Context: Cancellation for the whole run.
// - req SyncRequest: The account to sync.
// - apply ApplyFunc: Optional consumer of the delta.
//
// Returns:
// - SyncResult: The delta. On error it holds what was fetched before the failure.
// - error: The first unrecoverable error, after retries.
func (s *SyncService) SyncAndApply(ctx context.Context, req SyncRequest, apply ApplyFunc) (SyncResult, error) {
	ctx, span := otel.Tracer("bankfeed.sync").Start(ctx, "SyncAccount")
	defer span.End()
	span.SetAttributes(
		attribute.String("connection_id", req.ConnectionID),
		attribute.String("account_id", req.AccountID),
		attribute.String("provider", s.provider.Name()),
	)

	started := s.opts.Now()
	scope := req.Scope()

	result, err := s.fetchAll(ctx, req)
	if err == nil && apply != nil {
		err = apply(ctx, result)
	}
	if err == nil {
		if commitErr := s.store.Commit(ctx, scope, result.Cursor, result.DedupeKeys); commitErr != nil {
			err = apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit sync cursor", commitErr)
		}
	}
	result.Duration = s.opts.Now().Sub(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(ctx, scope, result, err)
		return result, err
	}

	span.SetAttributes(attribute.Int("pages", result.Pages), attribute.Int("transactions", len(result.Transactions)))
	s.recordSuccess(ctx, scope, result)
	return result, nil
}

func (s *SyncService) fetchAll(ctx context.Context, req SyncRequest) (SyncResult, error) {
	var result SyncResult
	scope := req.Scope()

	stored, err := s.store.GetCursor(ctx, scope)
	if err != nil {
		return result, apierror.NewAPIError(apierror.ErrInternalServer, "failed to read sync cursor", err)
	}
	current := ""
	if stored != nil {
		current = stored.Value
	}

	end := req.End
	if end.IsZero() {
		end = s.opts.Now()
	}
	start := req.Start
	if start.IsZero() {
		start = end.Add(-s.opts.Lookback)
	}
	// A deferred page-counter run resumes the window its pages were numbered in.
	if page, pinnedStart, pinnedEnd, ok := model.UnpinPageCursor(current); ok {
		current, start, end = page, pinnedStart, pinnedEnd
	}

	logger := logrus.WithFields(logrus.Fields{
		"connection_id":  req.ConnectionID,
		"account_id":     req.AccountID,
		"provider":       s.provider.Name(),
		"correlation_id": CorrelationID(ctx),
	})

	seen := make(map[string]bool)
	for {
		if s.opts.MaxPages > 0 && result.Pages >= s.opts.MaxPages {
			result.Truncated = true
			result.Cursor = model.PinPageCursor(current, start, end)
			logger.WithField("cursor", current).Warn("page limit reached, remaining pages deferred to next run")
			return result, nil
		}

		page, err := s.fetchPage(ctx, provider.PageRequest{
			AccountID: req.providerAccountID(),
			Cursor:    current,
			Start:     start,
			End:       end,
			Limit:     s.opts.PageSize,
		}, logger)
		if err != nil {
			result.Cursor = current
			return result, err
		}
		result.Pages++

		for _, item := range page.Data {
			var raw model.RawTransaction
			if err := json.Unmarshal(item, &raw); err != nil {
				result.Skipped++
				s.metrics.IncError(ctx, metrics.StageTransform, "validation")
				logger.WithError(err).Warn("skipping undecodable transaction")
				continue
			}
			key := model.DedupeKey(raw)
			if seen[key] {
				continue
			}
			isNew, err := s.store.IsNew(ctx, scope, key)
			if err != nil {
				result.Cursor = current
				return result, apierror.NewAPIError(apierror.ErrInternalServer, "failed to check dedupe key", err)
			}
			seen[key] = true
			if !isNew {
				continue
			}
			result.Transactions = append(result.Transactions, raw)
			result.DedupeKeys = append(result.DedupeKeys, key)
		}

		next := page.Paging.NextCursor()
		if next == "" {
			break
		}
		if next == current {
			logger.WithField("cursor", next).Warn("provider returned the same cursor twice, treating account as drained")
			break
		}
		current = next
	}

	// Page numbers shift as new transactions arrive, so a drained page-counter
	// feed is re-walked from the first page next time and dedupe drops repeats.
	if !model.IsPageCursor(current) {
		result.Cursor = current
	}
	return result, nil
}

func (s *SyncService) fetchPage(ctx context.Context, req provider.PageRequest, logger *logrus.Entry) (model.Page, error) {
	var page model.Page
	session, err := s.retry.Do(ctx, func(ctx context.Context) error {
		p, err := s.provider.FetchTransactions(ctx, req)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil || len(session.Attempts) > 1 {
		entry := logger.WithFields(session.Fields())
		if err != nil {
			entry.WithError(err).Error("fetching transactions page failed")
		} else {
			entry.Info("transactions page fetched after retry")
		}
	}
	return page, err
}

func (s *SyncService) recordFailure(ctx context.Context, scope model.SyncScope, result SyncResult, err error) {
	reason := apierror.Reason(err)
	s.metrics.ObserveStage(ctx, metrics.StageSync, metrics.OutcomeError, result.Duration)
	s.metrics.IncError(ctx, metrics.StageSync, reason)

	count, breached := s.failures.Failure(scope.Key())
	data := map[string]interface{}{
		"provider":             s.provider.Name(),
		"reason":               reason,
		"error":                err.Error(),
		"consecutive_failures": count,
		"pages":                result.Pages,
	}
	emit(ctx, s.emitter, NewEvent(ctx, model.EventSyncFailed, scope, data))
	if breached {
		emit(ctx, s.emitter, NewEvent(ctx, model.EventSyncThresholdBreached, scope, map[string]interface{}{
			"provider":             s.provider.Name(),
			"reason":               reason,
			"consecutive_failures": count,
			"threshold":            s.failures.Threshold(),
		}))
	}
}

func (s *SyncService) recordSuccess(ctx context.Context, scope model.SyncScope, result SyncResult) {
	s.failures.Success(scope.Key())
	s.metrics.ObserveStage(ctx, metrics.StageSync, metrics.OutcomeSuccess, result.Duration)

	if len(result.Transactions) == 0 {
		s.metrics.IncZeroTransactions(ctx)
		emit(ctx, s.emitter, NewEvent(ctx, model.EventSyncZeroTransactions, scope, map[string]interface{}{
			"provider": s.provider.Name(),
			"pages":    result.Pages,
		}))
	}
	if s.opts.LatencySLA > 0 && result.Duration > s.opts.LatencySLA {
		emit(ctx, s.emitter, NewEvent(ctx, model.EventSyncLatencySLABreached, scope, map[string]interface{}{
			"provider":    s.provider.Name(),
			"duration_ms": result.Duration.Milliseconds(),
			"sla_ms":      s.opts.LatencySLA.Milliseconds(),
		}))
	}
	emit(ctx, s.emitter, NewEvent(ctx, model.EventSyncCompleted, scope, map[string]interface{}{
		"provider":     s.provider.Name(),
		"pages":        result.Pages,
		"transactions": len(result.Transactions),
		"skipped":      result.Skipped,
		"truncated":    result.Truncated,
		"duration_ms":  result.Duration.Milliseconds(),
	}))
}
