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
	"embed"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/blnkfinance/bankfeed/config"
	"github.com/blnkfinance/bankfeed/database"
	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/cache"
	redlock "github.com/blnkfinance/bankfeed/internal/lock"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/blnkfinance/bankfeed/internal/notification"
	"github.com/blnkfinance/bankfeed/internal/provider"
	redis_db "github.com/blnkfinance/bankfeed/internal/redis-db"
	"github.com/blnkfinance/bankfeed/internal/retry"
	"github.com/blnkfinance/bankfeed/internal/state"
	"github.com/blnkfinance/bankfeed/internal/transform"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// providerTokenTTL keeps shared bearer tokens just under the usual one hour
// lifetime of client-credentials tokens.
const providerTokenTTL = 50 * time.Minute

// lockGrace is added to the run timeout for the per-account lock TTL.
const lockGrace = time.Minute

type Bankfeed struct {
	config     *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      *Queue
	syncStore  SyncStateStore
	eventCache EventCache
	tokenCache cache.Cache
	failures   *FailureTracker
	emitter    EventEmitter
	notifier   notification.Notifier
	metrics    *metrics.Recorder
	httpClient *http.Client

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	receivers map[string]*WebhookReceiver
}

// NewBankfeed connects to redis using the loaded configuration and wires the
// sync pipeline around db.
//
// Parameters:
// - db database.IDataSource: The ledger store transactions are written to.
//
// Returns:
// - *Bankfeed: The wired service.
// - error: If the configuration is not loaded or redis is unreachable.
func NewBankfeed(db database.IDataSource) (*Bankfeed, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return New(configuration, db, redisClient.Client(), NewQueue(configuration)), nil
}

// New wires a Bankfeed from already constructed dependencies.
func New(cfg *config.Configuration, db database.IDataSource, rdb redis.UniversalClient, queue *Queue) *Bankfeed {
	return NewWithRecorder(cfg, db, rdb, queue, metrics.NewRecorder(nil, ""))
}

// NewWithRecorder is New with an explicit process-wide metrics recorder.
// Every pipeline and receiver records through a per-provider view of it.
func NewWithRecorder(cfg *config.Configuration, db database.IDataSource, rdb redis.UniversalClient, queue *Queue, recorder *metrics.Recorder) *Bankfeed {
	notifier := notification.NewSlackNotifier(cfg.Notification.Slack.WebhookUrl, nil)
	emitters := MultiEmitter{LogEmitter{}, NewAlertEmitter(notifier)}
	if queue != nil {
		emitters = append(emitters, QueueEmitter{Queue: queue})
	}

	return &Bankfeed{
		config:     cfg,
		datasource: db,
		redis:      rdb,
		queue:      queue,
		syncStore:  state.NewRedisSyncStore(rdb, cfg.Sync.DedupeRetention()),
		eventCache: state.NewRedisEventCache(rdb, cfg.Webhook.Retention()),
		tokenCache: cache.New(rdb, 1000),
		failures:   NewFailureTracker(cfg.Sync.AlertThreshold),
		emitter:    emitters,
		notifier:   notifier,
		metrics:    recorder,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pipelines:  make(map[string]*Pipeline),
		receivers:  make(map[string]*WebhookReceiver),
	}
}

func (b *Bankfeed) Config() *config.Configuration { return b.config }

func (b *Bankfeed) Queue() *Queue { return b.queue }

func (b *Bankfeed) Datasource() database.IDataSource { return b.datasource }

func (b *Bankfeed) Notifier() notification.Notifier { return b.notifier }

func (b *Bankfeed) Failures() *FailureTracker { return b.failures }

// Pipeline returns the pipeline for a configured provider, building it on
// first use. Pipelines are shared so the provider rate limiter and circuit
// breaker see every run in the process.
func (b *Bankfeed) Pipeline(providerName string) (*Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pipelines[providerName]; ok {
		return p, nil
	}
	p, err := b.buildPipeline(providerName, b.syncStore)
	if err != nil {
		return nil, err
	}
	b.pipelines[providerName] = p
	return p, nil
}

func (b *Bankfeed) buildPipeline(providerName string, store SyncStateStore) (*Pipeline, error) {
	pcfg, err := b.config.Provider(providerName)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, err.Error(), err)
	}

	recorder := b.metrics.WithProvider(providerName)
	opts := []provider.Option{provider.WithMetrics(recorder)}
	if pcfg.UsesClientCredentials() {
		refresher := provider.CachedRefresher(b.tokenCache, providerName, providerTokenTTL, provider.ClientCredentialsRefresher(pcfg))
		opts = append(opts, provider.WithTokenRefresher(refresher))
	}
	client := provider.NewClient(pcfg, opts...)

	syncService := NewSyncService(client, store,
		WithRetry(retry.New(b.fetchPolicy(providerName))),
		WithFailureTracker(b.failures),
		WithEmitter(b.emitter),
		WithSyncMetrics(recorder),
		WithSyncOptions(SyncOptions{
			Lookback:   b.config.Sync.Lookback(),
			LatencySLA: b.config.Sync.LatencySLA(),
			PageSize:   pcfg.PageSize,
			MaxPages:   b.config.Sync.MaxPages,
		}),
	)
	transformer := transform.New(transform.Options{
		Provider:        providerName,
		DefaultCurrency: b.config.Sync.DefaultCurrency,
		Enrichers:       []transform.Enricher{transform.FlagTags},
	})
	ingestion := NewIngestionService(b.datasource, b.emitter, recorder)

	return NewPipeline(providerName, syncService, transformer, ingestion, b.emitter, recorder, b.datasource), nil
}

func (b *Bankfeed) fetchPolicy(providerName string) retry.Policy {
	policy := retry.DefaultPolicy("fetch_transactions:" + providerName)
	if b.config.Sync.RetryAttempts > 0 {
		policy.MaxAttempts = b.config.Sync.RetryAttempts
	}
	if b.config.Sync.BreakerThreshold > 0 {
		policy.Breaker = &retry.BreakerSettings{
			FailureThreshold: uint32(b.config.Sync.BreakerThreshold),
			Cooldown:         b.config.Sync.BreakerCooldown(),
		}
	}
	return policy
}

// Receiver returns the webhook receiver for a configured provider. Account
// update events enqueue a sync for the account they name.
func (b *Bankfeed) Receiver(providerName string) (*WebhookReceiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receivers[providerName]; ok {
		return r, nil
	}
	if _, err := b.config.Provider(providerName); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, err.Error(), err)
	}

	r := NewWebhookReceiver(b.config.Webhook.Secret, b.config.Webhook.Tolerance(), b.eventCache, b.metrics.WithProvider(providerName))
	if b.queue != nil {
		trigger := SyncTrigger(b.queue, providerName)
		r.On(WebhookTransactionsUpdated, "enqueue_sync", trigger)
		r.On(WebhookAccountSynced, "enqueue_sync", trigger)
	}
	b.receivers[providerName] = r
	return r, nil
}

// RunSync executes one pipeline run while holding the account's lock and
// bounded by the configured run timeout.
//
// Parameters:
// - ctx context.Context: Parent context.
// - providerName string: A configured provider.
// - req PipelineRequest: The account to sync.
//
// Returns:
// - PipelineResult: Counts for the run.
// - error: redlock.ErrLockHeld when another run owns the account, or the run error.
func (b *Bankfeed) RunSync(ctx context.Context, providerName string, req PipelineRequest) (PipelineResult, error) {
	pipeline, err := b.Pipeline(providerName)
	if err != nil {
		return PipelineResult{}, err
	}

	timeout := b.config.Sync.RunTimeout()
	locker := redlock.ForAccount(b.redis, req.ConnectionID, req.AccountID, uuid.New().String())
	if err := locker.Lock(ctx, timeout+lockGrace); err != nil {
		return PipelineResult{}, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithField("lock", locker.Key()).WithError(err).Warn("failed to release sync lock")
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return pipeline.Run(ctx, req)
}

// Backfill re-reads req's window with a throwaway in-memory sync state, so the
// stored cursor and dedupe keys are neither consulted nor moved. Transactions
// already in the ledger are still counted as duplicates by ingestion. It waits
// up to the lock grace period for a running sync of the account to finish.
func (b *Bankfeed) Backfill(ctx context.Context, providerName string, req PipelineRequest) (PipelineResult, error) {
	pipeline, err := b.buildPipeline(providerName, state.NewMemorySyncStore(b.config.Sync.DedupeRetention()))
	if err != nil {
		return PipelineResult{}, err
	}

	timeout := b.config.Sync.RunTimeout()
	locker := redlock.ForAccount(b.redis, req.ConnectionID, req.AccountID, uuid.New().String())
	if err := locker.WaitLock(ctx, timeout+lockGrace, lockGrace); err != nil {
		return PipelineResult{}, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithField("lock", locker.Key()).WithError(err).Warn("failed to release sync lock")
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return pipeline.Run(ctx, req)
}

// Close releases the queue client and redis connections.
func (b *Bankfeed) Close() error {
	var errs []error
	if b.queue != nil {
		errs = append(errs, b.queue.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}
