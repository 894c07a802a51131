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

// Package metrics records pipeline durations and failure counters on an
// OpenTelemetry meter. Recording is best-effort: nothing here returns an
// error or panics into the caller.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	StageSeconds           = "stage_seconds"
	ErrorsTotal            = "errors_total"
	ZeroTransactionsTotal  = "zero_transactions_total"
	ProviderRequestSeconds = "provider_request_seconds"

	StageSync         = "sync"
	StageTransform    = "transform"
	StagePersist      = "persist"
	StageProviderCall = "provider_call"
	StageWebhook      = "webhook"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Sink is what components record into.
type Sink interface {
	ObserveStage(ctx context.Context, stage, outcome string, duration time.Duration)
	IncError(ctx context.Context, stage, reason string)
	IncZeroTransactions(ctx context.Context)
	ObserveRequest(ctx context.Context, method string, status int, outcome string, duration time.Duration)
}

type instruments struct {
	once           sync.Once
	meter          metric.Meter
	stageSeconds   metric.Float64Histogram
	errorsTotal    metric.Int64Counter
	zeroTotal      metric.Int64Counter
	requestSeconds metric.Float64Histogram
	ready          bool
}

// register creates every instrument once per meter. A failed registration
// leaves the recorder inert instead of failing the caller.
func (i *instruments) register() {
	i.once.Do(func() {
		var err error
		if i.stageSeconds, err = i.meter.Float64Histogram(StageSeconds,
			metric.WithDescription("Duration of pipeline stages"), metric.WithUnit("s")); err != nil {
			logrus.WithError(err).Warn("metrics: register stage histogram")
			return
		}
		if i.errorsTotal, err = i.meter.Int64Counter(ErrorsTotal,
			metric.WithDescription("Stage errors by reason")); err != nil {
			logrus.WithError(err).Warn("metrics: register error counter")
			return
		}
		if i.zeroTotal, err = i.meter.Int64Counter(ZeroTransactionsTotal,
			metric.WithDescription("Successful syncs that returned no new transactions")); err != nil {
			logrus.WithError(err).Warn("metrics: register zero-result counter")
			return
		}
		if i.requestSeconds, err = i.meter.Float64Histogram(ProviderRequestSeconds,
			metric.WithDescription("Provider HTTP call duration"), metric.WithUnit("s")); err != nil {
			logrus.WithError(err).Warn("metrics: register request histogram")
			return
		}
		i.ready = true
	})
}

// Recorder is the process-scoped metrics sink. Construct one at startup and
// derive per-provider views with WithProvider.
type Recorder struct {
	provider string
	inst     *instruments
}

// NewRecorder binds a recorder to meter. A nil meter uses the global provider.
func NewRecorder(meter metric.Meter, provider string) *Recorder {
	if meter == nil {
		meter = otel.Meter("github.com/blnkfinance/bankfeed")
	}
	return &Recorder{provider: provider, inst: &instruments{meter: meter}}
}

// WithProvider returns a recorder sharing the same instruments but labelled
// with a different provider.
func (r *Recorder) WithProvider(provider string) *Recorder {
	if r == nil {
		return nil
	}
	return &Recorder{provider: provider, inst: r.inst}
}

func (r *Recorder) Provider() string {
	if r == nil {
		return ""
	}
	return r.provider
}

func (r *Recorder) usable() bool {
	if r == nil || r.inst == nil {
		return false
	}
	r.inst.register()
	return r.inst.ready
}

func recoverMetric(name string) {
	if rec := recover(); rec != nil {
		logrus.WithField("metric", name).Errorf("metrics: recording panicked: %v", rec)
	}
}

func (r *Recorder) ObserveStage(ctx context.Context, stage, outcome string, duration time.Duration) {
	defer recoverMetric(StageSeconds)
	if !r.usable() {
		return
	}
	r.inst.stageSeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", r.provider),
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) IncError(ctx context.Context, stage, reason string) {
	defer recoverMetric(ErrorsTotal)
	if !r.usable() {
		return
	}
	r.inst.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", r.provider),
		attribute.String("stage", stage),
		attribute.String("reason", reason),
	))
}

func (r *Recorder) IncZeroTransactions(ctx context.Context) {
	defer recoverMetric(ZeroTransactionsTotal)
	if !r.usable() {
		return
	}
	r.inst.zeroTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", r.provider)))
}

func (r *Recorder) ObserveRequest(ctx context.Context, method string, status int, outcome string, duration time.Duration) {
	defer recoverMetric(ProviderRequestSeconds)
	if !r.usable() {
		return
	}
	r.inst.requestSeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", r.provider),
		attribute.String("method", method),
		attribute.Int("status", status),
		attribute.String("outcome", outcome),
	))
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveStage(context.Context, string, string, time.Duration)        {}
func (Nop) IncError(context.Context, string, string)                           {}
func (Nop) IncZeroTransactions(context.Context)                                {}
func (Nop) ObserveRequest(context.Context, string, int, string, time.Duration) {}
