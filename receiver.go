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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/blnkfinance/bankfeed/model"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWebhookTolerance = 15 * time.Minute
	SignatureHeader         = "X-Bankfeed-Signature"
	TimestampHeader         = "X-Bankfeed-Timestamp"
	signaturePrefix         = "sha256="
)

// EventCache remembers recently processed webhook event ids. Claim is
// atomic: exactly one caller gets true for an id within the retention window.
type EventCache interface {
	Seen(ctx context.Context, id string) (bool, error)
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// WebhookHandler reacts to one inbound event type.
type WebhookHandler func(ctx context.Context, event model.WebhookEvent) error

type namedHandler struct {
	name    string
	handler WebhookHandler
}

// HandlerFailure is one handler's error inside a dispatch.
type HandlerFailure struct {
	Handler string `json:"handler"`
	Error   string `json:"error"`
}

// WebhookResult is the aggregate outcome of one delivery.
type WebhookResult struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event"`
	Duplicate bool             `json:"duplicate"`
	Handled   int              `json:"handled"`
	Failures  []HandlerFailure `json:"failures,omitempty"`
	// Retry tells the sender the delivery should be retried.
	Retry bool `json:"retry"`
}

type WebhookReceiver struct {
	secret    []byte
	tolerance time.Duration
	cache     EventCache
	metrics   metrics.Sink
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string][]namedHandler
}

// NewWebhookReceiver creates a receiver. Signatures are required whenever
// secret is non-empty. A tolerance of zero uses DefaultWebhookTolerance.
func NewWebhookReceiver(secret string, tolerance time.Duration, cache EventCache, sink metrics.Sink) *WebhookReceiver {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &WebhookReceiver{
		secret:    []byte(secret),
		tolerance: tolerance,
		cache:     cache,
		metrics:   sink,
		now:       time.Now,
		handlers:  make(map[string][]namedHandler),
	}
}

// On registers handler for eventType. Handlers run in registration order.
func (r *WebhookReceiver) On(eventType, name string, handler WebhookHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], namedHandler{name: name, handler: handler})
}

func (r *WebhookReceiver) handlersFor(eventType string) []namedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]namedHandler(nil), r.handlers[eventType]...)
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Receive verifies, deduplicates and dispatches one delivery.
//
// Parameters:
// - ctx context.Context: Request context passed to handlers.
// - body []byte: The raw request body, exactly as signed.
// - signature string: Value of the signature header.
// - timestamp string: Value of the timestamp header; the body timestamp is used when empty.
//
// Returns:
// - WebhookResult: Outcome, including a retry hint when handlers failed.
// - error: SIGNATURE_INVALID, TIMESTAMP_EXPIRED, VALIDATION_ERROR, or an
// INTERNAL_SERVER_ERROR when any handler failed.
func (r *WebhookReceiver) Receive(ctx context.Context, body []byte, signature, timestamp string) (result WebhookResult, err error) {
	started := r.now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
			r.metrics.IncError(ctx, metrics.StageWebhook, apierror.Reason(err))
		}
		r.metrics.ObserveStage(ctx, metrics.StageWebhook, outcome, r.now().Sub(started))
	}()

	if len(r.secret) > 0 {
		if err := r.verifySignature(body, signature, timestamp); err != nil {
			return result, err
		}
	}

	var event model.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return result, apierror.NewAPIError(apierror.ErrValidation, "malformed webhook body", err)
	}
	if event.Type == "" {
		return result, apierror.NewAPIError(apierror.ErrValidation, "webhook event type is required", nil)
	}
	result.EventType = event.Type

	if err := r.checkFreshness(timestamp, event); err != nil {
		return result, err
	}

	result.EventID = event.EventID(body)
	logger := logrus.WithFields(logrus.Fields{"event": event.Type, "event_id": result.EventID, "account_id": event.Account})

	claimed := false
	if r.cache != nil {
		ok, err := r.cache.Claim(ctx, result.EventID)
		switch {
		case err != nil:
			logger.WithError(err).Warn("webhook event cache unavailable, dispatching anyway")
		case !ok:
			result.Duplicate = true
			logger.Info("duplicate webhook acknowledged")
			return result, nil
		default:
			claimed = true
		}
	}

	for _, h := range r.handlersFor(event.Type) {
		if herr := safeHandle(ctx, h.handler, event); herr != nil {
			logger.WithField("handler", h.name).WithError(herr).Error("webhook handler failed")
			result.Failures = append(result.Failures, HandlerFailure{Handler: h.name, Error: herr.Error()})
			continue
		}
		result.Handled++
	}

	if len(result.Failures) > 0 {
		result.Retry = true
		if claimed {
			// the provider redelivers, so the retry must not look like a duplicate
			if err := r.cache.Release(ctx, result.EventID); err != nil {
				logger.WithError(err).Warn("failed to release webhook event claim")
			}
		}
		return result, apierror.NewAPIError(apierror.ErrInternalServer,
			fmt.Sprintf("%d of %d webhook handler(s) failed", len(result.Failures), len(result.Failures)+result.Handled), result.Failures)
	}
	return result, nil
}

func (r *WebhookReceiver) verifySignature(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return apierror.NewAPIError(apierror.ErrSignature, "missing webhook signature or timestamp", nil)
	}
	provided := strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	got, err := hex.DecodeString(provided)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSignature, "malformed webhook signature", err)
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apierror.NewAPIError(apierror.ErrSignature, "webhook signature mismatch", nil)
	}
	return nil
}

func (r *WebhookReceiver) checkFreshness(header string, event model.WebhookEvent) error {
	raw := header
	if raw == "" {
		raw = strings.Trim(string(event.Timestamp), `"`)
	}
	if raw == "" || raw == "null" {
		if len(r.secret) > 0 {
			return apierror.NewAPIError(apierror.ErrTimestamp, "webhook timestamp is required", nil)
		}
		return nil
	}
	sent, err := parseWebhookTimestamp(raw)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrTimestamp, "unparseable webhook timestamp", err)
	}
	age := r.now().Sub(sent)
	if age > r.tolerance || age < -r.tolerance {
		return apierror.NewAPIError(apierror.ErrTimestamp,
			fmt.Sprintf("webhook timestamp outside %s tolerance", r.tolerance), nil)
	}
	return nil
}

// parseWebhookTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseWebhookTimestamp(raw string) (time.Time, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func safeHandle(ctx context.Context, h WebhookHandler, event model.WebhookEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, event)
}
