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

// Package provider is the authenticated HTTP client for an open-banking
// provider: token refresh, client-side rate limiting and status-based retry
// classification.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a failed response body is carried in errors.
const maxErrorBody = 512

// TokenRefresher returns a fresh bearer token. stale is the token the provider
// just rejected, or empty when none was held.
type TokenRefresher func(ctx context.Context, stale string) (string, error)

// Client talks to one provider. It is safe for concurrent use; the rate
// limiter and the cached token are the only shared mutable state.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	refresher  TokenRefresher
	metrics    metrics.Sink
	sleep      func(ctx context.Context, d time.Duration) error
	newBackOff func() backoff.BackOff

	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenRefresher(fn TokenRefresher) Option {
	return func(c *Client) { c.refresher = fn }
}

func WithMetrics(sink metrics.Sink) Option {
	return func(c *Client) {
		if sink != nil {
			c.metrics = sink
		}
	}
}

// WithSleep replaces waits between retries. Tests use it to avoid real sleeps.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithBackOff replaces the 5xx backoff sequence.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// NewClient builds a client for cfg. The rolling window allows cfg.RateLimit
// requests per cfg.RateWindow with a burst of the same size.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit),
		metrics:    metrics.Nop{},
		sleep:      sleepContext,
		token:      cfg.Token,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.config.Name }

func (c *Client) Config() Config { return c.config }

func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, out)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// refreshToken swaps in a new token. It is called at most once per request.
func (c *Client) refreshToken(ctx context.Context, stale string) error {
	token, err := c.refresher(ctx, stale)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

func (c *Client) addAuth(req *http.Request) {
	req.Header.Set(c.config.SecretHeader, c.config.SecretKey)
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) resolve(path string, query url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.config.BaseURL + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) == 0 {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + query.Encode()
}

// do sends one logical request. 401 refreshes the token once, 429 waits out
// Retry-After within the retry budget, 5xx and network failures back off
// exponentially, and any other 4xx fails immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) (err error) {
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	target := c.resolve(path, query)
	logger := logrus.WithFields(logrus.Fields{
		"provider": c.config.Name,
		"method":   method,
		"path":     path,
	})
	defer func() {
		if err != nil {
			c.recordError(ctx, err)
		}
	}()

	if c.refresher != nil && c.currentToken() == "" {
		if err := c.refreshToken(ctx, ""); err != nil {
			return apierror.APIError{Code: apierror.ErrAuthentication, Message: "failed to obtain provider token", Details: err}
		}
	}

	var (
		refreshed     bool
		serverRetries int
		rateRetries   int
		waited        time.Duration
		delays        = c.newBackOff()
	)

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.addAuth(req)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		started := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.record(ctx, method, 0, metrics.OutcomeError, time.Since(started))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			serverRetries++
			if serverRetries > c.config.MaxRetries {
				return apierror.APIError{Code: apierror.ErrConnection, Message: fmt.Sprintf("provider %s unreachable", c.config.Name), Details: err}
			}
			logger.WithError(err).WithField("attempt", serverRetries).Warn("provider request failed, retrying")
			if err := c.sleep(ctx, delays.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		status := resp.StatusCode
		outcome := metrics.OutcomeSuccess
		if status >= 400 || readErr != nil {
			outcome = metrics.OutcomeError
		}
		c.record(ctx, method, status, outcome, time.Since(started))

		switch {
		case status >= 200 && status < 300:
			if readErr != nil {
				return apierror.APIError{Code: apierror.ErrConnection, Message: "failed to read provider response", Details: readErr, StatusCode: status}
			}
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return apierror.APIError{Code: apierror.ErrValidation, Message: "malformed provider response", Details: err, StatusCode: status}
			}
			return nil

		case status == http.StatusUnauthorized:
			if c.refresher == nil || refreshed {
				return apierror.NewProviderError(apierror.ErrAuthentication, status, "provider rejected credentials: "+truncate(respBody), 0)
			}
			refreshed = true
			logger.Info("provider token rejected, refreshing")
			if err := c.refreshToken(ctx, c.currentToken()); err != nil {
				return apierror.APIError{Code: apierror.ErrAuthentication, Message: "failed to refresh provider token", Details: err, StatusCode: status}
			}

		case status == http.StatusTooManyRequests:
			wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.config.RetryAfterFallback, time.Now())
			rateRetries++
			if rateRetries > c.config.MaxRetries || waited+wait > c.config.MaxRetryWait {
				return apierror.NewProviderError(apierror.ErrRateLimited, status, "provider rate limit exceeded", wait)
			}
			logger.WithFields(logrus.Fields{"attempt": rateRetries, "retry_after": wait.String()}).Warn("provider rate limited, waiting")
			waited += wait
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}

		case status >= 500:
			serverRetries++
			if serverRetries > c.config.MaxRetries {
				return apierror.NewProviderError(apierror.ErrConnection, status,
					fmt.Sprintf("provider returned %d after %d attempts: %s", status, serverRetries, truncate(respBody)), 0)
			}
			logger.WithFields(logrus.Fields{"attempt": serverRetries, "status_code": status}).Warn("provider server error, retrying")
			if err := c.sleep(ctx, delays.NextBackOff()); err != nil {
				return err
			}

		default:
			return apierror.NewProviderError(apierror.ErrProviderReject, status,
				fmt.Sprintf("provider returned %d: %s", status, truncate(respBody)), 0)
		}
	}
}

// record never lets a metrics failure reach the request path.
func (c *Client) record(ctx context.Context, method string, status int, outcome string, d time.Duration) {
	defer c.recoverMetrics()
	c.metrics.ObserveRequest(ctx, method, status, outcome, d)
	c.metrics.ObserveStage(ctx, metrics.StageProviderCall, outcome, d)
}

func (c *Client) recordError(ctx context.Context, err error) {
	defer c.recoverMetrics()
	c.metrics.IncError(ctx, metrics.StageProviderCall, apierror.Reason(err))
}

// recoverMetrics keeps a failing sink from reaching the caller.
func (c *Client) recoverMetrics() {
	if r := recover(); r != nil {
		logrus.WithField("provider", c.config.Name).Warnf("metrics recording failed: %v", r)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date; anything else uses fallback.
func parseRetryAfter(value string, fallback time.Duration, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

// truncate cuts body to maxErrorBody bytes without splitting a UTF-8 sequence.
func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
