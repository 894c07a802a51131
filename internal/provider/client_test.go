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

package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/blnkfinance/bankfeed/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "https://api.bank.test/v2"

type fakeSink struct {
	mu       sync.Mutex
	requests []int
	errors   []string
}

func (f *fakeSink) ObserveStage(context.Context, string, string, time.Duration) {}
func (f *fakeSink) IncZeroTransactions(context.Context)                         {}
func (f *fakeSink) IncError(_ context.Context, _ string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, reason)
}
func (f *fakeSink) ObserveRequest(_ context.Context, _ string, status int, _ string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, status)
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *sleepRecorder, *fakeSink) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	sleeps := &sleepRecorder{}
	sink := &fakeSink{}
	base := []Option{
		WithHTTPClient(hc),
		WithSleep(sleeps.sleep),
		WithMetrics(sink),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }),
	}
	cfg := Config{Name: "testbank", BaseURL: baseURL, SecretKey: "sk_test", RateLimit: 1000, RateWindow: time.Second}
	return NewClient(cfg, append(base, opts...)...), sleeps, sink
}

func TestGetSendsAuthHeaders(t *testing.T) {
	c, _, sink := newTestClient(t, WithTokenRefresher(func(ctx context.Context, stale string) (string, error) {
		return "tok-1", nil
	}))

	httpmock.RegisterResponder("GET", baseURL+"/accounts/acc-1",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "sk_test", req.Header.Get(DefaultSecretHeader))
			assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(200, `{"id":"acc-1","currency":"NGN"}`), nil
		})

	var out map[string]string
	require.NoError(t, c.Get(context.Background(), "/accounts/acc-1", nil, &out))
	assert.Equal(t, "NGN", out["currency"])
	assert.Equal(t, []int{200}, sink.requests)
	assert.Empty(t, sink.errors)
}

func TestRefreshesTokenOnceOn401(t *testing.T) {
	refreshes := 0
	c, _, _ := newTestClient(t, WithTokenRefresher(func(ctx context.Context, stale string) (string, error) {
		refreshes++
		if refreshes == 1 {
			return "old", nil
		}
		assert.Equal(t, "old", stale)
		return "new", nil
	}))

	httpmock.RegisterResponder("GET", baseURL+"/me",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") == "Bearer new" {
				return httpmock.NewStringResponse(200, `{}`), nil
			}
			return httpmock.NewStringResponse(401, `{"message":"expired"}`), nil
		})

	require.NoError(t, c.Get(context.Background(), "/me", nil, nil))
	assert.Equal(t, 2, refreshes)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestSecond401IsAuthenticationError(t *testing.T) {
	refreshes := 0
	c, _, sink := newTestClient(t, WithTokenRefresher(func(ctx context.Context, stale string) (string, error) {
		refreshes++
		return "still-bad", nil
	}))
	httpmock.RegisterResponder("GET", baseURL+"/me", httpmock.NewStringResponder(401, `{"message":"nope"}`))

	err := c.Get(context.Background(), "/me", nil, nil)
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrAuthentication))
	assert.Equal(t, 2, refreshes)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
	assert.Equal(t, []string{"authentication"}, sink.errors)
}

func TestRateLimitedHonoursRetryAfter(t *testing.T) {
	c, sleeps, _ := newTestClient(t)

	calls := 0
	httpmock.RegisterResponder("GET", baseURL+"/ping",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				resp := httpmock.NewStringResponse(429, `{}`)
				resp.Header.Set("Retry-After", "2")
				return resp, nil
			}
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	require.NoError(t, c.Get(context.Background(), "/ping", nil, nil))
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeps.delays)
}

func TestRateLimitFallbackAndExhaustion(t *testing.T) {
	c, sleeps, _ := newTestClient(t)
	httpmock.RegisterResponder("GET", baseURL+"/ping", httpmock.NewStringResponder(429, `{}`))

	err := c.Get(context.Background(), "/ping", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrRateLimited, apiErr.Code)
	assert.Equal(t, DefaultRetryAfterFallback, apiErr.RetryAfter)
	assert.Equal(t, []time.Duration{DefaultRetryAfterFallback, DefaultRetryAfterFallback, DefaultRetryAfterFallback}, sleeps.delays)
	assert.Equal(t, DefaultMaxRetries+1, httpmock.GetTotalCallCount())
}

func TestServerErrorsRetriedThenConnectionError(t *testing.T) {
	c, sleeps, sink := newTestClient(t)
	longBody := strings.Repeat("x", 2000)
	httpmock.RegisterResponder("GET", baseURL+"/ping", httpmock.NewStringResponder(503, longBody))

	err := c.Get(context.Background(), "/ping", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConnection, apiErr.Code)
	assert.Equal(t, 503, apiErr.StatusCode)
	assert.Less(t, len(apiErr.Message), 600)
	assert.Equal(t, DefaultMaxRetries+1, httpmock.GetTotalCallCount())
	assert.Len(t, sleeps.delays, DefaultMaxRetries)
	assert.Len(t, sink.requests, DefaultMaxRetries+1)
	assert.Equal(t, []string{"connection"}, sink.errors)
}

func TestClientErrorsFailFast(t *testing.T) {
	c, sleeps, _ := newTestClient(t)
	httpmock.RegisterResponder("POST", baseURL+"/accounts/acc-1/sync", httpmock.NewStringResponder(422, `{"message":"bad"}`))

	err := c.Post(context.Background(), "/accounts/acc-1/sync", map[string]string{"a": "b"}, nil)
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrProviderReject))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Empty(t, sleeps.delays)
}

func TestDelete(t *testing.T) {
	c, _, _ := newTestClient(t)
	httpmock.RegisterResponder("DELETE", baseURL+"/accounts/acc-1", httpmock.NewStringResponder(204, ""))
	assert.NoError(t, c.Delete(context.Background(), "/accounts/acc-1", nil))
}

func TestFetchTransactionsQueryShapes(t *testing.T) {
	c, _, _ := newTestClient(t)

	var queries []url.Values
	httpmock.RegisterResponder("GET", baseURL+"/accounts/acc-1/transactions",
		func(req *http.Request) (*http.Response, error) {
			queries = append(queries, req.URL.Query())
			return httpmock.NewStringResponse(200, `{"paging":{"next":"c2"},"data":[{"id":"tx-1"}]}`), nil
		})

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	page, err := c.FetchTransactions(ctx, PageRequest{AccountID: "acc-1", Start: start, End: end, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, "c2", page.Paging.NextCursor())
	assert.Len(t, page.Data, 1)

	_, err = c.FetchTransactions(ctx, PageRequest{AccountID: "acc-1", Cursor: "c2", Start: start, End: end})
	require.NoError(t, err)
	_, err = c.FetchTransactions(ctx, PageRequest{AccountID: "acc-1", Cursor: "page:3", Start: start, End: end})
	require.NoError(t, err)

	require.Len(t, queries, 3)
	assert.Equal(t, "2024-05-01", queries[0].Get("start"))
	assert.Equal(t, "2024-05-31", queries[0].Get("end"))
	assert.Equal(t, "100", queries[0].Get("limit"))

	assert.Equal(t, "c2", queries[1].Get("cursor"))
	assert.Empty(t, queries[1].Get("start"))

	assert.Equal(t, "3", queries[2].Get("page"))
	assert.Equal(t, "2024-05-01", queries[2].Get("start"))
}

func TestFetchTransactionsFollowsAbsoluteLink(t *testing.T) {
	c, _, _ := newTestClient(t)
	httpmock.RegisterResponder("GET", "https://api.bank.test/v2/tx?after=abc",
		httpmock.NewStringResponder(200, `{"paging":{},"data":[]}`))

	page, err := c.FetchTransactions(context.Background(), PageRequest{AccountID: "acc-1", Cursor: "https://api.bank.test/v2/tx?after=abc"})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Equal(t, "", page.Paging.NextCursor())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fallback := 5 * time.Second

	assert.Equal(t, 3*time.Second, parseRetryAfter("3", fallback, now))
	assert.Equal(t, fallback, parseRetryAfter("", fallback, now))
	assert.Equal(t, fallback, parseRetryAfter("soon", fallback, now))
	assert.Equal(t, fallback, parseRetryAfter("-4", fallback, now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), fallback, now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), fallback, now))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	body := []byte(strings.Repeat("a", maxErrorBody-1) + "€ trailing")
	got := truncate(body)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxErrorBody-1), got)

	short := []byte("naïve")
	assert.Equal(t, "naïve", truncate(short))
}

type panicSink struct{}

func (panicSink) ObserveStage(context.Context, string, string, time.Duration) { panic("stage") }
func (panicSink) IncZeroTransactions(context.Context)                         { panic("zero") }
func (panicSink) IncError(context.Context, string, string)                    { panic("error") }
func (panicSink) ObserveRequest(context.Context, string, int, string, time.Duration) {
	panic("request")
}

func TestPanickingSinkDoesNotEscape(t *testing.T) {
	c, _, _ := newTestClient(t, WithMetrics(panicSink{}))
	httpmock.RegisterResponder("POST", baseURL+"/accounts/acc-1/sync", httpmock.NewStringResponder(422, `{"message":"bad"}`))

	var err error
	require.NotPanics(t, func() {
		err = c.Post(context.Background(), "/accounts/acc-1/sync", nil, nil)
	})
	assert.True(t, apierror.IsCode(err, apierror.ErrProviderReject))
}

var _ metrics.Sink = (*fakeSink)(nil)
