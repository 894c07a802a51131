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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blnkfinance/bankfeed/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/", ok)
	r.GET("/accounts/:id/transactions", ok)
	r.POST("/webhooks/:provider", ok)
	return r
}

func serve(r *gin.Engine, method, path string, header map[string]string) int {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp.Code
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	conf := &config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "server-secret"}}
	r := newRouter(SecretKeyAuthMiddleware(conf))

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health is open", http.MethodGet, "/", "", http.StatusOK},
		{"webhooks are open", http.MethodPost, "/webhooks/mono", "", http.StatusOK},
		{"missing key", http.MethodGet, "/accounts/a/transactions", "", http.StatusUnauthorized},
		{"wrong key", http.MethodGet, "/accounts/a/transactions", "nope", http.StatusUnauthorized},
		{"valid key", http.MethodGet, "/accounts/a/transactions", "server-secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.key != "" {
				header[KeyHeader] = tt.key
			}
			assert.Equal(t, tt.want, serve(r, tt.method, tt.path, header))
		})
	}
}

func TestSecretKeyAuthMiddlewareWithoutSecret(t *testing.T) {
	conf := &config.Configuration{Server: config.ServerConfig{Secure: true}}
	r := newRouter(SecretKeyAuthMiddleware(conf))
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodGet, "/accounts/a/transactions", map[string]string{KeyHeader: "x"}))
}

func TestRateLimitMiddleware(t *testing.T) {
	rps := 1.0
	burst := 2
	cleanup := 60
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{RequestsPerSecond: &rps, Burst: &burst, CleanupIntervalSec: &cleanup}}
	r := newRouter(RateLimitMiddleware(conf))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, serve(r, http.MethodGet, "/accounts/a/transactions", nil))
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	r := newRouter(RateLimitMiddleware(&config.Configuration{}))
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", nil))
	}
}
