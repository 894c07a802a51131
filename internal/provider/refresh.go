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
	"fmt"
	"time"

	"github.com/blnkfinance/bankfeed/internal/cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsRefresher obtains tokens through the OAuth2
// client-credentials grant configured on cfg.
func ClientCredentialsRefresher(cfg Config) TokenRefresher {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return func(ctx context.Context, _ string) (string, error) {
		token, err := cc.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("client credentials exchange failed: %w", err)
		}
		return token.AccessToken, nil
	}
}

// CachedRefresher shares tokens between workers through the cache so a
// token refreshed by one process is reused by the others. A cached token
// equal to the one just rejected is never handed back.
func CachedRefresher(c cache.Cache, provider string, ttl time.Duration, next TokenRefresher) TokenRefresher {
	key := "bankfeed:provider_token:" + provider
	return func(ctx context.Context, stale string) (string, error) {
		var cached string
		found, err := c.Get(ctx, key, &cached)
		if err != nil {
			logrus.WithError(err).WithField("provider", provider).Warn("token cache read failed")
		}
		if found && cached != "" && cached != stale {
			return cached, nil
		}

		token, err := next(ctx, stale)
		if err != nil {
			return "", err
		}
		if err := c.Set(ctx, key, token, ttl); err != nil {
			logrus.WithError(err).WithField("provider", provider).Warn("token cache write failed")
		}
		return token, nil
	}
}
