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
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPageSize           = 100
	MaxPageSize               = 100
	DefaultMaxRetries         = 3
	DefaultRateLimit          = 60
	DefaultRateWindow         = 60 * time.Second
	DefaultRetryAfterFallback = 5 * time.Second
	DefaultMaxRetryWait       = 60 * time.Second
	DefaultTimeout            = 30 * time.Second
	DefaultSecretHeader       = "X-Secret-Key"
	DefaultTransactionsPath   = "/accounts/{account_id}/transactions"
)

// Config describes one open-banking provider.
type Config struct {
	Name               string        `yaml:"name" json:"name"`
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	BaseURL            string        `yaml:"base_url" json:"base_url"`
	SecretKey          string        `yaml:"secret_key" json:"secret_key"`
	SecretHeader       string        `yaml:"secret_header" json:"secret_header"`
	Token              string        `yaml:"token,omitempty" json:"token,omitempty"`
	TokenURL           string        `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID           string        `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret       string        `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	Scopes             []string      `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	PageSize           int           `yaml:"page_size" json:"page_size"`
	MaxRetries         int           `yaml:"max_retries" json:"max_retries"`
	RateLimit          int           `yaml:"rate_limit" json:"rate_limit"`
	RateWindow         time.Duration `yaml:"rate_window" json:"rate_window"`
	RetryAfterFallback time.Duration `yaml:"retry_after_fallback" json:"retry_after_fallback"`
	MaxRetryWait       time.Duration `yaml:"max_retry_wait" json:"max_retry_wait"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
	TransactionsPath   string        `yaml:"transactions_path" json:"transactions_path"`
}

// WithDefaults fills unset fields and clamps the page size to 1..100.
func (c Config) WithDefaults() Config {
	if c.SecretHeader == "" {
		c.SecretHeader = DefaultSecretHeader
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RetryAfterFallback <= 0 {
		c.RetryAfterFallback = DefaultRetryAfterFallback
	}
	if c.MaxRetryWait <= 0 {
		c.MaxRetryWait = DefaultMaxRetryWait
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TransactionsPath == "" {
		c.TransactionsPath = DefaultTransactionsPath
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.SecretKey, validation.Required),
		validation.Field(&c.TokenURL, validation.When(c.ClientID != "", validation.Required, is.URL)),
		validation.Field(&c.PageSize, validation.Min(0)),
	)
}

// UsesClientCredentials reports whether the bearer token is obtained through
// the OAuth2 client-credentials grant.
func (c Config) UsesClientCredentials() bool {
	return c.ClientID != "" && c.TokenURL != ""
}

type providersFile struct {
	Providers []Config `yaml:"providers"`
}

// LoadProvidersFromYAML reads provider definitions. Secrets written as
// ${ENV_NAME} are expanded from the environment; disabled or invalid
// providers are skipped with a warning.
func LoadProvidersFromYAML(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config: %w", err)
	}
	return LoadProvidersFromBytes(data)
}

func LoadProvidersFromBytes(data []byte) ([]Config, error) {
	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}

	var providers []Config
	for _, cfg := range file.Providers {
		if !cfg.Enabled {
			logrus.Infof("provider %s is disabled, skipping", cfg.Name)
			continue
		}
		cfg.SecretKey = expandEnvVar(cfg.SecretKey)
		cfg.Token = expandEnvVar(cfg.Token)
		cfg.ClientSecret = expandEnvVar(cfg.ClientSecret)

		if err := cfg.Validate(); err != nil {
			logrus.Warnf("invalid config for provider %s: %v", cfg.Name, err)
			continue
		}
		providers = append(providers, cfg.WithDefaults())
		logrus.Infof("loaded provider from config: %s", cfg.Name)
	}
	return providers, nil
}

func expandEnvVar(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envName := value[2 : len(value)-1]
		if envValue := os.Getenv(envName); envValue != "" {
			return envValue
		}
	}
	return value
}
