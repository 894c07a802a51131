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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/bankfeed/internal/provider"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	DefaultLookbackDays        = 90
	DefaultAlertThreshold      = 3
	DefaultLatencySLASeconds   = 30
	DefaultCurrency            = "NGN"
	DefaultWebhookTolerance    = 15 * 60
	DefaultWebhookRetention    = 60 * 60
	DefaultDedupeRetentionDays = 400
	DefaultRunTimeoutSeconds   = 10 * 60
	DefaultSyncQueue           = "bankfeed_sync"
	DefaultEventQueue          = "bankfeed_events"
	DefaultUniqueWindowSeconds = 5 * 60
	DefaultWorkers             = 5
	DefaultMonitoringPort      = "5003"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"BANKFEED_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"BANKFEED_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"BANKFEED_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"BANKFEED_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"BANKFEED_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"BANKFEED_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"BANKFEED_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"BANKFEED_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"BANKFEED_REDIS_SKIP_TLS_VERIFY"`
}

// ProviderConfig is the JSON form of a provider. Durations are in seconds.
type ProviderConfig struct {
	Name               string   `json:"name"`
	BaseURL            string   `json:"base_url"`
	SecretKey          string   `json:"secret_key"`
	SecretHeader       string   `json:"secret_header"`
	Token              string   `json:"token"`
	TokenURL           string   `json:"token_url"`
	ClientID           string   `json:"client_id"`
	ClientSecret       string   `json:"client_secret"`
	Scopes             []string `json:"scopes"`
	PageSize           int      `json:"page_size"`
	MaxRetries         int      `json:"max_retries"`
	RateLimit          int      `json:"rate_limit"`
	RateWindowSec      int      `json:"rate_window_sec"`
	RetryAfterFallback int      `json:"retry_after_fallback_sec"`
	MaxRetryWaitSec    int      `json:"max_retry_wait_sec"`
	TimeoutSec         int      `json:"timeout_sec"`
	TransactionsPath   string   `json:"transactions_path"`
}

func (p ProviderConfig) ClientConfig() provider.Config {
	return provider.Config{
		Name:               p.Name,
		Enabled:            true,
		BaseURL:            p.BaseURL,
		SecretKey:          p.SecretKey,
		SecretHeader:       p.SecretHeader,
		Token:              p.Token,
		TokenURL:           p.TokenURL,
		ClientID:           p.ClientID,
		ClientSecret:       p.ClientSecret,
		Scopes:             p.Scopes,
		PageSize:           p.PageSize,
		MaxRetries:         p.MaxRetries,
		RateLimit:          p.RateLimit,
		RateWindow:         seconds(p.RateWindowSec),
		RetryAfterFallback: seconds(p.RetryAfterFallback),
		MaxRetryWait:       seconds(p.MaxRetryWaitSec),
		Timeout:            seconds(p.TimeoutSec),
		TransactionsPath:   p.TransactionsPath,
	}.WithDefaults()
}

type SyncConfig struct {
	LookbackDays           int    `json:"lookback_days" envconfig:"BANKFEED_SYNC_LOOKBACK_DAYS"`
	MaxPages               int    `json:"max_pages" envconfig:"BANKFEED_SYNC_MAX_PAGES"`
	AlertThreshold         int    `json:"alert_threshold" envconfig:"BANKFEED_SYNC_ALERT_THRESHOLD"`
	LatencySLASeconds      int    `json:"latency_sla_seconds" envconfig:"BANKFEED_SYNC_LATENCY_SLA_SECONDS"`
	DefaultCurrency        string `json:"default_currency" envconfig:"BANKFEED_SYNC_DEFAULT_CURRENCY"`
	DedupeRetentionDays    int    `json:"dedupe_retention_days" envconfig:"BANKFEED_SYNC_DEDUPE_RETENTION_DAYS"`
	RunTimeoutSeconds      int    `json:"run_timeout_seconds" envconfig:"BANKFEED_SYNC_RUN_TIMEOUT_SECONDS"`
	RetryAttempts          int    `json:"retry_attempts" envconfig:"BANKFEED_SYNC_RETRY_ATTEMPTS"`
	BreakerThreshold       int    `json:"breaker_threshold" envconfig:"BANKFEED_SYNC_BREAKER_THRESHOLD"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds" envconfig:"BANKFEED_SYNC_BREAKER_COOLDOWN_SECONDS"`
}

func (s SyncConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}

func (s SyncConfig) LatencySLA() time.Duration { return seconds(s.LatencySLASeconds) }

func (s SyncConfig) DedupeRetention() time.Duration {
	return time.Duration(s.DedupeRetentionDays) * 24 * time.Hour
}

func (s SyncConfig) RunTimeout() time.Duration { return seconds(s.RunTimeoutSeconds) }

func (s SyncConfig) BreakerCooldown() time.Duration { return seconds(s.BreakerCooldownSeconds) }

type WebhookConfig struct {
	Secret           string `json:"secret" envconfig:"BANKFEED_WEBHOOK_SECRET"`
	ToleranceSeconds int    `json:"tolerance_seconds" envconfig:"BANKFEED_WEBHOOK_TOLERANCE_SECONDS"`
	RetentionSeconds int    `json:"retention_seconds" envconfig:"BANKFEED_WEBHOOK_RETENTION_SECONDS"`
}

func (w WebhookConfig) Tolerance() time.Duration { return seconds(w.ToleranceSeconds) }

func (w WebhookConfig) Retention() time.Duration { return seconds(w.RetentionSeconds) }

type QueueConfig struct {
	SyncQueue           string `json:"sync_queue" envconfig:"BANKFEED_QUEUE_SYNC_QUEUE"`
	EventQueue          string `json:"event_queue" envconfig:"BANKFEED_QUEUE_EVENT_QUEUE"`
	NumberOfWorkers     int    `json:"number_of_workers" envconfig:"BANKFEED_QUEUE_NUMBER_OF_WORKERS"`
	MonitoringPort      string `json:"monitoring_port" envconfig:"BANKFEED_QUEUE_MONITORING_PORT"`
	UniqueWindowSeconds int    `json:"unique_window_seconds" envconfig:"BANKFEED_QUEUE_UNIQUE_WINDOW_SECONDS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"BANKFEED_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"BANKFEED_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"BANKFEED_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"BANKFEED_SLACK_WEBHOOK_URL"`
}

type WebhookNotification struct {
	Url     string            `json:"url" envconfig:"BANKFEED_NOTIFICATION_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook        `json:"slack"`
	Webhook WebhookNotification `json:"webhook"`
}

type OtelExporter struct {
	Protocol string `json:"protocol" envconfig:"BANKFEED_OTEL_EXPORTER_PROTOCOL"`
	Endpoint string `json:"endpoint" envconfig:"BANKFEED_OTEL_EXPORTER_ENDPOINT"`
	Headers  string `json:"headers" envconfig:"BANKFEED_OTEL_EXPORTER_HEADERS"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"BANKFEED_PROJECT_NAME"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Providers       []ProviderConfig `json:"providers"`
	ProvidersFile   string           `json:"providers_file" envconfig:"BANKFEED_PROVIDERS_FILE"`
	Sync            SyncConfig       `json:"sync"`
	Webhook         WebhookConfig    `json:"webhook"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	OtelExporter    OtelExporter     `json:"otel_exporter"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"BANKFEED_ENABLE_TELEMETRY"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cnf); err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	if err := envconfig.Process("bankfeed", &cnf); err != nil {
		return err
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called bankfeed.json with your config ❌")
	}
	return c, nil
}

// ProviderConfigs merges providers declared in JSON with those in the YAML
// providers file. A YAML entry replaces a JSON entry with the same name.
func (cnf *Configuration) ProviderConfigs() ([]provider.Config, error) {
	byName := make(map[string]provider.Config)
	var order []string
	add := func(p provider.Config) {
		if _, ok := byName[p.Name]; !ok {
			order = append(order, p.Name)
		}
		byName[p.Name] = p
	}

	for _, p := range cnf.Providers {
		add(p.ClientConfig())
	}
	if cnf.ProvidersFile != "" {
		fromFile, err := provider.LoadProvidersFromYAML(cnf.ProvidersFile)
		if err != nil {
			return nil, err
		}
		for _, p := range fromFile {
			add(p)
		}
	}

	out := make([]provider.Config, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

// Provider returns the named provider configuration.
func (cnf *Configuration) Provider(name string) (provider.Config, error) {
	providers, err := cnf.ProviderConfigs()
	if err != nil {
		return provider.Config{}, err
	}
	for _, p := range providers {
		if p.Name == name {
			return p, nil
		}
	}
	return provider.Config{}, fmt.Errorf("provider %q is not configured", name)
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Bankfeed"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Sync.addDefaults()
	cnf.Webhook.addDefaults()
	cnf.Queue.addDefaults()

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	for _, p := range cnf.Providers {
		if err := p.ClientConfig().Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
	}

	return validation.ValidateStruct(cnf,
		validation.Field(&cnf.Sync),
		validation.Field(&cnf.Webhook),
		validation.Field(&cnf.Notification),
	)
}

func (s *SyncConfig) addDefaults() {
	if s.LookbackDays <= 0 {
		s.LookbackDays = DefaultLookbackDays
	}
	if s.AlertThreshold <= 0 {
		s.AlertThreshold = DefaultAlertThreshold
	}
	if s.LatencySLASeconds <= 0 {
		s.LatencySLASeconds = DefaultLatencySLASeconds
	}
	if s.DefaultCurrency == "" {
		s.DefaultCurrency = DefaultCurrency
	}
	s.DefaultCurrency = strings.ToUpper(strings.TrimSpace(s.DefaultCurrency))
	if s.DedupeRetentionDays <= 0 {
		s.DedupeRetentionDays = DefaultDedupeRetentionDays
	}
	if s.RunTimeoutSeconds <= 0 {
		s.RunTimeoutSeconds = DefaultRunTimeoutSeconds
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = provider.DefaultMaxRetries
	}
}

func (s SyncConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.DefaultCurrency, validation.Length(3, 3), is.UpperCase),
		validation.Field(&s.MaxPages, validation.Min(0)),
		validation.Field(&s.BreakerThreshold, validation.Min(0)),
	)
}

func (w *WebhookConfig) addDefaults() {
	if w.ToleranceSeconds <= 0 {
		w.ToleranceSeconds = DefaultWebhookTolerance
	}
	if w.RetentionSeconds <= 0 {
		w.RetentionSeconds = DefaultWebhookRetention
	}
}

func (w WebhookConfig) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Secret, validation.When(w.Secret != "", validation.Length(16, 0))),
	)
}

func (q *QueueConfig) addDefaults() {
	if q.SyncQueue == "" {
		q.SyncQueue = DefaultSyncQueue
	}
	if q.EventQueue == "" {
		q.EventQueue = DefaultEventQueue
	}
	if q.NumberOfWorkers <= 0 {
		q.NumberOfWorkers = DefaultWorkers
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DefaultMonitoringPort
	}
	if q.UniqueWindowSeconds <= 0 {
		q.UniqueWindowSeconds = DefaultUniqueWindowSeconds
	}
}

func (s SlackWebhook) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.WebhookUrl, is.URL),
	)
}

func (w WebhookNotification) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Url, is.URL),
	)
}

func (n Notification) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.Slack),
		validation.Field(&n.Webhook),
	)
}

// SetOtelExporterEnvs exports the configured collector settings as the
// standard OTEL_EXPORTER_OTLP_* variables read by the exporters.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.OtelExporter.Protocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.OtelExporter.Endpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.OtelExporter.Headers,
	}
	for key, value := range envs {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
