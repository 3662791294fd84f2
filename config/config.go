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

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT            = "5001"
	DEFAULT_MONITORING_PORT = "5004"
	DEFAULT_SHARD_COUNT     = 4
	MAX_SHARD_COUNT         = 4096

	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"

	PurchaseQueue     = "purchase"
	OrderTimeoutQueue = "order_timeout"
	DeadLetterQueue   = "dead_letter"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns          string `json:"dns" envconfig:"FLASHSALE_DATA_SOURCE_DNS"`
	Driver       string `json:"driver" envconfig:"FLASHSALE_DATA_SOURCE_DRIVER"`
	MaxOpenConns int    `json:"max_open_conns" envconfig:"FLASHSALE_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `json:"max_idle_conns" envconfig:"FLASHSALE_DATA_SOURCE_MAX_IDLE_CONNS"`
}

type ServerConfig struct {
	Port      string `json:"port" envconfig:"FLASHSALE_SERVER_PORT"`
	Secure    bool   `json:"secure" envconfig:"FLASHSALE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FLASHSALE_SERVER_SECRET_KEY"`
}

// RateLimitConfig caps requests per client address on the HTTP API. Leaving
// RequestsPerSecond or Burst unset disables it.
type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FLASHSALE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FLASHSALE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FLASHSALE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"FLASHSALE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"FLASHSALE_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	PurchaseQueue           string `json:"purchase_queue" envconfig:"FLASHSALE_QUEUE_PURCHASE"`
	OrderTimeoutQueue       string `json:"order_timeout_queue" envconfig:"FLASHSALE_QUEUE_ORDER_TIMEOUT"`
	DeadLetterQueue         string `json:"dead_letter_queue" envconfig:"FLASHSALE_QUEUE_DEAD_LETTER"`
	MaxRetry                int    `json:"max_retry" envconfig:"FLASHSALE_QUEUE_MAX_RETRY"`
	MaterializerConcurrency int    `json:"materializer_concurrency" envconfig:"FLASHSALE_QUEUE_MATERIALIZER_CONCURRENCY"`
	CompensatorConcurrency  int    `json:"compensator_concurrency" envconfig:"FLASHSALE_QUEUE_COMPENSATOR_CONCURRENCY"`
	DeadLetterConcurrency   int    `json:"dead_letter_concurrency" envconfig:"FLASHSALE_QUEUE_DEAD_LETTER_CONCURRENCY"`
	RetentionSec            int    `json:"retention_sec" envconfig:"FLASHSALE_QUEUE_RETENTION_SEC"`
	MonitoringPort          string `json:"monitoring_port" envconfig:"FLASHSALE_QUEUE_MONITORING_PORT"`
}

// RetryHorizon is the longest a task can keep being retried under asynq's
// default retry delay (n^4 + 15 + up to 29*(n+1) seconds after the nth
// failure) before it is dead-lettered.
func (q QueueConfig) RetryHorizon() time.Duration {
	var total int64
	for n := int64(0); n < int64(q.MaxRetry); n++ {
		total += n*n*n*n + 15 + 29*(n+1)
	}
	return time.Duration(total) * time.Second
}

type SaleConfig struct {
	ShardCount           int     `json:"shard_count" envconfig:"FLASHSALE_SALE_SHARD_COUNT"`
	WorkerID             int64   `json:"worker_id" envconfig:"FLASHSALE_SALE_WORKER_ID"`
	DatacenterID         int64   `json:"datacenter_id" envconfig:"FLASHSALE_SALE_DATACENTER_ID"`
	TimeoutCheckDelaySec int     `json:"timeout_check_delay_sec" envconfig:"FLASHSALE_SALE_TIMEOUT_CHECK_DELAY_SEC"`
	MarkerTTLSec         int     `json:"marker_ttl_sec" envconfig:"FLASHSALE_SALE_MARKER_TTL_SEC"`
	RollbackGuardTTLSec  int     `json:"rollback_guard_ttl_sec" envconfig:"FLASHSALE_SALE_ROLLBACK_GUARD_TTL_SEC"`
	SoldOutTTLSec        int     `json:"sold_out_ttl_sec" envconfig:"FLASHSALE_SALE_SOLD_OUT_TTL_SEC"`
	ReserveTimeoutMs     int     `json:"reserve_timeout_ms" envconfig:"FLASHSALE_SALE_RESERVE_TIMEOUT_MS"`
	BuyerRateLimit       float64 `json:"buyer_rate_limit" envconfig:"FLASHSALE_SALE_BUYER_RATE_LIMIT"`
	BuyerRateBurst       int     `json:"buyer_rate_burst" envconfig:"FLASHSALE_SALE_BUYER_RATE_BURST"`
}

func (s SaleConfig) TimeoutCheckDelay() time.Duration {
	return time.Duration(s.TimeoutCheckDelaySec) * time.Second
}

func (s SaleConfig) MarkerTTL() time.Duration {
	return time.Duration(s.MarkerTTLSec) * time.Second
}

func (s SaleConfig) RollbackGuardTTL() time.Duration {
	return time.Duration(s.RollbackGuardTTLSec) * time.Second
}

func (s SaleConfig) SoldOutTTL() time.Duration {
	return time.Duration(s.SoldOutTTLSec) * time.Second
}

func (s SaleConfig) ReserveTimeout() time.Duration {
	return time.Duration(s.ReserveTimeoutMs) * time.Millisecond
}

type TransactionConfig struct {
	CheckIntervalSec int `json:"check_interval_sec" envconfig:"FLASHSALE_TRANSACTION_CHECK_INTERVAL_SEC"`
	MaxChecks        int `json:"max_checks" envconfig:"FLASHSALE_TRANSACTION_MAX_CHECKS"`
	CheckBatchSize   int `json:"check_batch_size" envconfig:"FLASHSALE_TRANSACTION_CHECK_BATCH_SIZE"`
	CheckWorkers     int `json:"check_workers" envconfig:"FLASHSALE_TRANSACTION_CHECK_WORKERS"`
	LockDurationSec  int `json:"lock_duration_sec" envconfig:"FLASHSALE_TRANSACTION_LOCK_DURATION_SEC"`
}

func (t TransactionConfig) CheckInterval() time.Duration {
	return time.Duration(t.CheckIntervalSec) * time.Second
}

// CheckWindow is the longest a half message can wait before it is either
// resolved or discarded.
func (t TransactionConfig) CheckWindow() time.Duration {
	return time.Duration(t.MaxChecks+1) * t.CheckInterval()
}

func (t TransactionConfig) LockDuration() time.Duration {
	return time.Duration(t.LockDurationSec) * time.Second
}

type CollaboratorsConfig struct {
	CatalogURL         string `json:"catalog_url" envconfig:"FLASHSALE_CATALOG_URL"`
	PaymentURL         string `json:"payment_url" envconfig:"FLASHSALE_PAYMENT_URL"`
	InventoryURL       string `json:"inventory_url" envconfig:"FLASHSALE_INVENTORY_URL"`
	CatalogTimeoutMs   int    `json:"catalog_timeout_ms" envconfig:"FLASHSALE_CATALOG_TIMEOUT_MS"`
	PaymentTimeoutMs   int    `json:"payment_timeout_ms" envconfig:"FLASHSALE_PAYMENT_TIMEOUT_MS"`
	InventoryTimeoutMs int    `json:"inventory_timeout_ms" envconfig:"FLASHSALE_INVENTORY_TIMEOUT_MS"`
	PriceCacheTTLSec   int    `json:"price_cache_ttl_sec" envconfig:"FLASHSALE_PRICE_CACHE_TTL_SEC"`
	Headers            struct {
		Authorization string `json:"Authorization" envconfig:"FLASHSALE_COLLABORATORS_AUTHORIZATION"`
	} `json:"headers"`
}

func (c CollaboratorsConfig) CatalogTimeout() time.Duration {
	return time.Duration(c.CatalogTimeoutMs) * time.Millisecond
}

func (c CollaboratorsConfig) PaymentTimeout() time.Duration {
	return time.Duration(c.PaymentTimeoutMs) * time.Millisecond
}

func (c CollaboratorsConfig) InventoryTimeout() time.Duration {
	return time.Duration(c.InventoryTimeoutMs) * time.Millisecond
}

func (c CollaboratorsConfig) PriceCacheTTL() time.Duration {
	return time.Duration(c.PriceCacheTTLSec) * time.Second
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"FLASHSALE_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type OtelExporter struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName     string              `json:"project_name" envconfig:"FLASHSALE_PROJECT_NAME"`
	DataSource      DataSourceConfig    `json:"data_source"`
	Server          ServerConfig        `json:"server"`
	RateLimit       RateLimitConfig     `json:"rate_limit"`
	Redis           RedisConfig         `json:"redis"`
	Queue           QueueConfig         `json:"queue"`
	Sale            SaleConfig          `json:"sale"`
	Transaction     TransactionConfig   `json:"transaction"`
	Collaborators   CollaboratorsConfig `json:"collaborators"`
	Notification    Notification        `json:"notification"`
	OtelExporter    OtelExporter        `json:"otel_exporter"`
	EnableTelemetry bool                `json:"enable_telemetry" envconfig:"FLASHSALE_ENABLE_TELEMETRY"`
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
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("flashsale", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called flashsale.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Flash Sale"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.DataSource.Driver = strings.ToLower(strings.TrimSpace(cnf.DataSource.Driver))
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	switch cnf.DataSource.Driver {
	case "":
		cnf.DataSource.Driver = DriverPostgres
	case DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unsupported data source driver %q", cnf.DataSource.Driver)
	}
	setDefault(&cnf.DataSource.MaxOpenConns, 25)
	setDefault(&cnf.DataSource.MaxIdleConns, 10)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
	}
	if cnf.Server.Secure && cnf.Server.SecretKey == "" {
		return errors.New("server secret key is required when secure is enabled")
	}
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.CleanupIntervalSec == nil {
		cleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &cleanup
	}

	cnf.Queue.addDefaults()
	if err := cnf.Sale.validateAndAddDefaults(); err != nil {
		return err
	}
	cnf.Transaction.addDefaults()
	cnf.Collaborators.addDefaults()

	// Markers must outlive both the payment window and the half message
	// check window, otherwise a late check-back or compensation would see no
	// reservation and the buyer could purchase twice.
	if cnf.Sale.MarkerTTL() < cnf.Sale.TimeoutCheckDelay()+cnf.Transaction.CheckWindow() {
		return fmt.Errorf("sale marker ttl (%s) must be at least the timeout check delay plus the check window (%s)",
			cnf.Sale.MarkerTTL(), cnf.Sale.TimeoutCheckDelay()+cnf.Transaction.CheckWindow())
	}

	// A rollback can arrive as late as the materializer's and then the
	// compensator's retries allow; its guard must still be there.
	rollbackHorizon := cnf.Transaction.CheckWindow() + cnf.Sale.TimeoutCheckDelay() + 2*cnf.Queue.RetryHorizon()
	if cnf.Sale.RollbackGuardTTL() < rollbackHorizon {
		return fmt.Errorf("sale rollback guard ttl (%s) must cover the check window, the timeout check delay and two retry horizons (%s)",
			cnf.Sale.RollbackGuardTTL(), rollbackHorizon)
	}

	return nil
}

func (q *QueueConfig) addDefaults() {
	setDefaultString(&q.PurchaseQueue, PurchaseQueue)
	setDefaultString(&q.OrderTimeoutQueue, OrderTimeoutQueue)
	setDefaultString(&q.DeadLetterQueue, DeadLetterQueue)
	setDefault(&q.MaxRetry, 16)
	setDefault(&q.MaterializerConcurrency, 8)
	setDefault(&q.CompensatorConcurrency, 4)
	setDefault(&q.DeadLetterConcurrency, 1)
	setDefault(&q.RetentionSec, 86400)
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
		log.Printf("Warning: Monitoring port not specified in config. Setting default port: %s", DEFAULT_MONITORING_PORT)
	}
}

func (s *SaleConfig) validateAndAddDefaults() error {
	setDefault(&s.ShardCount, DEFAULT_SHARD_COUNT)
	if s.ShardCount > MAX_SHARD_COUNT || s.ShardCount&(s.ShardCount-1) != 0 {
		return fmt.Errorf("shard count must be a power of two between 1 and %d, got %d", MAX_SHARD_COUNT, s.ShardCount)
	}
	if s.WorkerID < 0 || s.WorkerID > 31 {
		return fmt.Errorf("worker id must be between 0 and 31, got %d", s.WorkerID)
	}
	if s.DatacenterID < 0 || s.DatacenterID > 31 {
		return fmt.Errorf("datacenter id must be between 0 and 31, got %d", s.DatacenterID)
	}
	setDefault(&s.TimeoutCheckDelaySec, 900)
	setDefault(&s.MarkerTTLSec, 86400)
	setDefault(&s.RollbackGuardTTLSec, 604800)
	setDefault(&s.SoldOutTTLSec, 5)
	setDefault(&s.ReserveTimeoutMs, 500)
	if s.BuyerRateLimit > 0 && s.BuyerRateBurst == 0 {
		s.BuyerRateBurst = 1
	}
	return nil
}

func (t *TransactionConfig) addDefaults() {
	setDefault(&t.CheckIntervalSec, 10)
	setDefault(&t.MaxChecks, 15)
	setDefault(&t.CheckBatchSize, 100)
	setDefault(&t.CheckWorkers, 4)
	setDefault(&t.LockDurationSec, 30)
}

func (c *CollaboratorsConfig) addDefaults() {
	setDefault(&c.CatalogTimeoutMs, 2000)
	setDefault(&c.PaymentTimeoutMs, 2000)
	setDefault(&c.InventoryTimeoutMs, 2000)
	setDefault(&c.PriceCacheTTLSec, 60)
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDefaultString(v *string, def string) {
	*v = strings.TrimSpace(*v)
	if *v == "" {
		*v = def
	}
}

// SetExporterEnvs exports the configured OTLP settings so the exporter
// picks them up from the environment.
func SetExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.OtelExporter.OtelExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.OtelExporter.OtelExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.OtelExporter.OtelExporterOtlpHeaders,
	}
	for k, v := range envs {
		if v == "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
