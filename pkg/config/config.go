// Package config loads the leasecoord process configuration.
package config

import (
	"net/url"
	"strings"
	"time"
)

// Store backends.
const (
	StoreTypeMemory   = "memory"
	StoreTypeRedis    = "redis"
	StoreTypePostgres = "postgres"
	StoreTypeMySQL    = "mysql"
	StoreTypeMongoDB  = "mongodb"
	StoreTypeDynamoDB = "dynamodb"
)

// Config is the root configuration of a leasecoord process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Instance      InstanceConfig      `mapstructure:"instance" yaml:"instance"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" yaml:"scheduler"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Events        EventsConfig        `mapstructure:"events" yaml:"events"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// InstanceConfig identifies this process in lease ids. Two processes sharing a
// host and port collide.
type InstanceConfig struct {
	// Host defaults to os.Hostname when empty.
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// StoreConfig selects and configures the shared lease store.
type StoreConfig struct {
	Type             string         `mapstructure:"type" yaml:"type"`
	OperationTimeout time.Duration  `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Tracing          bool           `mapstructure:"tracing" yaml:"tracing"`
	CircuitBreaker   BreakerConfig  `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Redis            RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres         SQLConfig      `mapstructure:"postgres" yaml:"postgres"`
	MySQL            SQLConfig      `mapstructure:"mysql" yaml:"mysql"`
	MongoDB          MongoDBConfig  `mapstructure:"mongodb" yaml:"mongodb"`
	DynamoDB         DynamoDBConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
}

// BreakerConfig makes lease store calls fail fast after repeated backend errors.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type SQLConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	Table       string `mapstructure:"table" yaml:"table"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type MongoDBConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Database       string        `mapstructure:"database" yaml:"database"`
	Collection     string        `mapstructure:"collection" yaml:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

type DynamoDBConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
	Table           string `mapstructure:"table" yaml:"table"`
}

// Event broker types.
const (
	EventsTypeKafka    = "kafka"
	EventsTypeRabbitMQ = "rabbitmq"
	EventsTypeSQS      = "sqs"
)

// EventsConfig enables publishing of lease lifecycle events to a broker.
type EventsConfig struct {
	Enabled        bool           `mapstructure:"enabled" yaml:"enabled"`
	Type           string         `mapstructure:"type" yaml:"type"`
	Topic          string         `mapstructure:"topic" yaml:"topic"`
	PublishTimeout time.Duration  `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	Kafka          KafkaConfig    `mapstructure:"kafka" yaml:"kafka"`
	RabbitMQ       RabbitMQConfig `mapstructure:"rabbitmq" yaml:"rabbitmq"`
	SQS            SQSConfig      `mapstructure:"sqs" yaml:"sqs"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

type SQSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	QueueURL        string `mapstructure:"queue_url" yaml:"queue_url"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
}

// SchedulerConfig holds job settings. Every job starts from Defaults and applies
// its own overrides from Jobs.
type SchedulerConfig struct {
	TickTimeout time.Duration          `mapstructure:"tick_timeout" yaml:"tick_timeout"`
	Defaults    JobSettings            `mapstructure:"defaults" yaml:"defaults"`
	Jobs        map[string]JobOverride `mapstructure:"jobs" yaml:"jobs"`
}

// JobSettings is the fully resolved configuration of one job type.
type JobSettings struct {
	Enabled              bool   `mapstructure:"enabled" yaml:"enabled"`
	HealthCheckTimeSec   int    `mapstructure:"health_check_time_sec" yaml:"health_check_time_sec"`
	PageSize             int    `mapstructure:"page_size" yaml:"page_size"`
	ThreadSize           int    `mapstructure:"thread_size" yaml:"thread_size"`
	HeartbeatIntervalSec int    `mapstructure:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
	Schedule             string `mapstructure:"schedule" yaml:"schedule"`
	Timezone             string `mapstructure:"timezone" yaml:"timezone"`
}

// JobOverride holds the per-job values; nil or empty fields inherit the defaults.
type JobOverride struct {
	Enabled              *bool  `mapstructure:"enabled" yaml:"enabled,omitempty"`
	HealthCheckTimeSec   *int   `mapstructure:"health_check_time_sec" yaml:"health_check_time_sec,omitempty"`
	PageSize             *int   `mapstructure:"page_size" yaml:"page_size,omitempty"`
	ThreadSize           *int   `mapstructure:"thread_size" yaml:"thread_size,omitempty"`
	HeartbeatIntervalSec *int   `mapstructure:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec,omitempty"`
	Schedule             string `mapstructure:"schedule" yaml:"schedule,omitempty"`
	Timezone             string `mapstructure:"timezone" yaml:"timezone,omitempty"`
}

// JobNames returns the names of the jobs with overrides, sorted.
func (c SchedulerConfig) JobNames() []string {
	return sortedJobNames(c.Jobs)
}

// Job resolves the settings of a named job. Lookup is case-insensitive since viper
// folds map keys to lowercase.
func (c SchedulerConfig) Job(name string) JobSettings {
	out := c.Defaults
	override, ok := c.Jobs[strings.ToLower(name)]
	if !ok {
		return out
	}
	if override.Enabled != nil {
		out.Enabled = *override.Enabled
	}
	if override.HealthCheckTimeSec != nil {
		out.HealthCheckTimeSec = *override.HealthCheckTimeSec
	}
	if override.PageSize != nil {
		out.PageSize = *override.PageSize
	}
	if override.ThreadSize != nil {
		out.ThreadSize = *override.ThreadSize
	}
	if override.HeartbeatIntervalSec != nil {
		out.HeartbeatIntervalSec = *override.HeartbeatIntervalSec
	}
	if override.Schedule != "" {
		out.Schedule = override.Schedule
	}
	if override.Timezone != "" {
		out.Timezone = override.Timezone
	}
	return out
}

// ManagementConfig configures the management HTTP endpoint.
type ManagementConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
	// Router is one of nethttp, gin or gorilla.
	Router          string        `mapstructure:"router" yaml:"router"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AdminEnabled exposes lease release and manual trigger routes.
	AdminEnabled bool   `mapstructure:"admin_enabled" yaml:"admin_enabled"`
	TLSEnabled   bool   `mapstructure:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile  string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile   string `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	// TLSCAFile turns on client certificate verification.
	TLSCAFile string `mapstructure:"tls_ca_file" yaml:"tls_ca_file"`
	// AdminAuth requires a bearer token on the admin routes.
	AdminAuth      AdminAuthConfig      `mapstructure:"admin_auth" yaml:"admin_auth"`
	AdminRateLimit AdminRateLimitConfig `mapstructure:"admin_rate_limit" yaml:"admin_rate_limit"`
}

// AdminAuthConfig validates RS256 tokens against a JWKS endpoint.
type AdminAuthConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	JWKSURL  string        `mapstructure:"jwks_url" yaml:"jwks_url"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	Scope    string        `mapstructure:"scope" yaml:"scope"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// AdminRateLimitConfig caps admin requests per client address. Zero disables it.
type AdminRateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

type ObservabilityConfig struct {
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string        `mapstructure:"log_format" yaml:"log_format"`
	Tracing   TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
}

// DefaultConfig returns the built-in defaults: an in-memory store and every job
// disabled until configured.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "leasecoord",
			Environment: "development",
		},
		Instance: InstanceConfig{
			Port: 8080,
		},
		Store: StoreConfig{
			Type:             StoreTypeMemory,
			OperationTimeout: 3 * time.Second,
			CircuitBreaker:   BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
			Redis:            RedisConfig{Prefix: "leasecoord:scheduler"},
			Postgres:         SQLConfig{Table: "leasecoord_scheduler_leases", AutoMigrate: true},
			MySQL:            SQLConfig{Table: "leasecoord_scheduler_leases", AutoMigrate: true},
			MongoDB:          MongoDBConfig{Database: "leasecoord", Collection: "scheduler_leases", ConnectTimeout: 10 * time.Second},
			DynamoDB:         DynamoDBConfig{Table: "leasecoord_scheduler_leases"},
		},
		Scheduler: SchedulerConfig{
			Defaults: JobSettings{
				PageSize:   1000,
				ThreadSize: 1,
				Schedule:   "@every 1m",
				Timezone:   "UTC",
			},
			Jobs: map[string]JobOverride{},
		},
		Management: ManagementConfig{
			Enabled:         true,
			Port:            9090,
			Router:          "nethttp",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AdminAuth:       AdminAuthConfig{Scope: "leasecoord:admin", CacheTTL: 5 * time.Minute},
			AdminRateLimit:  AdminRateLimitConfig{RequestsPerSecond: 1, Burst: 5},
		},
		Events: EventsConfig{
			Type:           EventsTypeKafka,
			Topic:          "leasecoord.lease-events",
			PublishTimeout: 2 * time.Second,
			RabbitMQ:       RabbitMQConfig{Exchange: "leasecoord"},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Endpoint:   "localhost:4317",
				SampleRate: 1,
			},
		},
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	out := c
	out.Store.Redis.URL = redactURL(c.Store.Redis.URL)
	out.Store.Postgres.URL = redactURL(c.Store.Postgres.URL)
	out.Store.MySQL.URL = redactURL(c.Store.MySQL.URL)
	out.Store.MongoDB.URL = redactURL(c.Store.MongoDB.URL)
	if out.Store.DynamoDB.SecretAccessKey != "" {
		out.Store.DynamoDB.SecretAccessKey = "xxxxx"
	}
	if out.Store.DynamoDB.SessionToken != "" {
		out.Store.DynamoDB.SessionToken = "xxxxx"
	}
	out.Events.RabbitMQ.URL = redactURL(c.Events.RabbitMQ.URL)
	if out.Events.SQS.SecretAccessKey != "" {
		out.Events.SQS.SecretAccessKey = "xxxxx"
	}
	if out.Events.SQS.SessionToken != "" {
		out.Events.SQS.SessionToken = "xxxxx"
	}
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	if !strings.Contains(raw, "://") {
		// go-sql-driver DSN: user:password@tcp(host:port)/db
		at := strings.LastIndex(raw, "@")
		if colon := strings.Index(raw, ":"); at > 0 && colon >= 0 && colon < at {
			return raw[:colon] + ":xxxxx" + raw[at:]
		}
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "xxxxx"
	}
	return u.Redacted()
}
