package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }
	intPtr := func(i int) *int { return &i }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "empty service", mutate: func(c *Config) { c.Service.Name = " " }, wantErr: "service.name"},
		{name: "bad instance port", mutate: func(c *Config) { c.Instance.Port = 70000 }, wantErr: "instance.port"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Type = "etcd" }, wantErr: "store.type"},
		{name: "redis without url", mutate: func(c *Config) { c.Store.Type = StoreTypeRedis }, wantErr: "store.redis.url"},
		{name: "mysql without url", mutate: func(c *Config) { c.Store.Type = StoreTypeMySQL }, wantErr: "store.mysql.url"},
		{name: "mongodb without database", mutate: func(c *Config) {
			c.Store.Type = StoreTypeMongoDB
			c.Store.MongoDB.URL = "mongodb://localhost"
			c.Store.MongoDB.Database = ""
		}, wantErr: "store.mongodb.database"},
		{name: "dynamodb without region", mutate: func(c *Config) { c.Store.Type = StoreTypeDynamoDB }, wantErr: "store.dynamodb.region"},
		{name: "breaker without threshold", mutate: func(c *Config) {
			c.Store.CircuitBreaker = BreakerConfig{Enabled: true, OpenTimeout: time.Second}
		}, wantErr: "store.circuit_breaker"},
		{name: "enabled breaker with defaults", mutate: func(c *Config) { c.Store.CircuitBreaker.Enabled = true }},
		{name: "events without brokers", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: "events.kafka.brokers"},
		{name: "kafka events", mutate: func(c *Config) {
			c.Events.Enabled = true
			c.Events.Kafka.Brokers = []string{"localhost:9092"}
		}},
		{name: "unknown event broker", mutate: func(c *Config) {
			c.Events.Enabled = true
			c.Events.Type = "nats"
		}, wantErr: "events.type"},
		{name: "sqs events without queue", mutate: func(c *Config) {
			c.Events.Enabled = true
			c.Events.Type = EventsTypeSQS
			c.Events.SQS.Region = "eu-west-1"
		}, wantErr: "events.sqs"},
		{name: "disabled events skip checks", mutate: func(c *Config) { c.Events.Type = "nats" }},
		{name: "negative tick timeout", mutate: func(c *Config) { c.Scheduler.TickTimeout = -1 }, wantErr: "scheduler.tick_timeout"},
		{name: "negative health check", mutate: func(c *Config) { c.Scheduler.Defaults.HealthCheckTimeSec = -1 }, wantErr: "health_check_time_sec"},
		{name: "heartbeat not shorter than timeout", mutate: func(c *Config) {
			c.Scheduler.Jobs["sync"] = JobOverride{Enabled: boolPtr(true), HealthCheckTimeSec: intPtr(10), HeartbeatIntervalSec: intPtr(10)}
		}, wantErr: "scheduler.jobs.sync.heartbeat_interval_sec"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Defaults.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "management port clash", mutate: func(c *Config) { c.Management.Port = c.Instance.Port }, wantErr: "management.port"},
		{name: "unknown router", mutate: func(c *Config) { c.Management.Router = "echo" }, wantErr: "management.router"},
		{name: "admin auth without jwks", mutate: func(c *Config) { c.Management.AdminAuth.Enabled = true }, wantErr: "admin_auth.jwks_url"},
		{name: "rate limit without burst", mutate: func(c *Config) { c.Management.AdminRateLimit.Burst = 0 }, wantErr: "admin_rate_limit"},
		{name: "rate limit disabled", mutate: func(c *Config) {
			c.Management.AdminRateLimit = AdminRateLimitConfig{}
		}},
		{name: "tls without cert", mutate: func(c *Config) { c.Management.TLSEnabled = true }, wantErr: "tls_cert_file"},
		{name: "disabled management skips checks", mutate: func(c *Config) {
			c.Management.Enabled = false
			c.Management.Router = "echo"
		}},
		{name: "bad log level", mutate: func(c *Config) { c.Observability.LogLevel = "trace" }, wantErr: "log_level"},
		{name: "bad log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "tracing without endpoint", mutate: func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Endpoint = ""
		}, wantErr: "tracing.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchedulerConfig_JobInheritsDefaults(t *testing.T) {
	enabled := true
	heartbeat := 5
	cfg := SchedulerConfig{
		Defaults: JobSettings{HealthCheckTimeSec: 60, PageSize: 1000, ThreadSize: 1, Schedule: "@every 1m"},
		Jobs: map[string]JobOverride{
			"sync": {Enabled: &enabled, HeartbeatIntervalSec: &heartbeat, Timezone: "Europe/Rome"},
		},
	}
	got := cfg.Job("Sync")
	want := JobSettings{Enabled: true, HealthCheckTimeSec: 60, PageSize: 1000, ThreadSize: 1, HeartbeatIntervalSec: 5, Schedule: "@every 1m", Timezone: "Europe/Rome"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Postgres.URL = "postgres://app:s3cret@db:5432/leases?sslmode=disable"
	cfg.Store.MySQL.URL = "app:s3cret@tcp(db:3306)/leases"
	cfg.Store.Redis.URL = "redis://localhost:6379/0"
	cfg.Store.DynamoDB.SecretAccessKey = "AKIA-secret"
	cfg.Events.RabbitMQ.URL = "amqp://guest:s3cret@mq:5672/"
	cfg.Events.SQS.SecretAccessKey = "AKIA-events"

	out := cfg.Redacted()
	for _, got := range []string{out.Store.Postgres.URL, out.Store.MySQL.URL, out.Store.DynamoDB.SecretAccessKey, out.Events.RabbitMQ.URL, out.Events.SQS.SecretAccessKey} {
		if strings.Contains(got, "s3cret") || strings.Contains(got, "AKIA") {
			t.Fatalf("secret leaked in %q", got)
		}
	}
	if out.Store.MySQL.URL != "app:xxxxx@tcp(db:3306)/leases" {
		t.Fatalf("unexpected mysql redaction %q", out.Store.MySQL.URL)
	}
	if out.Store.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("url without credentials should be unchanged, got %q", out.Store.Redis.URL)
	}
	if !strings.Contains(cfg.Store.Postgres.URL, "s3cret") {
		t.Fatal("Redacted must not modify the receiver")
	}
}
