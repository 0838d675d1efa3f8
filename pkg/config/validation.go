package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nimburion/leasecoord/pkg/scheduler"
)

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Service.Name) == "" {
		add("service.name is required")
	}
	if c.Instance.Port < 0 || c.Instance.Port > 65535 {
		add("instance.port must be between 0 and 65535, got %d", c.Instance.Port)
	}

	errs = append(errs, c.Store.validate()...)
	errs = append(errs, c.Events.validate()...)

	if c.Scheduler.TickTimeout < 0 {
		add("scheduler.tick_timeout must be >= 0")
	}
	if err := validateJob("scheduler.defaults", c.Scheduler.Defaults); err != nil {
		errs = append(errs, err)
	}
	for _, name := range sortedJobNames(c.Scheduler.Jobs) {
		if err := validateJob("scheduler.jobs."+name, c.Scheduler.Job(name)); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Management.Enabled {
		if c.Management.Port < 0 || c.Management.Port > 65535 {
			add("management.port must be between 0 and 65535, got %d", c.Management.Port)
		}
		if c.Management.Port != 0 && c.Management.Port == c.Instance.Port {
			add("management.port must differ from instance.port")
		}
		switch strings.ToLower(c.Management.Router) {
		case "", "nethttp", "gin", "gorilla":
		default:
			add("management.router must be one of nethttp, gin, gorilla, got %q", c.Management.Router)
		}
		if c.Management.TLSEnabled && (c.Management.TLSCertFile == "" || c.Management.TLSKeyFile == "") {
			add("management.tls_cert_file and management.tls_key_file are required when tls is enabled")
		}
		if a := c.Management.AdminAuth; a.Enabled && strings.TrimSpace(a.JWKSURL) == "" {
			add("management.admin_auth.jwks_url is required when admin auth is enabled")
		}
		if rl := c.Management.AdminRateLimit; rl.RequestsPerSecond < 0 || (rl.RequestsPerSecond > 0 && rl.Burst < 1) {
			add("management.admin_rate_limit needs requests_per_second >= 0 and burst >= 1")
		}
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("observability.log_level must be one of debug, info, warn, error, got %q", c.Observability.LogLevel)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		add("observability.log_format must be json or text, got %q", c.Observability.LogFormat)
	}
	if t := c.Observability.Tracing; t.Enabled {
		if t.Endpoint == "" {
			add("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			add("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return errors.Join(errs...)
}

func (e EventsConfig) validate() []error {
	if !e.Enabled {
		return nil
	}
	var errs []error
	if strings.TrimSpace(e.Topic) == "" {
		errs = append(errs, fmt.Errorf("events.topic is required when events are enabled"))
	}
	if e.PublishTimeout < 0 {
		errs = append(errs, fmt.Errorf("events.publish_timeout must be >= 0"))
	}
	switch e.Type {
	case EventsTypeKafka:
		if len(e.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("events.kafka.brokers is required for kafka events"))
		}
	case EventsTypeRabbitMQ:
		if e.RabbitMQ.URL == "" {
			errs = append(errs, fmt.Errorf("events.rabbitmq.url is required for rabbitmq events"))
		}
	case EventsTypeSQS:
		if e.SQS.Region == "" || e.SQS.QueueURL == "" {
			errs = append(errs, fmt.Errorf("events.sqs.region and events.sqs.queue_url are required for sqs events"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.type %q is not supported", e.Type))
	}
	return errs
}

func (s StoreConfig) validate() []error {
	var errs []error
	if s.OperationTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.operation_timeout must be >= 0"))
	}
	if cb := s.CircuitBreaker; cb.Enabled && (cb.MaxFailures < 1 || cb.OpenTimeout <= 0) {
		errs = append(errs, fmt.Errorf("store.circuit_breaker needs max_failures >= 1 and a positive open_timeout"))
	}
	switch s.Type {
	case StoreTypeMemory:
	case StoreTypeRedis:
		if s.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("store.redis.url is required for the redis store"))
		}
	case StoreTypePostgres:
		if s.Postgres.URL == "" {
			errs = append(errs, fmt.Errorf("store.postgres.url is required for the postgres store"))
		}
	case StoreTypeMySQL:
		if s.MySQL.URL == "" {
			errs = append(errs, fmt.Errorf("store.mysql.url is required for the mysql store"))
		}
	case StoreTypeMongoDB:
		if s.MongoDB.URL == "" {
			errs = append(errs, fmt.Errorf("store.mongodb.url is required for the mongodb store"))
		}
		if s.MongoDB.Database == "" {
			errs = append(errs, fmt.Errorf("store.mongodb.database is required for the mongodb store"))
		}
	case StoreTypeDynamoDB:
		if s.DynamoDB.Region == "" {
			errs = append(errs, fmt.Errorf("store.dynamodb.region is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not supported", s.Type))
	}
	return errs
}

func validateJob(prefix string, job JobSettings) error {
	var errs []error
	if job.HealthCheckTimeSec < 0 {
		errs = append(errs, fmt.Errorf("%s.health_check_time_sec must be >= 0", prefix))
	}
	if job.HeartbeatIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("%s.heartbeat_interval_sec must be >= 0", prefix))
	}
	if job.HeartbeatIntervalSec > 0 && job.HealthCheckTimeSec > 0 && job.HeartbeatIntervalSec >= job.HealthCheckTimeSec {
		errs = append(errs, fmt.Errorf("%s.heartbeat_interval_sec must be shorter than health_check_time_sec", prefix))
	}
	if job.PageSize < 0 || job.ThreadSize < 0 {
		errs = append(errs, fmt.Errorf("%s page_size and thread_size must be >= 0", prefix))
	}
	if err := scheduler.ParseSchedule(job.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("%s.schedule: %w", prefix, err))
	}
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("%s.timezone: %w", prefix, err))
		}
	}
	return errors.Join(errs...)
}

func sortedJobNames(jobs map[string]JobOverride) []string {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
