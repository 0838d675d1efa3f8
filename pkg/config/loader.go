package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const DefaultEnvPrefix = "LEASECOORD"

// jobFields are the per-job keys that can be overridden from the environment.
var jobFields = []string{"enabled", "health_check_time_sec", "page_size", "thread_size", "heartbeat_interval_sec", "schedule", "timezone"}

// flagKeys maps command-line flags to config keys. Only flags present in the
// bound FlagSet are used, and only when set explicitly.
var flagKeys = map[string]string{
	"log-level":       "observability.log_level",
	"log-format":      "observability.log_format",
	"store":           "store.type",
	"host":            "instance.host",
	"port":            "instance.port",
	"management-port": "management.port",
}

// ViperLoader loads Config with precedence flags > ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a loader. configFile may be empty; envPrefix defaults to LEASECOORD.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{configFile: configFile, envPrefix: envPrefix}
}

// WithFlags binds the known flags of fs on top of every other source.
func (l *ViperLoader) WithFlags(fs *pflag.FlagSet) *ViperLoader {
	l.flags = fs
	return l
}

// Load reads, merges and validates the configuration.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	if err := l.bindEnvVars(v); err != nil {
		return nil, err
	}
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Scheduler.Jobs == nil {
		cfg.Scheduler.Jobs = map[string]JobOverride{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) error {
	bindings := map[string]string{
		"service.name":        "SERVICE_NAME",
		"service.environment": "SERVICE_ENVIRONMENT",

		"instance.host": "INSTANCE_HOST",
		"instance.port": "INSTANCE_PORT",

		"store.type":                         "STORE_TYPE",
		"store.operation_timeout":            "STORE_OPERATION_TIMEOUT",
		"store.tracing":                      "STORE_TRACING",
		"store.circuit_breaker.enabled":      "STORE_CIRCUIT_BREAKER_ENABLED",
		"store.circuit_breaker.max_failures": "STORE_CIRCUIT_BREAKER_MAX_FAILURES",
		"store.circuit_breaker.open_timeout": "STORE_CIRCUIT_BREAKER_OPEN_TIMEOUT",
		"store.redis.url":                    "STORE_REDIS_URL",
		"store.redis.prefix":                 "STORE_REDIS_PREFIX",

		"store.postgres.url":          "STORE_POSTGRES_URL",
		"store.postgres.table":        "STORE_POSTGRES_TABLE",
		"store.postgres.auto_migrate": "STORE_POSTGRES_AUTO_MIGRATE",
		"store.mysql.url":             "STORE_MYSQL_URL",
		"store.mysql.table":           "STORE_MYSQL_TABLE",
		"store.mysql.auto_migrate":    "STORE_MYSQL_AUTO_MIGRATE",

		"store.mongodb.url":             "STORE_MONGODB_URL",
		"store.mongodb.database":        "STORE_MONGODB_DATABASE",
		"store.mongodb.collection":      "STORE_MONGODB_COLLECTION",
		"store.mongodb.connect_timeout": "STORE_MONGODB_CONNECT_TIMEOUT",

		"store.dynamodb.region":            "STORE_DYNAMODB_REGION",
		"store.dynamodb.endpoint":          "STORE_DYNAMODB_ENDPOINT",
		"store.dynamodb.access_key_id":     "STORE_DYNAMODB_ACCESS_KEY_ID",
		"store.dynamodb.secret_access_key": "STORE_DYNAMODB_SECRET_ACCESS_KEY",
		"store.dynamodb.session_token":     "STORE_DYNAMODB_SESSION_TOKEN",
		"store.dynamodb.table":             "STORE_DYNAMODB_TABLE",

		"scheduler.tick_timeout": "SCHEDULER_TICK_TIMEOUT",

		"management.enabled":                              "MGMT_ENABLED",
		"management.port":                                 "MGMT_PORT",
		"management.router":                               "MGMT_ROUTER",
		"management.read_timeout":                         "MGMT_READ_TIMEOUT",
		"management.write_timeout":                        "MGMT_WRITE_TIMEOUT",
		"management.shutdown_timeout":                     "MGMT_SHUTDOWN_TIMEOUT",
		"management.admin_enabled":                        "MGMT_ADMIN_ENABLED",
		"management.tls_enabled":                          "MGMT_TLS_ENABLED",
		"management.tls_cert_file":                        "MGMT_TLS_CERT_FILE",
		"management.tls_key_file":                         "MGMT_TLS_KEY_FILE",
		"management.tls_ca_file":                          "MGMT_TLS_CA_FILE",
		"management.admin_auth.enabled":                   "MGMT_ADMIN_AUTH_ENABLED",
		"management.admin_auth.jwks_url":                  "MGMT_ADMIN_AUTH_JWKS_URL",
		"management.admin_auth.issuer":                    "MGMT_ADMIN_AUTH_ISSUER",
		"management.admin_auth.audience":                  "MGMT_ADMIN_AUTH_AUDIENCE",
		"management.admin_auth.scope":                     "MGMT_ADMIN_AUTH_SCOPE",
		"management.admin_auth.cache_ttl":                 "MGMT_ADMIN_AUTH_CACHE_TTL",
		"management.admin_rate_limit.requests_per_second": "MGMT_ADMIN_RATE_LIMIT_RPS",
		"management.admin_rate_limit.burst":               "MGMT_ADMIN_RATE_LIMIT_BURST",

		"events.enabled":               "EVENTS_ENABLED",
		"events.type":                  "EVENTS_TYPE",
		"events.topic":                 "EVENTS_TOPIC",
		"events.publish_timeout":       "EVENTS_PUBLISH_TIMEOUT",
		"events.kafka.brokers":         "EVENTS_KAFKA_BROKERS",
		"events.rabbitmq.url":          "EVENTS_RABBITMQ_URL",
		"events.rabbitmq.exchange":     "EVENTS_RABBITMQ_EXCHANGE",
		"events.sqs.region":            "EVENTS_SQS_REGION",
		"events.sqs.endpoint":          "EVENTS_SQS_ENDPOINT",
		"events.sqs.queue_url":         "EVENTS_SQS_QUEUE_URL",
		"events.sqs.access_key_id":     "EVENTS_SQS_ACCESS_KEY_ID",
		"events.sqs.secret_access_key": "EVENTS_SQS_SECRET_ACCESS_KEY",
		"events.sqs.session_token":     "EVENTS_SQS_SESSION_TOKEN",

		"observability.log_level":           "LOG_LEVEL",
		"observability.log_format":          "LOG_FORMAT",
		"observability.tracing.enabled":     "TRACING_ENABLED",
		"observability.tracing.endpoint":    "TRACING_ENDPOINT",
		"observability.tracing.sample_rate": "TRACING_SAMPLE_RATE",
		"observability.tracing.insecure":    "TRACING_INSECURE",
	}
	for _, field := range jobFields {
		bindings["scheduler.defaults."+field] = "SCHEDULER_DEFAULTS_" + strings.ToUpper(field)
	}
	// Per-job keys can only be bound for jobs the file already names.
	for _, job := range sortedKeys(v.GetStringMap("scheduler.jobs")) {
		for _, field := range jobFields {
			bindings["scheduler.jobs."+job+"."+field] = "SCHEDULER_JOBS_" + strings.ToUpper(job) + "_" + strings.ToUpper(field)
		}
	}

	for key, suffix := range bindings {
		if err := v.BindEnv(key, l.prefixedEnv(suffix)); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("instance.host", cfg.Instance.Host)
	v.SetDefault("instance.port", cfg.Instance.Port)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.operation_timeout", cfg.Store.OperationTimeout)
	v.SetDefault("store.tracing", cfg.Store.Tracing)
	v.SetDefault("store.circuit_breaker.enabled", cfg.Store.CircuitBreaker.Enabled)
	v.SetDefault("store.circuit_breaker.max_failures", cfg.Store.CircuitBreaker.MaxFailures)
	v.SetDefault("store.circuit_breaker.open_timeout", cfg.Store.CircuitBreaker.OpenTimeout)
	v.SetDefault("store.redis.prefix", cfg.Store.Redis.Prefix)
	v.SetDefault("store.postgres.table", cfg.Store.Postgres.Table)
	v.SetDefault("store.postgres.auto_migrate", cfg.Store.Postgres.AutoMigrate)
	v.SetDefault("store.mysql.table", cfg.Store.MySQL.Table)
	v.SetDefault("store.mysql.auto_migrate", cfg.Store.MySQL.AutoMigrate)
	v.SetDefault("store.mongodb.database", cfg.Store.MongoDB.Database)
	v.SetDefault("store.mongodb.collection", cfg.Store.MongoDB.Collection)
	v.SetDefault("store.mongodb.connect_timeout", cfg.Store.MongoDB.ConnectTimeout)
	v.SetDefault("store.dynamodb.table", cfg.Store.DynamoDB.Table)

	v.SetDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout)
	v.SetDefault("scheduler.defaults.enabled", cfg.Scheduler.Defaults.Enabled)
	v.SetDefault("scheduler.defaults.health_check_time_sec", cfg.Scheduler.Defaults.HealthCheckTimeSec)
	v.SetDefault("scheduler.defaults.page_size", cfg.Scheduler.Defaults.PageSize)
	v.SetDefault("scheduler.defaults.thread_size", cfg.Scheduler.Defaults.ThreadSize)
	v.SetDefault("scheduler.defaults.heartbeat_interval_sec", cfg.Scheduler.Defaults.HeartbeatIntervalSec)
	v.SetDefault("scheduler.defaults.schedule", cfg.Scheduler.Defaults.Schedule)
	v.SetDefault("scheduler.defaults.timezone", cfg.Scheduler.Defaults.Timezone)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.router", cfg.Management.Router)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.shutdown_timeout", cfg.Management.ShutdownTimeout)
	v.SetDefault("management.admin_enabled", cfg.Management.AdminEnabled)
	v.SetDefault("management.tls_enabled", cfg.Management.TLSEnabled)
	v.SetDefault("management.admin_auth.enabled", cfg.Management.AdminAuth.Enabled)
	v.SetDefault("management.admin_auth.scope", cfg.Management.AdminAuth.Scope)
	v.SetDefault("management.admin_auth.cache_ttl", cfg.Management.AdminAuth.CacheTTL)
	v.SetDefault("management.admin_rate_limit.requests_per_second", cfg.Management.AdminRateLimit.RequestsPerSecond)
	v.SetDefault("management.admin_rate_limit.burst", cfg.Management.AdminRateLimit.Burst)

	v.SetDefault("events.enabled", cfg.Events.Enabled)
	v.SetDefault("events.type", cfg.Events.Type)
	v.SetDefault("events.topic", cfg.Events.Topic)
	v.SetDefault("events.publish_timeout", cfg.Events.PublishTimeout)
	v.SetDefault("events.rabbitmq.exchange", cfg.Events.RabbitMQ.Exchange)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.insecure", cfg.Observability.Tracing.Insecure)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
