// Package factory builds scheduler components from the process configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/resilience"
	"github.com/nimburion/leasecoord/pkg/scheduler"
)

// NewLeaseStore creates the lease store selected by cfg.Type, guarded by a circuit
// breaker when enabled and wrapped with per-call spans when cfg.Tracing is set.
func NewLeaseStore(cfg config.StoreConfig, log logger.Logger) (scheduler.LeaseStore, error) {
	storeType := strings.ToLower(strings.TrimSpace(cfg.Type))
	var (
		store scheduler.LeaseStore
		err   error
	)
	switch storeType {
	case config.StoreTypeMemory, "":
		storeType = config.StoreTypeMemory
		store = scheduler.NewMemoryLeaseStore()
	case config.StoreTypeRedis:
		store, err = scheduler.NewRedisLeaseStore(scheduler.RedisLeaseStoreConfig{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypePostgres:
		store, err = scheduler.NewSQLLeaseStore(sqlConfig(scheduler.DialectPostgres, cfg.Postgres, cfg), log)
	case config.StoreTypeMySQL:
		store, err = scheduler.NewSQLLeaseStore(sqlConfig(scheduler.DialectMySQL, cfg.MySQL, cfg), log)
	case config.StoreTypeMongoDB:
		store, err = scheduler.NewMongoLeaseStore(scheduler.MongoLeaseStoreConfig{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.MongoDB.Collection,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.StoreTypeDynamoDB:
		store, err = scheduler.NewDynamoDBLeaseStore(scheduler.DynamoDBLeaseStoreConfig{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			Table:            cfg.DynamoDB.Table,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("%w: unsupported lease store type %q", scheduler.ErrValidation, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s lease store: %w", storeType, err)
	}
	if cfg.CircuitBreaker.Enabled {
		store = scheduler.NewBreakerLeaseStore(store, resilience.Config{
			MaxFailures: cfg.CircuitBreaker.MaxFailures,
			OpenTimeout: cfg.CircuitBreaker.OpenTimeout,
		})
	}
	if cfg.Tracing {
		return scheduler.NewTracedLeaseStore(store, storeType), nil
	}
	return store, nil
}

func sqlConfig(dialect scheduler.SQLDialect, sql config.SQLConfig, store config.StoreConfig) scheduler.SQLLeaseStoreConfig {
	return scheduler.SQLLeaseStoreConfig{
		Dialect:          dialect,
		URL:              sql.URL,
		Table:            sql.Table,
		OperationTimeout: store.OperationTimeout,
		AutoMigrate:      sql.AutoMigrate,
	}
}

// JobConfig converts resolved job settings to the coordinator configuration.
func JobConfig(settings config.JobSettings) scheduler.JobConfig {
	return scheduler.JobConfig{
		Enabled:              settings.Enabled,
		HealthCheckTimeSec:   settings.HealthCheckTimeSec,
		PageSize:             settings.PageSize,
		ThreadSize:           settings.ThreadSize,
		HeartbeatIntervalSec: settings.HeartbeatIntervalSec,
	}
}

// NewTask builds the task named name with its configured schedule and settings.
func NewTask(name string, runner scheduler.JobRunner, cfg config.SchedulerConfig) scheduler.Task {
	settings := cfg.Job(name)
	return scheduler.Task{
		Name:     name,
		Schedule: settings.Schedule,
		Timezone: settings.Timezone,
		Runner:   runner,
		Config:   JobConfig(settings),
	}
}

// NewRuntime creates a runtime for this instance over store.
func NewRuntime(cfg *config.Config, store scheduler.LeaseStore, log logger.Logger, opts ...scheduler.CoordinatorOption) (*scheduler.Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", scheduler.ErrInvalidArgument)
	}
	return scheduler.NewRuntime(store, log, scheduler.RuntimeConfig{
		Host:        cfg.Instance.Host,
		Port:        cfg.Instance.Port,
		TickTimeout: cfg.Scheduler.TickTimeout,
	}, opts...)
}
