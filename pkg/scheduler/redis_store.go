package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "leasecoord:scheduler"
	defaultRedisOperationTimeout = 3 * time.Second
)

// updateIfExistsScript writes the field only when it is already present, so an
// Update racing a reap does not resurrect the deleted lease.
var updateIfExistsScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// RedisLeaseStoreConfig configures a lease store backed by a Redis hash.
type RedisLeaseStoreConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	Clock            Clock
}

func (c *RedisLeaseStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.Clock == nil {
		c.Clock = systemClock
	}
}

// RedisLeaseStore keeps every lease as a JSON field of the hash "<prefix>:leases",
// keyed by lease id.
type RedisLeaseStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisLeaseStoreConfig
}

// NewRedisLeaseStore connects to Redis and verifies connectivity.
func NewRedisLeaseStore(cfg RedisLeaseStoreConfig, log logger.Logger) (*RedisLeaseStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(schedulerError(ErrRetryable, "ping redis failed"), err)
	}

	log.Info("redis lease store connected", "prefix", cfg.Prefix)
	return &RedisLeaseStore{client: client, log: log, config: cfg}, nil
}

// FindAll reads the whole lease hash and keeps the records of jobType, ordered
// by CreatedAt, then ID.
func (s *RedisLeaseStore) FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(opCtx, s.hashKey()).Result()
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "list leases failed"), err)
	}
	out := make([]LeaseRecord, 0, len(fields))
	for id, raw := range fields {
		rec, err := decodeRedisLease(id, raw)
		if err != nil {
			// Every job type shares the hash: only a broken lease of this job type fails the read.
			if redisFieldJobType(id, raw) == jobType {
				return nil, err
			}
			s.log.Warn("skipping undecodable lease", "lease_id", id, "job_type", jobType, "error", err)
			continue
		}
		if rec.JobType == jobType {
			out = append(out, rec)
		}
	}
	sortLeases(out)
	return out, nil
}

// FindByID returns the lease stored under id, or nil when the field is absent.
func (s *RedisLeaseStore) FindByID(ctx context.Context, id string) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	raw, err := s.client.HGet(opCtx, s.hashKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "get lease failed"), err)
	}
	rec, err := decodeRedisLease(id, raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert writes rec with HSETNX, so an existing id fails with ErrConflict. Both
// timestamps come from the store clock.
func (s *RedisLeaseStore) Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := s.config.Clock().UTC()
	rec.CreatedAt = now
	rec.LastHeartbeatAt = now
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	created, err := s.client.HSetNX(opCtx, s.hashKey(), rec.ID, payload).Result()
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "insert lease failed"), err)
	}
	if !created {
		return nil, schedulerError(ErrConflict, "lease "+rec.ID+" already exists")
	}
	return &rec, nil
}

// Update rewrites an existing lease field atomically and refreshes its heartbeat.
// It returns ErrNotFound when the field was deleted in the meantime.
func (s *RedisLeaseStore) Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	stored, err := s.FindByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" does not exist")
	}
	stored.JobType = rec.JobType
	stored.State = rec.State
	stored.OwnerPID = rec.OwnerPID
	stored.LastHeartbeatAt = s.config.Clock().UTC()
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	written, err := updateIfExistsScript.Run(opCtx, s.client, []string{s.hashKey()}, stored.ID, payload).Int64()
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "update lease failed"), err)
	}
	if written == 0 {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" does not exist")
	}
	return stored, nil
}

// Delete removes the lease field; a missing id is not an error.
func (s *RedisLeaseStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.HDel(opCtx, s.hashKey(), strings.TrimSpace(id)).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "delete lease failed"), err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisLeaseStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (s *RedisLeaseStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisLeaseStore) ready() error {
	if s == nil || s.client == nil {
		return schedulerError(ErrNotInitialized, "redis lease store is not initialized")
	}
	return nil
}

func (s *RedisLeaseStore) hashKey() string {
	return strings.TrimRight(s.config.Prefix, ":") + ":leases"
}

func (s *RedisLeaseStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func decodeRedisLease(id, raw string) (LeaseRecord, error) {
	var rec LeaseRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return LeaseRecord{}, errors.Join(schedulerError(ErrValidation, "decode lease "+id+" failed"), err)
	}
	rec.ID = id
	return rec, nil
}

// redisFieldJobType recovers the job type of a field that does not decode as a
// lease: from the payload when job_type still parses, else from the "/<job type>"
// suffix of the lease id.
func redisFieldJobType(id, raw string) string {
	var partial struct {
		JobType string `json:"job_type"`
	}
	if err := json.Unmarshal([]byte(raw), &partial); err == nil && partial.JobType != "" {
		return partial.JobType
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return ""
}

var _ LeaseStore = (*RedisLeaseStore)(nil)
