package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	defaultMongoLeaseCollection = "scheduler_leases"
	defaultMongoConnectTimeout  = 5 * time.Second
	defaultMongoOperation       = 3 * time.Second
)

// MongoLeaseStoreConfig configures a lease store backed by a MongoDB collection.
type MongoLeaseStoreConfig struct {
	URL              string
	Database         string
	Collection       string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Clock            Clock
}

func (c *MongoLeaseStoreConfig) normalize() {
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = defaultMongoLeaseCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultMongoConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultMongoOperation
	}
	if c.Clock == nil {
		c.Clock = systemClock
	}
}

// MongoLeaseStore keeps one document per lease, with the lease id as _id.
type MongoLeaseStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        logger.Logger
	config     MongoLeaseStoreConfig

	mu     sync.Mutex
	closed bool
}

// NewMongoLeaseStore connects, pings the primary and ensures the job type index.
func NewMongoLeaseStore(cfg MongoLeaseStoreConfig, log logger.Logger) (*MongoLeaseStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "mongodb url is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, schedulerError(ErrInvalidArgument, "mongodb database is required")
	}
	cfg.normalize()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "connect mongodb failed"), err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Join(schedulerError(ErrRetryable, "ping mongodb failed"), err)
	}

	store := &MongoLeaseStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		log:        log,
		config:     cfg,
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongodb lease store connected", "database", cfg.Database, "collection", cfg.Collection)
	return store, nil
}

func newMongoLeaseStoreWithCollection(collection *mongo.Collection, cfg MongoLeaseStoreConfig, log logger.Logger) (*MongoLeaseStore, error) {
	if collection == nil {
		return nil, schedulerError(ErrInvalidArgument, "collection is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &MongoLeaseStore{
		client:     collection.Database().Client(),
		collection: collection,
		log:        log,
		config:     cfg,
	}, nil
}

// EnsureIndexes creates the (job_type, created_at) index used by FindAll.
func (s *MongoLeaseStore) EnsureIndexes(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.collection.Indexes().CreateOne(opCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_type", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("job_type_created_at"),
	})
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "create lease index failed"), err)
	}
	return nil
}

// FindAll finds the documents of jobType sorted by created_at, then _id.
func (s *MongoLeaseStore) FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	cursor, err := s.collection.Find(opCtx,
		bson.M{"job_type": jobType},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "list leases failed"), err)
	}
	var out []LeaseRecord
	if err := cursor.All(opCtx, &out); err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "decode leases failed"), err)
	}
	for i := range out {
		normalizeLeaseTimes(&out[i])
	}
	return out, nil
}

// FindByID returns the document with the given _id, or nil when there is none.
func (s *MongoLeaseStore) FindByID(ctx context.Context, id string) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	var rec LeaseRecord
	err := s.collection.FindOne(opCtx, bson.M{"_id": strings.TrimSpace(id)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "get lease failed"), err)
	}
	normalizeLeaseTimes(&rec)
	return &rec, nil
}

// Insert creates the document stamped with the store clock. A duplicate key
// error becomes ErrConflict.
func (s *MongoLeaseStore) Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	rec.CreatedAt = now
	rec.LastHeartbeatAt = now

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.collection.InsertOne(opCtx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, schedulerError(ErrConflict, "lease "+rec.ID+" already exists")
		}
		return nil, errors.Join(schedulerError(ErrRetryable, "insert lease failed"), err)
	}
	return &rec, nil
}

// Update sets job type, state, owner and a fresh heartbeat on an existing
// document and returns it. No matched document yields ErrNotFound.
func (s *MongoLeaseStore) Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	var updated LeaseRecord
	err := s.collection.FindOneAndUpdate(opCtx,
		bson.M{"_id": rec.ID},
		bson.M{"$set": bson.M{
			"job_type":          rec.JobType,
			"state":             rec.State,
			"owner_pid":         rec.OwnerPID,
			"last_heartbeat_at": s.now(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" does not exist")
	}
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "update lease failed"), err)
	}
	normalizeLeaseTimes(&updated)
	return &updated, nil
}

// Delete removes the document; a missing id is not an error.
func (s *MongoLeaseStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.collection.DeleteOne(opCtx, bson.M{"_id": strings.TrimSpace(id)}); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "delete lease failed"), err)
	}
	return nil
}

// HealthCheck pings the primary.
func (s *MongoLeaseStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx, readpref.Primary()); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "mongodb healthcheck failed"), err)
	}
	return nil
}

// Close disconnects the client. Repeated calls are no-ops.
func (s *MongoLeaseStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed || s.client == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoLeaseStore) ready() error {
	if s == nil || s.collection == nil {
		return schedulerError(ErrNotInitialized, "mongodb lease store is not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedulerError(ErrClosed, "mongodb lease store is closed")
	}
	return nil
}

// now truncates to milliseconds, the precision of BSON dates.
func (s *MongoLeaseStore) now() time.Time {
	return s.config.Clock().UTC().Truncate(time.Millisecond)
}

func (s *MongoLeaseStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func normalizeLeaseTimes(rec *LeaseRecord) {
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastHeartbeatAt = rec.LastHeartbeatAt.UTC()
}

var _ LeaseStore = (*MongoLeaseStore)(nil)
