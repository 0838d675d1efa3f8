package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	defaultDynamoTable            = "leasecoord_scheduler_leases"
	defaultDynamoOperationTimeout = 5 * time.Second
)

// dynamoLeaseAPI is the subset of the DynamoDB client the lease store calls.
type dynamoLeaseAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBLeaseStoreConfig configures a lease store backed by one DynamoDB table
// with string partition key "id".
type DynamoDBLeaseStoreConfig struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	OperationTimeout time.Duration
	Clock            Clock
}

func (c *DynamoDBLeaseStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultDynamoTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDynamoOperationTimeout
	}
	if c.Clock == nil {
		c.Clock = systemClock
	}
}

// DynamoDBLeaseStore keeps one item per lease. Insert and Update use existence
// conditions on the key only, which is what the other backends provide natively.
type DynamoDBLeaseStore struct {
	client dynamoLeaseAPI
	log    logger.Logger
	config DynamoDBLeaseStoreConfig
}

// NewDynamoDBLeaseStore builds an AWS SDK v2 client and verifies the table exists.
func NewDynamoDBLeaseStore(cfg DynamoDBLeaseStoreConfig, log logger.Logger) (*DynamoDBLeaseStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, schedulerError(ErrInvalidArgument, "aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "load aws config failed"), err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	store := newDynamoDBLeaseStoreWithClient(dynamodb.NewFromConfig(awsCfg, clientOpts...), cfg, log)
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}
	log.Info("dynamodb lease store connected", "region", cfg.Region, "table", cfg.Table)
	return store, nil
}

func newDynamoDBLeaseStoreWithClient(client dynamoLeaseAPI, cfg DynamoDBLeaseStoreConfig, log logger.Logger) *DynamoDBLeaseStore {
	cfg.normalize()
	return &DynamoDBLeaseStore{client: client, log: log, config: cfg}
}

// FindAll scans the table filtered on job_type and sorts the result by
// CreatedAt, then ID.
func (s *DynamoDBLeaseStore) FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.Table),
		FilterExpression:          aws.String("job_type = :job_type"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":job_type": &types.AttributeValueMemberS{Value: jobType}},
		ConsistentRead:            aws.Bool(true),
	})
	out := make([]LeaseRecord, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(opCtx)
		if err != nil {
			return nil, errors.Join(schedulerError(ErrRetryable, "scan leases failed"), err)
		}
		for _, item := range page.Items {
			rec, err := decodeDynamoLease(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	sortLeases(out)
	return out, nil
}

// FindByID reads the item with a consistent read, or returns nil when absent.
func (s *DynamoDBLeaseStore) FindByID(ctx context.Context, id string) (*LeaseRecord, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	res, err := s.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            dynamoLeaseKey(strings.TrimSpace(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "get lease failed"), err)
	}
	if len(res.Item) == 0 {
		return nil, nil
	}
	rec, err := decodeDynamoLease(res.Item)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert puts the item under attribute_not_exists(id); a failed condition
// becomes ErrConflict.
func (s *DynamoDBLeaseStore) Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := s.config.Clock().UTC()
	rec.CreatedAt = now
	rec.LastHeartbeatAt = now

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                encodeDynamoLease(rec),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return nil, schedulerError(ErrConflict, "lease "+rec.ID+" already exists")
	}
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "insert lease failed"), err)
	}
	return &rec, nil
}

// Update puts the item under attribute_exists(id), keeping CreatedAt and
// refreshing the heartbeat. A failed condition becomes ErrNotFound.
func (s *DynamoDBLeaseStore) Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
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

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err = s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                encodeDynamoLease(*stored),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if isConditionFailed(err) {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" does not exist")
	}
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "update lease failed"), err)
	}
	return stored, nil
}

// Delete removes the item; a missing id is not an error.
func (s *DynamoDBLeaseStore) Delete(ctx context.Context, id string) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key:       dynamoLeaseKey(strings.TrimSpace(id)),
	})
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "delete lease failed"), err)
	}
	return nil
}

// HealthCheck verifies the lease table is reachable.
func (s *DynamoDBLeaseStore) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(s.config.Table)}); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "dynamodb healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op: the SDK client holds no connections that need releasing.
func (s *DynamoDBLeaseStore) Close() error {
	return nil
}

func (s *DynamoDBLeaseStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func dynamoLeaseKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func encodeDynamoLease(rec LeaseRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":                &types.AttributeValueMemberS{Value: rec.ID},
		"job_type":          &types.AttributeValueMemberS{Value: rec.JobType},
		"state":             &types.AttributeValueMemberS{Value: string(rec.State)},
		"owner_pid":         &types.AttributeValueMemberS{Value: rec.OwnerPID},
		"created_at":        &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"last_heartbeat_at": &types.AttributeValueMemberS{Value: rec.LastHeartbeatAt.UTC().Format(time.RFC3339Nano)},
	}
}

func decodeDynamoLease(item map[string]types.AttributeValue) (LeaseRecord, error) {
	str := func(name string) string {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	id := str("id")
	state, err := ParseLeaseState(str("state"))
	if err != nil {
		return LeaseRecord{}, errors.Join(schedulerError(ErrValidation, "decode lease "+id+" failed"), err)
	}
	rec := LeaseRecord{ID: id, JobType: str("job_type"), State: state, OwnerPID: str("owner_pid")}
	for name, dst := range map[string]*time.Time{"created_at": &rec.CreatedAt, "last_heartbeat_at": &rec.LastHeartbeatAt} {
		ts, err := time.Parse(time.RFC3339Nano, str(name))
		if err != nil {
			return LeaseRecord{}, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("decode lease %s %s failed", id, name)), err)
		}
		*dst = ts.UTC()
	}
	return rec, nil
}

var _ LeaseStore = (*DynamoDBLeaseStore)(nil)
