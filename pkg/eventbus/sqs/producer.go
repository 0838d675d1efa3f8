// Package sqs publishes lease events to an AWS SQS queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/leasecoord/pkg/eventbus"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	defaultOperationTimeout = 10 * time.Second
	healthCheckTimeout      = 2 * time.Second

	attributeTopic       = "topic"
	attributeMessageID   = "message-id"
	attributeContentType = "content-type"
)

var errClosed = errors.New("sqs producer is closed")

// Config holds the SQS producer configuration. Empty keys use the default AWS
// credential chain.
type Config struct {
	Region           string
	QueueURL         string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

type client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Producer sends every message to one queue. The topic travels as a message
// attribute. FIFO queues group messages by key.
type Producer struct {
	client client
	config Config
	fifo   bool
	log    logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewProducer loads the AWS configuration for cfg.Region and creates the client.
func NewProducer(ctx context.Context, cfg Config, log logger.Logger) (*Producer, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, fmt.Errorf("sqs queue URL is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	log.Info("sqs producer initialized", "region", cfg.Region, "queue_url", cfg.QueueURL)
	return newProducer(sqs.NewFromConfig(awsCfg, opts...), cfg, log), nil
}

func newProducer(c client, cfg Config, log logger.Logger) *Producer {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	return &Producer{
		client: c,
		config: cfg,
		fifo:   strings.HasSuffix(cfg.QueueURL, ".fifo"),
		log:    log,
	}
}

// Publish sends message to the configured queue.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if p.isClosed() {
		return errClosed
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.config.QueueURL),
		MessageBody:       aws.String(string(message.Value)),
		MessageAttributes: toSQSAttributes(topic, message),
	}
	if p.fifo {
		group := message.Key
		if group == "" {
			group = topic
		}
		input.MessageGroupId = aws.String(group)
		if message.ID != "" {
			input.MessageDeduplicationId = aws.String(message.ID)
		}
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message to %s: %w", p.config.QueueURL, err)
	}
	p.log.Debug("lease event published", "queue_url", p.config.QueueURL, "topic", topic, "message_id", message.ID)
	return nil
}

// HealthCheck reads the queue ARN.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.isClosed() {
		return errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

// Close marks the producer closed. The SDK client holds no connection to release.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Producer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func toSQSAttributes(topic string, message *eventbus.Message) map[string]types.MessageAttributeValue {
	out := make(map[string]types.MessageAttributeValue, len(message.Headers)+3)
	add := func(k, v string) {
		if v == "" {
			return
		}
		out[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	for k, v := range message.Headers {
		add(k, v)
	}
	add(attributeTopic, topic)
	add(attributeMessageID, message.ID)
	add(attributeContentType, message.ContentType)
	if len(out) == 0 {
		return nil
	}
	return out
}
