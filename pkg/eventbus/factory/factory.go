// Package factory builds the lease event publisher selected by configuration.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/eventbus"
	"github.com/nimburion/leasecoord/pkg/eventbus/kafka"
	"github.com/nimburion/leasecoord/pkg/eventbus/rabbitmq"
	"github.com/nimburion/leasecoord/pkg/eventbus/sqs"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

// NewProducer creates the broker producer for cfg.Type.
func NewProducer(ctx context.Context, cfg config.EventsConfig, log logger.Logger) (eventbus.Producer, error) {
	timeout := operationTimeout(cfg.PublishTimeout)
	switch cfg.Type {
	case config.EventsTypeKafka:
		return kafka.NewProducer(kafka.Config{
			Brokers:          cfg.Kafka.Brokers,
			OperationTimeout: timeout,
		}, log)
	case config.EventsTypeRabbitMQ:
		return rabbitmq.NewProducer(rabbitmq.Config{
			URL:              cfg.RabbitMQ.URL,
			Exchange:         cfg.RabbitMQ.Exchange,
			OperationTimeout: timeout,
		}, log)
	case config.EventsTypeSQS:
		return sqs.NewProducer(ctx, sqs.Config{
			Region:           cfg.SQS.Region,
			QueueURL:         cfg.SQS.QueueURL,
			Endpoint:         cfg.SQS.Endpoint,
			AccessKeyID:      cfg.SQS.AccessKeyID,
			SecretAccessKey:  cfg.SQS.SecretAccessKey,
			SessionToken:     cfg.SQS.SessionToken,
			OperationTimeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported events type %q", cfg.Type)
	}
}

// NewLeasePublisher returns nil when events are disabled.
func NewLeasePublisher(ctx context.Context, cfg config.EventsConfig, log logger.Logger) (*eventbus.LeasePublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	producer, err := NewProducer(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create %s producer: %w", cfg.Type, err)
	}
	publisher, err := eventbus.NewLeasePublisher(producer, cfg.Topic, cfg.PublishTimeout, log)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return publisher, nil
}

func operationTimeout(publish time.Duration) time.Duration {
	if publish <= 0 {
		return eventbus.DefaultPublishTimeout
	}
	return publish
}
